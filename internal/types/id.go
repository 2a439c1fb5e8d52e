package types

import "github.com/google/uuid"

// InstanceID identifies one orchestration instance.
type InstanceID string

var NoInstanceID = InstanceID("")

func (id InstanceID) String() string {
	return string(id)
}

// NewInstanceID allocates a fresh random identifier.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}
