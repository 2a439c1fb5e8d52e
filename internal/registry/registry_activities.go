package registry

import (
	"fmt"
	"reflect"

	"github.com/davidroman0O/durablite/internal/types"
)

var activityContextType = reflect.TypeOf(types.ActivityContext{})

// RegisterActivity validates activityFunc and stores it with its options.
func (r *Registry) RegisterActivity(activityFunc interface{}, opts ...types.ActivityOption) error {
	info, err := inspect("activity", activityFunc, activityContextType)
	if err != nil {
		return err
	}

	options := types.ActivityOptions{Name: info.HandlerName}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Name == "" {
		return fmt.Errorf("activity %s registered with an empty name", info.HandlerLongName)
	}
	info.HandlerName = options.Name
	options.RetryPolicy = options.RetryPolicy.OrDefault()

	r.Lock()
	defer r.Unlock()
	if _, exists := r.activities[info.HandlerName]; exists {
		return fmt.Errorf("activity %q is already registered", info.HandlerName)
	}
	r.activities[info.HandlerName] = types.Activity{HandlerInfo: info, Options: options}
	r.activityFuncs[reflect.ValueOf(activityFunc).Pointer()] = info.HandlerName
	return nil
}

func (r *Registry) IsActivityRegistered(name string) bool {
	r.RLock()
	_, ok := r.activities[name]
	r.RUnlock()
	return ok
}
