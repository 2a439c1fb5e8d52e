package types

// Status of an orchestration instance.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusRunning    Status = "Running"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusTerminated Status = "Terminated"
)

func StatusValues() []string {
	return []string{
		string(StatusPending),
		string(StatusRunning),
		string(StatusCompleted),
		string(StatusFailed),
		string(StatusTerminated),
	}
}

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further events may change the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}
