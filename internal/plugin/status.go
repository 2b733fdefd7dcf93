package plugin

// Status is the lifecycle state of a plugin.
type Status string

// Plugin lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusValidated  Status = "validated"
	StatusInstalling Status = "installing"
	StatusInstalled  Status = "installed"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusError      Status = "error"
	StatusDeprecated Status = "deprecated"
	StatusRemoved    Status = "removed"
)

// transitions is the forward edge set of the lifecycle graph. Any state
// except removed may additionally move to error; see CanTransitionTo.
var transitions = map[Status][]Status{
	StatusPending:    {StatusValidating},
	StatusValidating: {StatusValidated},
	StatusValidated:  {StatusInstalling},
	StatusInstalling: {StatusInstalled},
	StatusInstalled:  {StatusActive, StatusDeprecated},
	StatusActive:     {StatusInactive, StatusDeprecated},
	StatusInactive:   {StatusActive, StatusDeprecated},
	StatusError:      {StatusDeprecated},
	StatusDeprecated: {StatusRemoved},
	StatusRemoved:    {},
}

// String returns the wire representation.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle graph allows moving from s
// to next. Removed is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	if s == StatusRemoved {
		return false
	}
	if next == StatusError {
		return s != StatusError
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusRemoved
}
