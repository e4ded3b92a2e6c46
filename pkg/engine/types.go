package engine

import (
	"fmt"
	"sort"
)

// Role identifies a virtual processing unit that requires an execution provider.
type Role string

const (
	// RolePrimary is the main emulated CPU.
	RolePrimary Role = "primary"

	// RoleCoprocA is the first coprocessor (the I/O processor).
	RoleCoprocA Role = "coproc-a"

	// RoleCoprocB is the second coprocessor.
	RoleCoprocB Role = "coproc-b"

	// RoleVector0 is vector unit 0, driven from the primary CPU.
	RoleVector0 Role = "vu0"

	// RoleVector1 is vector unit 1, which runs on its own worker thread.
	RoleVector1 Role = "vu1"
)

var allRoles = []Role{RolePrimary, RoleCoprocA, RoleCoprocB, RoleVector0, RoleVector1}

// AllRoles returns every role in fixed attempt order.
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown execution unit role %q", s)
	}
	return r, nil
}

// UnitState is the configured state of a role.
type UnitState string

const (
	// UnitEnabled means the role should run on its preferred provider.
	UnitEnabled UnitState = "enabled"

	// UnitDisabled means the preferred provider is not requested and the role
	// runs on its baseline interpreter.
	UnitDisabled UnitState = "disabled"
)

// ExecutionConfig maps each role to its configured state. Roles that are
// missing from the map are disabled.
type ExecutionConfig map[Role]UnitState

// DefaultExecutionConfig returns a config with every role enabled.
func DefaultExecutionConfig() ExecutionConfig {
	cfg := make(ExecutionConfig, len(allRoles))
	for _, r := range allRoles {
		cfg[r] = UnitEnabled
	}
	return cfg
}

// Enabled reports whether role r is enabled.
func (c ExecutionConfig) Enabled(r Role) bool {
	return c[r] == UnitEnabled
}

// Clone returns an independent copy of the config.
func (c ExecutionConfig) Clone() ExecutionConfig {
	out := make(ExecutionConfig, len(c))
	for r, s := range c {
		out[r] = s
	}
	return out
}

// With returns a copy of the config with role r set to state.
func (c ExecutionConfig) With(r Role, state UnitState) ExecutionConfig {
	out := c.Clone()
	out[r] = state
	return out
}

// EnabledRoles returns the enabled roles in attempt order.
func (c ExecutionConfig) EnabledRoles() []Role {
	var out []Role
	for _, r := range allRoles {
		if c.Enabled(r) {
			out = append(out, r)
		}
	}
	return out
}

// Equal reports whether both configs enable the same set of roles.
func (c ExecutionConfig) Equal(other ExecutionConfig) bool {
	for _, r := range allRoles {
		if c.Enabled(r) != other.Enabled(r) {
			return false
		}
	}
	return true
}

// String renders the config in a stable order for logs.
func (c ExecutionConfig) String() string {
	keys := make([]string, 0, len(c))
	for r := range c {
		keys = append(keys, string(r))
	}
	sort.Strings(keys)
	s := "{"
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += k + ":" + string(c[Role(k)])
	}
	return s + "}"
}

// OutcomeStatus describes the result of a provider initialization attempt.
type OutcomeStatus string

const (
	// OutcomeNotAttempted means the role was not requested.
	OutcomeNotAttempted OutcomeStatus = "not_attempted"

	// OutcomeSucceeded means the provider initialized.
	OutcomeSucceeded OutcomeStatus = "succeeded"

	// OutcomeFailed means the provider failed to initialize.
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome is the immutable result of bringing up the provider for one role.
type Outcome struct {
	// Role is the execution unit role.
	Role Role `json:"role"`

	// Status is the attempt result.
	Status OutcomeStatus `json:"status"`

	// Provider is the name of the provider that was attempted.
	Provider string `json:"provider,omitempty"`

	// Err is the captured failure cause, set only when Status is OutcomeFailed.
	Err error `json:"-"`
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool {
	return o.Status == OutcomeFailed
}

// Succeeded reports whether the provider initialized.
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded
}

// Outcomes maps roles to their initialization outcome.
type Outcomes map[Role]Outcome

// Failure returns the captured cause for role r, or nil if the role
// succeeded or was never attempted.
func (o Outcomes) Failure(r Role) error {
	out, ok := o[r]
	if !ok || !out.Failed() {
		return nil
	}
	return out.Err
}
