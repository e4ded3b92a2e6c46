package providers

import "github.com/emuhost/emuhost/pkg/engine"

// ApplyFallback returns a copy of cfg in which every enabled role whose
// provider failed is disabled. All other roles keep their state. cfg is never
// modified, and applying the result again yields the same config.
func ApplyFallback(outcomes engine.Outcomes, cfg engine.ExecutionConfig) engine.ExecutionConfig {
	out := cfg.Clone()
	for _, role := range engine.AllRoles() {
		if cfg.Enabled(role) && outcomes[role].Failed() {
			out[role] = engine.UnitDisabled
		}
	}
	return out
}

// Downgraded lists the roles enabled in before and disabled in after, in
// attempt order.
func Downgraded(before, after engine.ExecutionConfig) []engine.Role {
	var roles []engine.Role
	for _, role := range engine.AllRoles() {
		if before.Enabled(role) && !after.Enabled(role) {
			roles = append(roles, role)
		}
	}
	return roles
}
