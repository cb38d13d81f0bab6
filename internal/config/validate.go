package config

import (
	"fmt"
	"strings"

	"maestro/internal/errors"
)

// Validate checks cfg together with the built-in roles it will be merged
// with. Problems are reported in sorted role order.
func Validate(cfg Config) error {
	reg, err := cfg.Registry()
	if err != nil {
		return errors.Config("loading agents", err)
	}

	var problems []string
	for _, key := range reg.Names() {
		def, _ := reg.Get(key)
		if strings.TrimSpace(def.Prompt) == "" {
			problems = append(problems, fmt.Sprintf("agent %q has an empty prompt", key))
		}
		if key != cfg.Arbiter.Role && strings.TrimSpace(def.WhenToUse) == "" {
			problems = append(problems, fmt.Sprintf("agent %q has an empty when_to_use", key))
		}
	}
	if strings.TrimSpace(cfg.Arbiter.Role) == "" {
		problems = append(problems, "arbiter.role must be set")
	} else if !reg.Contains(cfg.Arbiter.Role) {
		problems = append(problems, fmt.Sprintf("arbiter role %q is not defined", cfg.Arbiter.Role))
	}
	if cfg.Arbiter.MaxIterations < 1 {
		problems = append(problems, "arbiter.max_iterations must be at least 1")
	}
	if cfg.Driver.MaxFailures < 1 {
		problems = append(problems, "driver.max_failures must be at least 1")
	}
	if cfg.Driver.IdleTimeout <= 0 {
		problems = append(problems, "driver.idle_timeout must be positive")
	}
	if cfg.State.MaxTasks < 1 {
		problems = append(problems, "state.max_tasks must be at least 1")
	}

	if len(problems) > 0 {
		return errors.Configf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
