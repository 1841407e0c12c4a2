package config

import (
	"fmt"
	"strings"
)

var dbBackends = map[string]struct{}{"leveldb": {}, "bolt": {}, "memory": {}}

// Validate checks the settings that do not depend on engine parameters.
// Engine-level checks run when the params are built.
func (c *Config) Validate() error {
	if _, ok := dbBackends[strings.ToLower(c.DBBackend)]; !ok {
		return fmt.Errorf("config: unknown DBBackend %q", c.DBBackend)
	}
	if c.DBBackend != "memory" && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required for %s backend", c.DBBackend)
	}
	if _, err := c.BitcoinNetwork(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("config: log rotation limits must be non-negative")
	}
	t := c.Trustees
	if t.Hot != "" || t.Cold != "" || len(t.Members) > 0 {
		if t.Hot == "" || t.Cold == "" || len(t.Members) == 0 {
			return fmt.Errorf("config: Trustees needs Hot, Cold and Members together")
		}
		if t.Threshold == 0 || int(t.Threshold) > len(t.Members) {
			return fmt.Errorf("config: Trustees.Threshold %d out of range", t.Threshold)
		}
	}
	return nil
}
