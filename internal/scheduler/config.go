// Package scheduler executes a DAG of per-object tasks on a bounded worker pool.
package scheduler

// Config defines the scheduler configuration.
type Config struct {
	// Workers is the maximum number of concurrent tasks across all kinds.
	Workers int `yaml:"workers"`
	// ByKind caps concurrency per node kind ("run", "version", ...).
	ByKind map[string]int `yaml:"by_kind"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers: 8,
	}
}

// KindLimit returns the concurrency limit for a node kind. Kinds without an
// explicit limit may use every worker.
func (c *Config) KindLimit(kind string) int {
	if limit, ok := c.ByKind[kind]; ok && limit > 0 && limit < c.Workers {
		return limit
	}
	return c.Workers
}
