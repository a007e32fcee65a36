package mysql

import "github.com/velmie/saga"

const defaultTablePrefix = "saga_"

// Config defines MySQL store behavior.
type Config struct {
	// TablePrefix is prepended to every table name
	// (instances, steps, outbox, idempotency, leases).
	TablePrefix string
	Clock       saga.Clock
}

func (c Config) withDefaults() Config {
	if c.TablePrefix == "" {
		c.TablePrefix = defaultTablePrefix
	}
	if c.Clock == nil {
		c.Clock = saga.SystemClock{}
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTablePrefix sets the table name prefix. Use "schema.prefix_" for a
// non-default schema.
func WithTablePrefix(prefix string) Option {
	return func(c *Config) {
		c.TablePrefix = prefix
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock saga.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}
