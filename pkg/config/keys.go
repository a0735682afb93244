package config

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

type accessor struct {
	get func(*Config) string
	set func(*Config, string) error
}

func durationKey(field func(*Config) *time.Duration) accessor {
	return accessor{
		get: func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration %q", v)
			}
			*field(c) = d
			return nil
		},
	}
}

func intKey(field func(*Config) *int) accessor {
	return accessor{
		get: func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer %q", v)
			}
			*field(c) = n
			return nil
		},
	}
}

func stringKey(field func(*Config) *string) accessor {
	return accessor{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

var keys = map[string]accessor{
	"lock.timeout":                 durationKey(func(c *Config) *time.Duration { return &c.Lock.Timeout }),
	"lock.wait_timeout":            durationKey(func(c *Config) *time.Duration { return &c.Lock.WaitTimeout }),
	"lock.poll_interval":           durationKey(func(c *Config) *time.Duration { return &c.Lock.PollInterval }),
	"snapshots.retention_limit":    intKey(func(c *Config) *int { return &c.Snapshots.RetentionLimit }),
	"commands.timeout":             durationKey(func(c *Config) *time.Duration { return &c.Commands.Timeout }),
	"server.addr":                  stringKey(func(c *Config) *string { return &c.Server.Addr }),
	"server.rate_limit_per_minute": intKey(func(c *Config) *int { return &c.Server.RateLimitPerMinute }),
	"server.rate_limit_burst":      intKey(func(c *Config) *int { return &c.Server.RateLimitBurst }),
	"logging.level":                stringKey(func(c *Config) *string { return &c.Logging.Level }),
	"logging.format":               stringKey(func(c *Config) *string { return &c.Logging.Format }),
}

// Keys returns every settable key in dotted form, sorted.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Get returns the value of a dotted key such as "lock.timeout".
func (c *Config) Get(key string) (string, error) {
	a, ok := keys[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	return a.get(c), nil
}

// Set parses value into a dotted key and validates the result. On error c
// is left unchanged.
func (c *Config) Set(key, value string) error {
	a, ok := keys[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	next := *c
	if err := a.set(&next, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
