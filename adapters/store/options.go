package store

import "time"

// Option configures a store
type Option func(*options)

type options struct {
	now    func() time.Time
	prefix string
}

func newOptions(defaultPrefix string, opts []Option) options {
	o := options{now: time.Now, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPrefix sets the key namespace for stores that share a keyspace
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}
