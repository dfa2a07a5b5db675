package modhub

import (
	"go.opentelemetry.io/otel/trace"
)

// Option configures a GlobalModuleContext.
type Option func(*GlobalModuleContext) error

// WithLogger sets the logger used by the context and the runners it creates.
func WithLogger(logger Logger) Option {
	return func(g *GlobalModuleContext) error {
		if logger == nil {
			return ErrLoggerNotSet
		}
		g.logger = logger
		return nil
	}
}

// WithConfig replaces the default runtime configuration. Defaults are applied
// to zero fields and the result is validated.
func WithConfig(cfg *Config) Option {
	return func(g *GlobalModuleContext) error {
		if cfg == nil {
			return ErrConfigNil
		}
		copied := *cfg
		if err := ValidateConfig(&copied); err != nil {
			return err
		}
		g.cfg = &copied
		return nil
	}
}

// WithTracerProvider sets the provider dispatch spans are created from.
// Without it the global otel provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *GlobalModuleContext) error {
		if tp != nil {
			g.tracerProvider = tp
		}
		return nil
	}
}

// WithObserver registers an observer before the first notification is sent.
func WithObserver(observer Observer, eventTypes ...string) Option {
	return func(g *GlobalModuleContext) error {
		if observer == nil {
			return ErrNilObserver
		}
		g.pendingObservers = append(g.pendingObservers, pendingObserver{observer: observer, eventTypes: eventTypes})
		return nil
	}
}

type pendingObserver struct {
	observer   Observer
	eventTypes []string
}
