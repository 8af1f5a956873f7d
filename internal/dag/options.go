package dag

import (
	"log/slog"

	"github.com/born-ml/deltagraph/internal/parallel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/born-ml/deltagraph/dag"

// Options configures a Network.
type Options struct {
	Name     string          // Layer name of the network.
	Parallel parallel.Config // Resolution of sibling inputs.
	Logger   *slog.Logger    // Evaluation failures.
	Tracer   trace.Tracer    // One span per node evaluation.
}

// DefaultOptions returns sequential resolution with the default logger and
// the global tracer provider.
func DefaultOptions() Options {
	return Options{
		Name:     "dag",
		Parallel: parallel.Sequential(),
		Logger:   slog.Default(),
		Tracer:   otel.Tracer(tracerName),
	}
}

// Option configures a Network.
type Option func(*Options)

// WithName sets the network's layer name.
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithParallel resolves the inputs of a node concurrently.
func WithParallel(cfg parallel.Config) Option {
	return func(o *Options) {
		o.Parallel = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithTracer sets the tracer used for node spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Options) {
		if t != nil {
			o.Tracer = t
		}
	}
}
