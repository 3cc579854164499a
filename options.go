package nnfx

// ContextOption configures a Context during creation.
// Use functional options to customize Context behavior.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	ctx, err := nnfx.NewContext(cfg, nnfx.WithMetrics(nnfx.NewMetrics(reg)))
type ContextOption func(*contextOptions)

// contextOptions holds optional configuration for Context creation.
type contextOptions struct {
	metrics *Metrics
	engine  Engine
}

// defaultOptions returns the default context options.
func defaultOptions() contextOptions {
	return contextOptions{
		metrics: nil, // No metrics are recorded
		engine:  nil, // Will be set to the built-in WGSL engine if nil
	}
}

// WithMetrics records runner metrics into m.
func WithMetrics(m *Metrics) ContextOption {
	return func(o *contextOptions) {
		o.metrics = m
	}
}

// WithEngine replaces the built-in WGSL engine. The engine must execute on
// the Context's device queue.
func WithEngine(e Engine) ContextOption {
	return func(o *contextOptions) {
		o.engine = e
	}
}
