package nnfx

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// TestDefaultOptions tests that a Context records no metrics and uses the
// built-in engine by default.
func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.metrics != nil {
		t.Error("default metrics should be nil")
	}
	if o.engine != nil {
		t.Error("default engine should be nil")
	}
}

// TestNewContextWithEngine tests dependency injection of a custom engine.
func TestNewContextWithEngine(t *testing.T) {
	mock := &mockEngine{}
	c := newNoopContext(t, Config{Model: "single.yaml", Width: 16, Height: 16}, WithEngine(mock))

	if err := c.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if len(mock.sessions) != 1 {
		t.Fatalf("custom engine opened %d sessions, want 1", len(mock.sessions))
	}
	if err := c.Manager().Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	s := mock.last()
	if s.runs != 2 || s.discover != 1 {
		t.Errorf("session runs = %d (discover %d), want 2 (1)", s.runs, s.discover)
	}
	if s.lastOutput != c.Manager().OutputBuffer() {
		t.Error("session did not write the pinned output buffer")
	}
}

// TestNewContextWithMetrics tests that runner activity reaches the
// configured metrics.
func TestNewContextWithMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newNoopContext(t, Config{Model: "single.yaml", Width: 16, Height: 16},
		WithEngine(&mockEngine{}), WithMetrics(NewMetrics(reg)))

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Manager().Run(); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "nnfx_runner_discoveries_total" {
			found = true
		}
	}
	if !found {
		t.Error("discoveries counter was not recorded")
	}
}

// TestMultipleOptions tests that options apply in order.
func TestMultipleOptions(t *testing.T) {
	first, second := &mockEngine{}, &mockEngine{}
	o := defaultOptions()
	for _, opt := range []ContextOption{WithEngine(first), WithEngine(second)} {
		opt(&o)
	}
	if o.engine != second {
		t.Error("the last WithEngine should win")
	}
}
