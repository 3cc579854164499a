package nnfx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetricsRecordsRunnerActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t)
	deps := f.deps()
	deps.Metrics = NewMetrics(reg)

	r, err := NewRunner(TopologyTemporal, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Init(topologyModels[TopologyTemporal]); err != nil {
		t.Fatal(err)
	}
	if err := r.PrepareIO(IOSize{Width: 32, Height: 32}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := r.Run(); err != nil {
			t.Fatalf("Run() #%d = %v", i+1, err)
		}
	}
	if err := r.ResizeIO(IOSize{Width: 64, Height: 64}); err != nil {
		t.Fatal(err)
	}

	f.engine.last().runErr = errMockEngine
	if err := r.Run(); err == nil {
		t.Fatal("Run() succeeded with a failing engine")
	}

	body := scrape(t, reg)
	for _, want := range []string{
		`nnfx_runner_discoveries_total{topology="temporal"} 1`,
		`nnfx_runner_runs_total{result="ok",topology="temporal"} 3`,
		`nnfx_runner_runs_total{result="engine_error",topology="temporal"} 1`,
		`nnfx_runner_resizes_total{topology="temporal"} 1`,
		`nnfx_runner_run_duration_seconds_count{topology="temporal"} 4`,
		`nnfx_runner_buffers{topology="temporal"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsBufferGaugeAfterShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t)
	deps := f.deps()
	deps.Metrics = NewMetrics(reg)

	r, err := NewRunner(TopologySingle, deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Init(topologyModels[TopologySingle]); err != nil {
		t.Fatal(err)
	}
	if err := r.PrepareIO(IOSize{Width: 8, Height: 8}); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(); err != nil {
		t.Fatal(err)
	}
	if body := scrape(t, reg); !strings.Contains(body, `nnfx_runner_buffer_bytes{topology="single"} 1536`) {
		t.Errorf("buffer bytes not reported after run:\n%s", body)
	}
	if err := r.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if body := scrape(t, reg); !strings.Contains(body, `nnfx_runner_buffers{topology="single"} 0`) {
		t.Errorf("buffers gauge not cleared after shutdown:\n%s", body)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.observeDiscovery(TopologySingle)
	m.observeRun(TopologySingle, resultOK, 0)
	m.observeResize(TopologySingle)
	m.setBuffers(TopologySingle, 2, 64)
}
