package http

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	counter prometheus.Counter
}

func (f *fakeSource) Collectors() []prometheus.Collector {
	return []prometheus.Collector{f.counter}
}

func TestRegistryExposesRegisteredCollectors(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total_widgets", Help: "test"})
	counter.Add(3)
	registry.Register(&fakeSource{counter: counter})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total_widgets 3")
}

func TestRegistryIgnoresDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_dup_total", Help: "test"})
	src := &fakeSource{counter: counter}

	registry.Register(src)
	assert.NotPanics(t, func() { registry.Register(src) })
}

func TestHealthEndpointReportsOK(t *testing.T) {
	registry := NewRegistry()
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
