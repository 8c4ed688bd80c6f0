package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RequestsTotal.WithLabelValues("tools/call").Inc()
	m.RequestsTotal.WithLabelValues("tools/call").Inc()
	m.ErrorsTotal.WithLabelValues("-32601").Inc()
	m.RateLimitedTotal.Inc()
	m.SessionsActive.Set(3)
	m.TasksRunning.Set(2)
	m.PoolSize.Set(5)
	m.RequestDuration.WithLabelValues("tools/call").Observe(0.02)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("tools/call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("-32601")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksRunning))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.PoolSize))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.RequestsTotal.WithLabelValues("ping").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RequestsTotal.WithLabelValues("ping")))
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RequestsTotal.WithLabelValues("ping").Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	buf := make([]byte, 1<<16)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "relay_requests_total")
}
