package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Singert/webserv/core/utils"
)

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	a := m.ForServer("a")
	b := m.ForServer("b")

	a.Accepted()
	a.Accepted()
	b.Accepted()
	a.AcceptFailed()
	a.Reaped(1)
	a.Response(utils.StatusOK)
	a.Response(utils.StatusOK)
	a.Response(utils.StatusNotFound)
	b.CGI("error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsAccepted.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openConnections.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openConnections.WithLabelValues("b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acceptErrors.WithLabelValues("a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.responses.WithLabelValues("a", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("a", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cgiRuns.WithLabelValues("b", "error")))

	n, err := testutil.GatherAndCount(reg, "webserv_responses_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNilServerIsNoop(t *testing.T) {
	var m *Metrics
	s := m.ForServer("x")
	assert.Nil(t, s)
	assert.NotPanics(t, func() {
		s.Accepted()
		s.AcceptFailed()
		s.Reaped(3)
		s.Response(utils.StatusOK)
		s.CGI("ok")
	})
}
