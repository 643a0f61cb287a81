package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestManagersUseIndependentRegistries(t *testing.T) {
	first := NewManager()
	second := NewManager()

	first.GetPrometheusMetrics().RecordPendingInsert("registration", "stored")
	first.GetPrometheusMetrics().RecordPendingInsert("registration", "duplicate")
	second.GetPrometheusMetrics().RecordPendingInsert("registration", "stored")

	assert.Equal(t, 1.0, value(t, first.GetPrometheusMetrics().PendingInsertsTotal.WithLabelValues("registration", "duplicate")))
	assert.Equal(t, 0.0, value(t, second.GetPrometheusMetrics().PendingInsertsTotal.WithLabelValues("registration", "duplicate")))
}

func TestNilRecordersAreNoops(t *testing.T) {
	var m *Manager
	pm := m.GetPrometheusMetrics()

	assert.NotPanics(t, func() {
		pm.RecordEventDispatched("registry", "RegistrationRequested", "success")
		pm.RecordChainWrite("setDomainOwner", "success", time.Second)
		pm.UpdateSessionActive(true)
	})
}

func TestDispatchFailureCountsHandlerFailure(t *testing.T) {
	pm := NewManager().GetPrometheusMetrics()
	pm.RecordEventDispatched("nft_minter", "DomainMinted", "error")
	pm.RecordEventDispatched("nft_minter", "DomainMinted", "success")

	assert.Equal(t, 1.0, value(t, pm.HandlerFailuresTotal.WithLabelValues("nft_minter", "DomainMinted")))
}

func TestSupervisorStateIsExclusive(t *testing.T) {
	pm := NewManager().GetPrometheusMetrics()
	all := []string{"connecting", "running"}
	pm.UpdateSupervisorState("running", all)

	assert.Equal(t, 1.0, value(t, pm.SupervisorState.WithLabelValues("running")))
	assert.Equal(t, 0.0, value(t, pm.SupervisorState.WithLabelValues("connecting")))
}
