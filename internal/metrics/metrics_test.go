package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, p *PrometheusCollector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestPrometheusCollectorCounts(t *testing.T) {
	p := NewPrometheusCollector()

	p.ObserveCommand("bench-a", "start_pump", nil, 10*time.Millisecond)
	p.ObserveCommand("bench-a", "start_pump", fmt.Errorf("wrap: %w", types.ErrUnknownDevice), time.Millisecond)
	p.IncSnapshot("bench-a", false)
	p.IncSnapshot("bench-a", true)
	p.IncSnapshot("bench-a", true)
	p.IncMessageDropped("bench-a", "live")
	p.SetDeviceState("bench-a", "p1", true, false)
	p.IncProtocolRun("bench-a", "completed")

	body := scrape(t, p)
	assert.Contains(t, body, `benchcore_commands_total{bench="bench-a",command="start_pump",result="ok"} 1`)
	assert.Contains(t, body, `benchcore_commands_total{bench="bench-a",command="start_pump",result="UNKNOWN_DEVICE"} 1`)
	assert.Contains(t, body, `benchcore_snapshots_total{bench="bench-a",kind="durable"} 2`)
	assert.Contains(t, body, `benchcore_messages_dropped_total{bench="bench-a",kind="live"} 1`)
	assert.Contains(t, body, `benchcore_device_connected{bench="bench-a",device="p1"} 1`)
	assert.Contains(t, body, `benchcore_device_running{bench="bench-a",device="p1"} 0`)
	assert.Contains(t, body, `benchcore_protocol_runs_total{bench="bench-a",outcome="completed"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestNoopCollector(t *testing.T) {
	c := Noop()
	c.ObserveCommand("b", "stop_pump", nil, 0)
	c.IncProtocolStepError("b")
}
