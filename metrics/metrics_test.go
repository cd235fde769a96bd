package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ubee/zigbee"
	"ubee/zigbee/aps"
	"ubee/zigbee/nwk"
)

var _ zigbee.Metrics = (*Collector)(nil)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.StateChanged(nwk.StateScanning)
	c.StateChanged(nwk.StateJoined)
	c.ScanCompleted(3)
	c.JoinRequest(true)
	c.JoinRequest(false)
	c.JoinRequest(true)
	c.FragmentSent(false)
	c.FragmentSent(true)
	c.Confirmed(aps.ConfirmSuccess)
	c.Confirmed(aps.ConfirmNoAck)
	c.Indicated(aps.IndicationDefragDeferred)
	c.Reassemblies(2)
	c.IndicationDropped()

	assert.Equal(t, float64(nwk.StateJoined), testutil.ToFloat64(c.State))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StateChanges.WithLabelValues("joined")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Scans))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ScanNetworks))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.JoinRequests.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.JoinRequests.WithLabelValues("refused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Fragments.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Confirms.WithLabelValues("NO_ACK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Indications.WithLabelValues("DEFRAG_DEFERRED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Reassembly))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IndicationLost))
}

func TestCollectorReregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewCollector(reg)
	require.NoError(t, err)
	b, err := NewCollector(reg)
	require.NoError(t, err)

	a.IndicationDropped()
	b.IndicationDropped()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.IndicationLost))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.Confirmed(aps.ConfirmSuccess)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `ubee_aps_confirms_total{status="SUCCESS"} 1`))
}
