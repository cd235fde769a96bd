// Package metrics exports the stack's counters to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ubee/zigbee/aps"
	"ubee/zigbee/nwk"
)

// Collector implements zigbee.Metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	State          prometheus.Gauge
	StateChanges   *prometheus.CounterVec
	Scans          prometheus.Counter
	ScanNetworks   prometheus.Gauge
	JoinRequests   *prometheus.CounterVec
	Fragments      *prometheus.CounterVec
	Confirms       *prometheus.CounterVec
	Indications    *prometheus.CounterVec
	Reassembly     prometheus.Gauge
	IndicationLost prometheus.Counter
}

// NewCollector registers the stack metrics with reg, or with the default
// registry when reg is nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.State, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ubee_nwk_state",
		Help: "Current network state: 0 unjoined, 1 scanning, 2 forming, 3 joining, 4 joined, 5 leaving.",
	})); err != nil {
		return nil, err
	}
	if c.StateChanges, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ubee_nwk_state_changes_total",
		Help: "Network state transitions, labeled by the state entered.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if c.Scans, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ubee_nwk_scans_total",
		Help: "Completed network discoveries.",
	})); err != nil {
		return nil, err
	}
	if c.ScanNetworks, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ubee_nwk_scan_networks",
		Help: "Networks found by the last discovery.",
	})); err != nil {
		return nil, err
	}
	if c.JoinRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ubee_nwk_join_requests_total",
		Help: "Association requests from other devices, labeled by outcome.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if c.Fragments, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ubee_aps_frames_sent_total",
		Help: "APS frames handed to the MAC, labeled first or retry.",
	}, []string{"attempt"})); err != nil {
		return nil, err
	}
	if c.Confirms, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ubee_aps_confirms_total",
		Help: "APSDE-DATA.confirm primitives, labeled by status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if c.Indications, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ubee_aps_indications_total",
		Help: "APSDE-DATA.indication primitives, labeled by status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if c.Reassembly, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ubee_aps_reassemblies",
		Help: "Inbound fragmented transfers being reassembled.",
	})); err != nil {
		return nil, err
	}
	if c.IndicationLost, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ubee_indications_dropped_total",
		Help: "Indications dropped because the consumer fell behind.",
	})); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) StateChanged(s nwk.State) {
	c.State.Set(float64(s))
	c.StateChanges.WithLabelValues(s.String()).Inc()
}

func (c *Collector) ScanCompleted(networks int) {
	c.Scans.Inc()
	c.ScanNetworks.Set(float64(networks))
}

func (c *Collector) JoinRequest(accepted bool) {
	result := "refused"
	if accepted {
		result = "accepted"
	}
	c.JoinRequests.WithLabelValues(result).Inc()
}

func (c *Collector) FragmentSent(retry bool) {
	attempt := "first"
	if retry {
		attempt = "retry"
	}
	c.Fragments.WithLabelValues(attempt).Inc()
}

func (c *Collector) Confirmed(s aps.ConfirmStatus)    { c.Confirms.WithLabelValues(s.String()).Inc() }
func (c *Collector) Indicated(s aps.IndicationStatus) { c.Indications.WithLabelValues(s.String()).Inc() }
func (c *Collector) Reassemblies(active int)          { c.Reassembly.Set(float64(active)) }
func (c *Collector) IndicationDropped()               { c.IndicationLost.Inc() }

// Handler serves /metrics from the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// register hands back an already registered collector of the same name
// instead of failing.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("metrics: collector already registered with another type: %w", err)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
