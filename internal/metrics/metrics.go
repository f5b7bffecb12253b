// Package metrics exposes controller state to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/node"
)

const namespace = "lorawan_node"

// StatusSource is what the collector reads on every scrape
type StatusSource interface {
	Status() node.Status
}

// Collector turns a controller status snapshot into metrics, so one
// scrape always reports a consistent view.
type Collector struct {
	src StatusSource

	messagesSent      *prometheus.Desc
	confirmedAttempts *prometheus.Desc
	confirmedAcks     *prometheus.Desc
	deliveryRatio     *prometheus.Desc
	joined            *prometheus.Desc
	cycleState        *prometheus.Desc
	linkMargin        *prometheus.Desc
	linkGateways      *prometheus.Desc
	lastUplink        *prometheus.Desc
	lastLinkCheck     *prometheus.Desc
	interval          *prometheus.Desc
}

// NewCollector creates a collector over src
func NewCollector(src StatusSource, devEUI string) *Collector {
	labels := prometheus.Labels{"dev_eui": devEUI}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}

	return &Collector{
		src:               src,
		messagesSent:      desc("messages_sent_total", "Uplink cycles started."),
		confirmedAttempts: desc("confirmed_attempts_total", "Confirmed uplinks accepted by the stack."),
		confirmedAcks:     desc("confirmed_acks_total", "Confirmed uplinks acknowledged by the network."),
		deliveryRatio:     desc("delivery_ratio_percent", "Acknowledged share of confirmed attempts."),
		joined:            desc("joined", "1 when the device has joined the network."),
		cycleState:        desc("cycle_state", "1 for the current uplink cycle state.", "state"),
		linkMargin:        desc("link_margin_db", "Demodulation margin of the last answered link check."),
		linkGateways:      desc("link_gateways", "Gateways that heard the last answered link check."),
		lastUplink:        desc("last_uplink_timestamp_seconds", "Start of the last uplink cycle."),
		lastLinkCheck:     desc("last_link_check_timestamp_seconds", "Time of the last link check request."),
		interval:          desc("uplink_interval_seconds", "Configured uplink period."),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesSent
	ch <- c.confirmedAttempts
	ch <- c.confirmedAcks
	ch <- c.deliveryRatio
	ch <- c.joined
	ch <- c.cycleState
	ch <- c.linkMargin
	ch <- c.linkGateways
	ch <- c.lastUplink
	ch <- c.lastLinkCheck
	ch <- c.interval
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()

	ch <- prometheus.MustNewConstMetric(c.messagesSent, prometheus.CounterValue, float64(st.Counters.MessagesSent))
	ch <- prometheus.MustNewConstMetric(c.confirmedAttempts, prometheus.CounterValue, float64(st.Counters.ConfirmedAttempts))
	ch <- prometheus.MustNewConstMetric(c.confirmedAcks, prometheus.CounterValue, float64(st.Counters.ConfirmedAcks))
	ch <- prometheus.MustNewConstMetric(c.deliveryRatio, prometheus.GaugeValue, st.DeliveryRatio)
	ch <- prometheus.MustNewConstMetric(c.joined, prometheus.GaugeValue, boolValue(st.JoinState == node.Joined))

	for _, s := range []node.CycleState{node.Idle, node.Sending, node.AwaitingAck, node.Settling, node.Draining} {
		ch <- prometheus.MustNewConstMetric(c.cycleState, prometheus.GaugeValue, boolValue(st.CycleState == s), s.String())
	}

	if st.Link.Valid {
		ch <- prometheus.MustNewConstMetric(c.linkMargin, prometheus.GaugeValue, float64(st.Link.DemodMargin))
		ch <- prometheus.MustNewConstMetric(c.linkGateways, prometheus.GaugeValue, float64(st.Link.GatewayCount))
	}
	if !st.Timers.LastUplinkTime.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastUplink, prometheus.GaugeValue, float64(st.Timers.LastUplinkTime.Unix()))
	}
	if !st.Timers.LastLinkCheckTime.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastLinkCheck, prometheus.GaugeValue, float64(st.Timers.LastLinkCheckTime.Unix()))
	}
	ch <- prometheus.MustNewConstMetric(c.interval, prometheus.GaugeValue, st.Interval.Seconds())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// EventCounter counts published events by type and code. It plugs into
// the reporting fan-out as a sink.
type EventCounter struct {
	events *prometheus.CounterVec
}

// NewEventCounter creates the counter; register it with Register.
func NewEventCounter() *EventCounter {
	return &EventCounter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events emitted by the controller.",
		}, []string{"type", "code"}),
	}
}

// Publish counts event
func (e *EventCounter) Publish(_ context.Context, event *models.EventLog) error {
	e.events.WithLabelValues(string(event.Type), string(event.Code)).Inc()
	return nil
}

// Close is a no-op
func (e *EventCounter) Close() error { return nil }

// Describe implements prometheus.Collector
func (e *EventCounter) Describe(ch chan<- *prometheus.Desc) { e.events.Describe(ch) }

// Collect implements prometheus.Collector
func (e *EventCounter) Collect(ch chan<- prometheus.Metric) { e.events.Collect(ch) }

// NewRegistry returns a registry with the controller collectors and the
// Go runtime and process collectors.
func NewRegistry(extra ...prometheus.Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range extra {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
