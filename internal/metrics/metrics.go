// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the resolver, reply dispatch and
// the HTTP layer. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Webhooks     *prometheus.CounterVec
	Created      *prometheus.CounterVec
	Compensated  *prometheus.CounterVec
	Races        *prometheus.CounterVec
	Replies      *prometheus.CounterVec
	TokenRefresh *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integrations",
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by channel and outcome.",
		}, []string{"channel", "outcome"}),
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integrations",
			Name:      "entities_created_total",
			Help:      "Local entities created and registered with the main API.",
		}, []string{"entity"}),
		Compensated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integrations",
			Name:      "compensating_deletes_total",
			Help:      "Local entities deleted after main API registration failed.",
		}, []string{"entity"}),
		Races: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integrations",
			Name:      "duplicate_races_total",
			Help:      "Concurrent creations lost to another writer.",
		}, []string{"entity"}),
		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integrations",
			Name:      "replies_total",
			Help:      "Outbound replies by channel and outcome.",
		}, []string{"channel", "outcome"}),
		TokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integrations",
			Name:      "token_refresh_total",
			Help:      "Credential refresh attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Webhooks, m.Created, m.Compensated, m.Races, m.Replies, m.TokenRefresh)
	}
	return m
}

// Inc increments vec with labels when m is non-nil.
func (m *Metrics) Inc(vec func(*Metrics) *prometheus.CounterVec, labels ...string) {
	if m == nil {
		return
	}
	vec(m).WithLabelValues(labels...).Inc()
}

// Selectors for Inc.
func Webhooks(m *Metrics) *prometheus.CounterVec     { return m.Webhooks }
func Created(m *Metrics) *prometheus.CounterVec      { return m.Created }
func Compensated(m *Metrics) *prometheus.CounterVec  { return m.Compensated }
func Races(m *Metrics) *prometheus.CounterVec        { return m.Races }
func Replies(m *Metrics) *prometheus.CounterVec      { return m.Replies }
func TokenRefresh(m *Metrics) *prometheus.CounterVec { return m.TokenRefresh }
