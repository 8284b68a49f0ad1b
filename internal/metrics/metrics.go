// Package metrics exposes prometheus collectors for the key directory.
// Counters are keyed by logical operation, never by principal, so the
// metrics endpoint leaks no per-user information.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Directory struct {
	registry *prometheus.Registry

	Requests          *prometheus.CounterVec
	RotationCleanups  prometheus.Counter
	KeysCleanedUp     prometheus.Counter
	ConversationKeys  prometheus.Counter
	RejectedShares    prometheus.Counter
	UnauthorizedCalls prometheus.Counter
}

func NewDirectory() *Directory {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Directory{
		registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keydir_requests_total",
			Help: "Directory operations by name and outcome.",
		}, []string{"op", "outcome"}),
		RotationCleanups: factory.NewCounter(prometheus.CounterOpts{
			Name: "keydir_rotation_cleanups_total",
			Help: "Identity rotations that triggered conversation-key cleanup.",
		}),
		KeysCleanedUp: factory.NewCounter(prometheus.CounterOpts{
			Name: "keydir_conversation_keys_cleaned_total",
			Help: "Wrapped conversation-key records deleted by rotation cleanup.",
		}),
		ConversationKeys: factory.NewCounter(prometheus.CounterOpts{
			Name: "keydir_conversation_keys_stored_total",
			Help: "Wrapped conversation-key records upserted.",
		}),
		RejectedShares: factory.NewCounter(prometheus.CounterOpts{
			Name: "keydir_share_conflicts_total",
			Help: "Key shares rejected by the first-sender claim.",
		}),
		UnauthorizedCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "keydir_unauthorized_total",
			Help: "Operations rejected by access control.",
		}),
	}
}

// Handler serves the registry in prometheus exposition format.
func (d *Directory) Handler() http.Handler {
	return promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})
}

// Observe records one operation outcome; nil-safe so wiring metrics stays
// optional in tests.
func (d *Directory) Observe(op, outcome string) {
	if d == nil {
		return
	}
	d.Requests.WithLabelValues(op, outcome).Inc()
}

// RotationCleanup records one rotation sweep and the records it removed.
func (d *Directory) RotationCleanup(removed int) {
	if d == nil {
		return
	}
	d.RotationCleanups.Inc()
	d.KeysCleanedUp.Add(float64(removed))
}

func (d *Directory) ConversationKeyStored() {
	if d == nil {
		return
	}
	d.ConversationKeys.Inc()
}

func (d *Directory) RejectedShareInc() {
	if d == nil {
		return
	}
	d.RejectedShares.Inc()
}

func (d *Directory) UnauthorizedInc() {
	if d == nil {
		return
	}
	d.UnauthorizedCalls.Inc()
}
