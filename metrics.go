package amqp

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqp",
			Subsystem: "frames",
			Name:      "total",
			Help:      "Frames sent and received, by performative.",
		},
		[]string{"direction", "type"},
	)
	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqp",
			Subsystem: "transfer",
			Name:      "frames_total",
			Help:      "Transfer frames, by direction.",
		},
		[]string{"direction"},
	)
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "amqp",
			Subsystem: "delivery",
			Name:      "total",
			Help:      "Completed deliveries, by direction and frame count bucket.",
		},
		[]string{"direction", "multi_frame"},
	)
	deliverySize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "amqp",
			Subsystem: "delivery",
			Name:      "size_bytes",
			Help:      "Encoded message size of completed deliveries.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"direction"},
	)
	creditStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "amqp",
			Subsystem: "link",
			Name:      "credit_stalls_total",
			Help:      "Sends parked because the link had no credit.",
		},
	)
	handshakes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "amqp",
			Subsystem: "connection",
			Name:      "handshake_duration_seconds",
			Help:      "Handshake duration in seconds, by role and result.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "success"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "amqp",
			Subsystem: "connection",
			Name:      "active",
			Help:      "Connections that completed the handshake and are not yet closed.",
		},
	)
)

// RegisterMetrics registers the engine's collectors with reg, or with the
// default Prometheus registry when reg is nil. Nothing is registered
// until the application calls it; only the first call has any effect.
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	registerOnce.Do(func() {
		for _, c := range []prometheus.Collector{framesTotal, transfersTotal, deliveriesTotal,
			deliverySize, creditStalls, handshakes, activeConnections} {
			if err = reg.Register(c); err != nil {
				err = errorWrapf(err, "registering metrics")
				return
			}
		}
	})
	return err
}

func recordFrame(direction string, body frameBody) {
	framesTotal.WithLabelValues(direction, frameTypeName(body)).Inc()
	if _, ok := body.(*performTransfer); ok {
		transfersTotal.WithLabelValues(direction).Inc()
	}
}

func recordDelivery(direction string, frames int, size int) {
	deliveriesTotal.WithLabelValues(direction, strconv.FormatBool(frames > 1)).Inc()
	deliverySize.WithLabelValues(direction).Observe(float64(size))
}

func recordCreditStall() {
	creditStalls.Inc()
}

func recordHandshake(server bool, d time.Duration, err error) {
	role := "client"
	if server {
		role = "server"
	}
	handshakes.WithLabelValues(role, strconv.FormatBool(err == nil)).Observe(d.Seconds())
	if err == nil {
		activeConnections.Inc()
	}
}

func recordConnClosed() {
	activeConnections.Dec()
}

func frameTypeName(body frameBody) string {
	switch body.(type) {
	case nil:
		return "empty"
	case *performOpen:
		return "open"
	case *performBegin:
		return "begin"
	case *performAttach:
		return "attach"
	case *performFlow:
		return "flow"
	case *performTransfer:
		return "transfer"
	case *performDisposition:
		return "disposition"
	case *performDetach:
		return "detach"
	case *performEnd:
		return "end"
	case *performClose:
		return "close"
	case *saslMechanisms, *saslInit, *saslChallenge, *saslResponse, *saslOutcome:
		return "sasl"
	default:
		return "unknown"
	}
}
