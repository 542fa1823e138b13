package live

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "qalive"

// Each synchronizer gets its own registry, so that several can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	connectionState  prometheus.Gauge
	connects         prometheus.Counter
	disconnects      prometheus.Counter
	transportErrors  prometheus.Counter
	messages         prometheus.Counter
	decodeErrors     prometheus.Counter
	events           *prometheus.CounterVec
	snapshotFetches  *prometheus.CounterVec
	collectionLength prometheus.Gauge
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Push channel state: 0 disconnected, 1 connecting, 2 connected, 3 closed.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connects_total",
			Help:      "Push channel connections established.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Push channel losses and failed attempts, each followed by a reconnect.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_errors_total",
			Help:      "Push channel transport errors.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Text messages received on the push channel.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Push messages dropped because they could not be decoded.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Decoded change events by kind.",
		}, []string{"kind"}),
		snapshotFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_fetches_total",
			Help:      "Snapshot fetches by result.",
		}, []string{"result"}),
		collectionLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "collection_length",
			Help:      "Questions in the published collection.",
		}),
	}
	metrics.registry.MustRegister(
		metrics.connectionState,
		metrics.connects,
		metrics.disconnects,
		metrics.transportErrors,
		metrics.messages,
		metrics.decodeErrors,
		metrics.events,
		metrics.snapshotFetches,
		metrics.collectionLength,
	)
	return metrics
}

func (self *Metrics) Registry() *prometheus.Registry {
	return self.registry
}

func (self *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.registry, promhttp.HandlerOpts{})
}

func (self *Metrics) connectionStateChanged(state ConnectionState) {
	self.connectionState.Set(float64(state))
}

func (self *Metrics) connected() {
	self.connects.Inc()
}

func (self *Metrics) disconnected() {
	self.disconnects.Inc()
}

func (self *Metrics) transportError() {
	self.transportErrors.Inc()
}

func (self *Metrics) message() {
	self.messages.Inc()
}

func (self *Metrics) decodeError() {
	self.decodeErrors.Inc()
}

func (self *Metrics) event(kind ChangeKind) {
	self.events.WithLabelValues(kind.String()).Inc()
}

func (self *Metrics) snapshotFetch(err error) {
	if err != nil {
		self.snapshotFetches.WithLabelValues("error").Inc()
	} else {
		self.snapshotFetches.WithLabelValues("ok").Inc()
	}
}

func (self *Metrics) collection(questions []*Question) {
	self.collectionLength.Set(float64(len(questions)))
}
