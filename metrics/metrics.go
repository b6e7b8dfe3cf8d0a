package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "e2ee"

	LabelCategory = "category"
	LabelKind     = "kind"
	LabelResult   = "result"
	LabelFeed     = "feed"
)

// Collector records machine activity. A nil registerer yields working but unregistered collectors.
type Collector struct {
	processed     *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	acks          *prometheus.CounterVec
	sinkFailures  *prometheus.CounterVec
	importedKeys  prometheus.Counter
	backedUpKeys  prometheus.Counter
	sharedDevices prometheus.Counter
}

func NewCollector(r prometheus.Registerer) *Collector {
	factory := promauto.With(r)
	return &Collector{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "to_device_events_total",
			Help:      "the number of to-device events processed, by category",
		}, []string{LabelCategory}),

		pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "pending",
			Help:      "the number of outgoing requests awaiting acknowledgement, by kind",
		}, []string{LabelKind}),

		acks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "acknowledgements_total",
			Help:      "the number of request acknowledgements, by kind and result",
		}, []string{LabelKind, LabelResult}),

		sinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sink_failures_total",
			Help:      "the number of items a sink failed to handle, by feed",
		}, []string{LabelFeed}),

		importedKeys: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room_keys",
			Name:      "imported_total",
			Help:      "the number of room keys imported from exports, backups and bundles",
		}),

		backedUpKeys: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room_keys",
			Name:      "backed_up_total",
			Help:      "the number of room keys confirmed uploaded to backup",
		}),

		sharedDevices: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "room_keys",
			Name:      "shared_devices_total",
			Help:      "the number of devices a room key was sent to",
		}),
	}
}

func (c *Collector) ToDeviceProcessed(category string) {
	c.processed.With(prometheus.Labels{LabelCategory: category}).Inc()
}

func (c *Collector) PendingRequests(kind string, n int) {
	c.pending.With(prometheus.Labels{LabelKind: kind}).Set(float64(n))
}

func (c *Collector) Acknowledged(kind, result string) {
	c.acks.With(prometheus.Labels{LabelKind: kind, LabelResult: result}).Inc()
}

func (c *Collector) SinkFailed(feed string) {
	c.sinkFailures.With(prometheus.Labels{LabelFeed: feed}).Inc()
}

func (c *Collector) RoomKeysImported(n int) {
	c.importedKeys.Add(float64(n))
}

func (c *Collector) RoomKeysBackedUp(n int) {
	c.backedUpKeys.Add(float64(n))
}

func (c *Collector) RoomKeySharedWith(n int) {
	c.sharedDevices.Add(float64(n))
}
