// Package metrics exposes the transport runtime's backend statistics
// (spec §4.3/§6 "Stats snapshot") as a Prometheus collector, grounded on
// runZeroInc-sockstats's TCPInfoCollector: a mutex-guarded map of live
// sources, scraped into metric values on each Collect call rather than
// pushed as they change.
package metrics

import (
	"sync"

	"github.com/kestrelnet/ringtransport/api"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything a Collector can scrape; *runtime.Transport
// satisfies it.
type StatsSource interface {
	Stats() api.BackendStats
}

var (
	bytesSentDesc = prometheus.NewDesc(
		"ringtransport_bytes_sent_total", "Total bytes sent.", []string{"transport_id"}, nil)
	bytesReceivedDesc = prometheus.NewDesc(
		"ringtransport_bytes_received_total", "Total bytes received.", []string{"transport_id"}, nil)
	sendsOKDesc = prometheus.NewDesc(
		"ringtransport_sends_ok_total", "Successful send completions.", []string{"transport_id"}, nil)
	sendsFailedDesc = prometheus.NewDesc(
		"ringtransport_sends_failed_total", "Failed send completions.", []string{"transport_id"}, nil)
	recvsOKDesc = prometheus.NewDesc(
		"ringtransport_recvs_ok_total", "Successful receive completions.", []string{"transport_id"}, nil)
	recvsFailedDesc = prometheus.NewDesc(
		"ringtransport_recvs_failed_total", "Failed receive completions.", []string{"transport_id"}, nil)
	batchSubmissionsDesc = prometheus.NewDesc(
		"ringtransport_batch_submissions_total", "Batched io_uring_enter submissions.", []string{"transport_id"}, nil)
	avgBatchSizeDesc = prometheus.NewDesc(
		"ringtransport_avg_batch_size", "Operations completed per syscall.", []string{"transport_id"}, nil)
	queueOverflowsDesc = prometheus.NewDesc(
		"ringtransport_queue_overflows_total", "Command queue full rejections.", []string{"transport_id"}, nil)
)

// Collector is a prometheus.Collector over zero or more registered
// transports, identified by caller-supplied id.
type Collector struct {
	mu      sync.Mutex
	sources map[string]StatsSource
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns an empty collector; transports are added with Add.
func NewCollector() *Collector {
	return &Collector{sources: make(map[string]StatsSource)}
}

// Add registers a transport under id, overwriting any previous
// registration of the same id.
func (c *Collector) Add(id string, source StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[id] = source
}

// Remove unregisters id, e.g. once its transport has closed.
func (c *Collector) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, id)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- bytesSentDesc
	descs <- bytesReceivedDesc
	descs <- sendsOKDesc
	descs <- sendsFailedDesc
	descs <- recvsOKDesc
	descs <- recvsFailedDesc
	descs <- batchSubmissionsDesc
	descs <- avgBatchSizeDesc
	descs <- queueOverflowsDesc
}

func (c *Collector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, source := range c.sources {
		s := source.Stats()
		out <- prometheus.MustNewConstMetric(bytesSentDesc, prometheus.CounterValue, float64(s.BytesSent), id)
		out <- prometheus.MustNewConstMetric(bytesReceivedDesc, prometheus.CounterValue, float64(s.BytesReceived), id)
		out <- prometheus.MustNewConstMetric(sendsOKDesc, prometheus.CounterValue, float64(s.SendsOK), id)
		out <- prometheus.MustNewConstMetric(sendsFailedDesc, prometheus.CounterValue, float64(s.SendsFailed), id)
		out <- prometheus.MustNewConstMetric(recvsOKDesc, prometheus.CounterValue, float64(s.RecvsOK), id)
		out <- prometheus.MustNewConstMetric(recvsFailedDesc, prometheus.CounterValue, float64(s.RecvsFailed), id)
		out <- prometheus.MustNewConstMetric(batchSubmissionsDesc, prometheus.CounterValue, float64(s.BatchSubmissions), id)
		out <- prometheus.MustNewConstMetric(avgBatchSizeDesc, prometheus.GaugeValue, s.AvgBatchSize(), id)
		out <- prometheus.MustNewConstMetric(queueOverflowsDesc, prometheus.CounterValue, float64(s.QueueOverflows), id)
	}
}
