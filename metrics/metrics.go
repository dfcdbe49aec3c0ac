// Package metrics exposes a CoAP endpoint's counters as a
// prometheus.Collector, grounded in runZeroInc-sockstats's
// TCPInfoCollector (exporter.go): a small Describe/Collect pair built
// around prometheus.Desc/prometheus.NewConstMetric rather than the
// usual promauto counters, since the values being reported live on
// the endpoint's own atomic counters and must be read fresh on every
// scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	coap "github.com/gocoap/endpoint"
)

// StatsProvider is satisfied by *coap.Client and *coap.Server.
type StatsProvider interface {
	Stats() (sent, received, retransmitted, undelivered uint64)
}

var (
	sentDesc = prometheus.NewDesc(
		"coap_messages_sent_total", "Total CoAP datagrams written to the socket.", []string{"endpoint"}, nil)
	receivedDesc = prometheus.NewDesc(
		"coap_messages_received_total", "Total CoAP messages received and decoded (a Server does not count ACK or RST messages).", []string{"endpoint"}, nil)
	retransmittedDesc = prometheus.NewDesc(
		"coap_messages_retransmitted_total", "Total confirmable message retransmissions.", []string{"endpoint"}, nil)
	undeliveredDesc = prometheus.NewDesc(
		"coap_messages_undelivered_total", "Total confirmable messages that exhausted their retransmission budget.", []string{"endpoint"}, nil)
)

// Collector reports one or more endpoints' counters on every scrape.
// The label "endpoint" distinguishes a process running both a Client
// and a Server.
type Collector struct {
	endpoints map[string]StatsProvider
}

// NewCollector builds a Collector with no endpoints registered yet.
func NewCollector() *Collector {
	return &Collector{endpoints: make(map[string]StatsProvider)}
}

// Register associates name with an endpoint's stats, overwriting any
// prior registration under the same name.
func (c *Collector) Register(name string, p StatsProvider) {
	c.endpoints[name] = p
}

// Unregister drops a previously registered endpoint.
func (c *Collector) Unregister(name string) {
	delete(c.endpoints, name)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- sentDesc
	descs <- receivedDesc
	descs <- retransmittedDesc
	descs <- undeliveredDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for name, p := range c.endpoints {
		sent, received, retransmitted, undelivered := p.Stats()
		metrics <- prometheus.MustNewConstMetric(sentDesc, prometheus.CounterValue, float64(sent), name)
		metrics <- prometheus.MustNewConstMetric(receivedDesc, prometheus.CounterValue, float64(received), name)
		metrics <- prometheus.MustNewConstMetric(retransmittedDesc, prometheus.CounterValue, float64(retransmitted), name)
		metrics <- prometheus.MustNewConstMetric(undeliveredDesc, prometheus.CounterValue, float64(undelivered), name)
	}
}
