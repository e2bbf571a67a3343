package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "kaspa_miner"

var (
	hashesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "hashes_total"),
		"Nonces evaluated by a worker.", []string{"worker"}, nil)
	roundsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "rounds_total"),
		"Rounds finished by a worker, by result.", []string{"worker", "result"}, nil)
	foundDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "found_total"),
		"Nonces meeting the target found by a worker.", []string{"worker"}, nil)
	retiredDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "retired"),
		"Whether a worker has been retired.", []string{"worker"}, nil)
	staleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "stale_results_total"),
		"Round results discarded because their template was replaced.", nil, nil)
	templatesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "templates_total"),
		"Templates received from the feed.", nil, nil)
	generationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "generation"),
		"Current template generation.", nil, nil)
	submissionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "submissions_total"),
		"Submissions by final outcome.", []string{"outcome"}, nil)
)

// Collector exports Counters at scrape time.
type Collector struct {
	counters *Counters
}

func NewCollector(c *Counters) *Collector {
	return &Collector{counters: c}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- hashesDesc
	ch <- roundsDesc
	ch <- foundDesc
	ch <- retiredDesc
	ch <- staleDesc
	ch <- templatesDesc
	ch <- generationDesc
	ch <- submissionsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.counters.Snapshot()
	for _, w := range s.Workers {
		ch <- prometheus.MustNewConstMetric(hashesDesc, prometheus.CounterValue, float64(w.Hashes), w.Name)
		ch <- prometheus.MustNewConstMetric(roundsDesc, prometheus.CounterValue, float64(w.RoundsCompleted), w.Name, "completed")
		ch <- prometheus.MustNewConstMetric(roundsDesc, prometheus.CounterValue, float64(w.RoundsFaulted), w.Name, "faulted")
		ch <- prometheus.MustNewConstMetric(foundDesc, prometheus.CounterValue, float64(w.Found), w.Name)
		var retired float64
		if w.Retired {
			retired = 1
		}
		ch <- prometheus.MustNewConstMetric(retiredDesc, prometheus.GaugeValue, retired, w.Name)
	}
	ch <- prometheus.MustNewConstMetric(staleDesc, prometheus.CounterValue, float64(s.StaleResults))
	ch <- prometheus.MustNewConstMetric(templatesDesc, prometheus.CounterValue, float64(s.Templates))
	ch <- prometheus.MustNewConstMetric(generationDesc, prometheus.GaugeValue, float64(s.Generation))

	if r := s.Reports; r != nil {
		ch <- prometheus.MustNewConstMetric(submissionsDesc, prometheus.CounterValue, float64(r.Accepted), "accepted")
		ch <- prometheus.MustNewConstMetric(submissionsDesc, prometheus.CounterValue, float64(r.Rejected), "rejected")
		ch <- prometheus.MustNewConstMetric(submissionsDesc, prometheus.CounterValue, float64(r.Unreachable), "unreachable")
		ch <- prometheus.MustNewConstMetric(submissionsDesc, prometheus.CounterValue, float64(r.Dropped), "dropped")
	}
}

// NewRegistry returns a registry with the miner collector and the Go runtime collectors.
func NewRegistry(c *Counters) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(c))
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
