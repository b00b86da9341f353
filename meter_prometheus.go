package gocbnet

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var prometheusLabelNames = []string{"service", "operation", "cluster_uuid", "cluster_name"}

// PrometheusMeter is a Meter which exports engine metrics through a prometheus registry.
// Values recorded through ValueRecorder are the raw engine values, operation durations
// are in microseconds.
type PrometheusMeter struct {
	registry prometheus.Registerer

	lock       sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMeter creates a meter registering its collectors on reg, or on the
// default registerer when reg is nil.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &PrometheusMeter{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func prometheusMetricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}

func prometheusLabels(tags map[string]string) prometheus.Labels {
	return prometheus.Labels{
		"service":      tags["couchbase.service"],
		"operation":    tags["db.operation.name"],
		"cluster_uuid": tags["couchbase.cluster.uuid"],
		"cluster_name": tags["couchbase.cluster.name"],
	}
}

func (pm *PrometheusMeter) register(c prometheus.Collector) (prometheus.Collector, error) {
	if err := pm.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

// Counter returns a counter for the given metric name and tags.
func (pm *PrometheusMeter) Counter(name string, tags map[string]string) (Counter, error) {
	metricName := prometheusMetricName(name)

	pm.lock.Lock()
	vec, ok := pm.counters[metricName]
	if !ok {
		collector, err := pm.register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricName,
			Help: "Count of " + name,
		}, prometheusLabelNames))
		if err != nil {
			pm.lock.Unlock()
			return nil, err
		}
		vec = collector.(*prometheus.CounterVec)
		pm.counters[metricName] = vec
	}
	pm.lock.Unlock()

	counter, err := vec.GetMetricWith(prometheusLabels(tags))
	if err != nil {
		return nil, err
	}
	return &prometheusCounter{counter: counter}, nil
}

// ValueRecorder returns a histogram backed recorder for the given metric name and tags.
func (pm *PrometheusMeter) ValueRecorder(name string, tags map[string]string) (ValueRecorder, error) {
	metricName := prometheusMetricName(name)

	pm.lock.Lock()
	vec, ok := pm.histograms[metricName]
	if !ok {
		collector, err := pm.register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricName,
			Help:    "Distribution of " + name,
			Buckets: prometheus.ExponentialBuckets(100, 2, 16),
		}, prometheusLabelNames))
		if err != nil {
			pm.lock.Unlock()
			return nil, err
		}
		vec = collector.(*prometheus.HistogramVec)
		pm.histograms[metricName] = vec
	}
	pm.lock.Unlock()

	observer, err := vec.GetMetricWith(prometheusLabels(tags))
	if err != nil {
		return nil, err
	}
	return &prometheusValueRecorder{observer: observer}, nil
}

type prometheusCounter struct {
	counter prometheus.Counter
}

func (pc *prometheusCounter) IncrementBy(num uint64) {
	pc.counter.Add(float64(num))
}

type prometheusValueRecorder struct {
	observer prometheus.Observer
}

func (pvr *prometheusValueRecorder) RecordValue(val uint64) {
	pvr.observer.Observe(float64(val))
}
