package prom

import (
	"fmt"
	"sync"

	xhttp "github.com/nimasrn/sms-dispatch/pkg/http"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemIntake   = "intake"
	SystemDispatch = "dispatch"
	SystemDLR      = "dlr"
	SystemProvider = "provider"
	SystemQueue    = "queue"
	SystemSweeper  = "sweeper"
)

const (
	MetricOutcomesTotal   = "outcomes_total"
	MetricRequestDuration = "request_duration_seconds"
	MetricDepth           = "depth"
	MetricRequeuedTotal   = "requeued_total"
	MetricOverdueDLR      = "overdue_dlr"
)

var mu sync.RWMutex
var namespace = "none"
var enabled = false

var (
	registry prometheus.Registerer = prometheus.DefaultRegisterer
	gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
)

var counters = make(map[string]prometheus.Counter)
var counterVecs = make(map[string]*prometheus.CounterVec)
var gaugeVecs = make(map[string]*prometheus.GaugeVec)
var histogramVecs = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

// Create registers the gateway metrics, plus Go runtime and process
// collectors, on a registry that ListenAndServer exposes.
func Create(host string, env string, nameSpace string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return CreateWithRegistry(reg, host, env, nameSpace)
}

// CreateWithRegistry registers every gateway metric on reg and enables
// recording. Calling it again replaces the previous set.
func CreateWithRegistry(reg *prometheus.Registry, host string, env string, nameSpace string) error {
	mu.Lock()
	defer mu.Unlock()

	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace
	registry = reg
	gatherer = reg
	counters = make(map[string]prometheus.Counter)
	counterVecs = make(map[string]*prometheus.CounterVec)
	gaugeVecs = make(map[string]*prometheus.GaugeVec)
	histogramVecs = make(map[string]*prometheus.HistogramVec)

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounterVec(SystemIntake, MetricOutcomesTotal, "send requests by outcome", []string{"outcome"}))
	hasError(createCounterVec(SystemDispatch, MetricOutcomesTotal, "dispatch attempts by outcome", []string{"outcome"}))
	hasError(createCounterVec(SystemDLR, MetricOutcomesTotal, "delivery receipts by outcome", []string{"outcome"}))
	hasError(createHistogramVec(SystemProvider, MetricRequestDuration, "upstream send latency", []string{"result"}))
	hasError(createGaugeVec(SystemQueue, MetricDepth, "dispatch queue depth", []string{"kind"}))
	hasError(createCounter(SystemSweeper, MetricRequeuedTotal, "orphaned queued messages re-enqueued"))
	hasError(createGaugeVec(SystemSweeper, MetricOverdueDLR, "sent messages waiting past the receipt deadline", []string{}))

	enabled = err == nil
	return err
}

// ListenAndServer serves the metrics endpoint until the process exits.
func ListenAndServer(addr string, path string) {
	mu.RLock()
	g := gatherer
	mu.RUnlock()

	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	s := xhttp.CreateServer()
	s.GET(path, hh)
	logger.Info("[metrics-server] listening...", "addr", addr, "path", path)
	if err := s.ListenAndServe(addr); err != nil {
		logger.Error("[metrics-server] http listen error", "error", err)
	}
}

func createCounter(subsystem, name, help string) error {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: defaultLabels,
	})
	counters[subsystem+name] = c
	return registry.Register(c)
}

func createCounterVec(subsystem, name, help string, labels []string) error {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: defaultLabels,
	}, labels)
	counterVecs[subsystem+name] = c
	return registry.Register(c)
}

func createHistogramVec(subsystem, name, help string, labels []string) error {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: defaultLabels,
		Buckets:     prometheus.DefBuckets,
	}, labels)
	histogramVecs[subsystem+name] = h
	return registry.Register(h)
}

func createGaugeVec(subsystem, name, help string, labels []string) error {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: defaultLabels,
	}, labels)
	gaugeVecs[subsystem+name] = g
	return registry.Register(g)
}

func IncCounter(subsystem, name string) {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled {
		return
	}
	if v, ok := counters[subsystem+name]; ok {
		v.Inc()
		return
	}
	logger.Warn("[metrics-server] counter not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled {
		return
	}
	if v, ok := counterVecs[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Inc()
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func SetGaugeVec(subsystem, name string, value float64, labelValues ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled {
		return
	}
	if v, ok := gaugeVecs[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Set(value)
		return
	}
	logger.Warn("[metrics-server] gauge not found", "subsystem", subsystem, "name", name)
}

func AddHistogramVec(subsystem, name string, value float64, labelValues ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled {
		return
	}
	if v, ok := histogramVecs[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(value)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

func IntakeOutcome(outcome string) {
	IncCounterVec(SystemIntake, MetricOutcomesTotal, outcome)
}

func DispatchOutcome(outcome string) {
	IncCounterVec(SystemDispatch, MetricOutcomesTotal, outcome)
}

func DLROutcome(outcome string) {
	IncCounterVec(SystemDLR, MetricOutcomesTotal, outcome)
}

func ProviderLatency(seconds float64, result string) {
	AddHistogramVec(SystemProvider, MetricRequestDuration, seconds, result)
}

func QueueDepth(kind string, depth int64) {
	SetGaugeVec(SystemQueue, MetricDepth, float64(depth), kind)
}

func SweeperRequeued() {
	IncCounter(SystemSweeper, MetricRequeuedTotal)
}

func OverdueDLR(n int) {
	SetGaugeVec(SystemSweeper, MetricOverdueDLR, float64(n))
}

// Counter exposes a registered counter vec child for tests and health output.
func Counter(subsystem, name string, labelValues ...string) (prometheus.Counter, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := counterVecs[subsystem+name]
	if !ok {
		return nil, fmt.Errorf("counter vec %s%s not registered", subsystem, name)
	}
	return v.GetMetricWithLabelValues(labelValues...)
}
