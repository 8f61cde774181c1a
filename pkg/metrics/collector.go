package metrics

import (
	"errors"
	"sync"
	"time"

	gometrics "github.com/hashicorp/go-metrics"

	"github.com/pzhenzhou/redkit/pkg/common"
)

var (
	logger = common.InitLogger().WithName("client-metrics")

	instance      ClientMetricsCollector
	collectorErr  error
	collectorOnce sync.Once
)

// ErrCollectorUnavailable reports that the one-time collector setup failed;
// every later call repeats it so callers never see a nil collector with a
// nil error.
var ErrCollectorUnavailable = errors.New("metrics collector unavailable")

// labelPool is a simple object pool for label slices to reduce allocations
type labelPool struct {
	pool sync.Pool
}

func newLabelPool() *labelPool {
	return &labelPool{
		pool: sync.Pool{
			New: func() interface{} {
				// Pre-allocate a slice with capacity for common use cases
				slice := make([]gometrics.Label, 0, 3)
				return &slice
			},
		},
	}
}

// get retrieves a label slice from the pool
func (p *labelPool) get() []gometrics.Label {
	slicePtr := p.pool.Get().(*[]gometrics.Label)
	// Reset length but keep capacity
	*slicePtr = (*slicePtr)[:0]
	return *slicePtr
}

// put returns a label slice to the pool
func (p *labelPool) put(labels []gometrics.Label) {
	p.pool.Put(&labels)
}

// ClientMetricsCollector is the narrow surface the connection layer calls.
type ClientMetricsCollector interface {
	// RecordCommandLatency records submit-to-reply latency for one command.
	RecordCommandLatency(command string, duration time.Duration)

	// IncrementCommandCounter counts submitted commands by name.
	IncrementCommandCounter(command string)

	// IncrementPushCounter counts out-of-band push frames by kind.
	IncrementPushCounter(kind string)

	// IncrementErrorCounter counts failures by taxonomy bucket
	// (protocol_corruption, conn_lost, tx_aborted, ...).
	IncrementErrorCounter(errorType string)

	// IncrementActiveConnections / DecrementActiveConnections track live Conns.
	IncrementActiveConnections()
	DecrementActiveConnections()

	// Shutdown the metrics collector
	Shutdown()
}

// Config holds configuration for metrics
type Config struct {
	// Metrics prefix for namespacing
	ServiceName string

	// Time interval for in-memory metrics aggregation
	AggregationInterval time.Duration

	// Retention period for metrics
	RetentionPeriod time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:         "redkit",
		AggregationInterval: 5 * time.Second,
		RetentionPeriod:     10 * time.Minute,
	}
}

// NewMetricsCollector creates the process-wide collector backed by an
// in-memory sink. SIGUSR1 dumps the current aggregates to stderr.
func NewMetricsCollector(config *Config) (ClientMetricsCollector, error) {
	collectorOnce.Do(func() {
		if config == nil {
			config = DefaultConfig()
		}
		metricsConf := gometrics.DefaultConfig(config.ServiceName)
		inm := gometrics.NewInmemSink(config.AggregationInterval, config.RetentionPeriod)
		signal := gometrics.DefaultInmemSignal(inm)

		metricsImpl, err := gometrics.New(metricsConf, inm)
		if err != nil {
			collectorErr = err
			return
		}
		instance = &hashicorpMetricsCollector{
			metrics:            metricsImpl,
			inm:                inm,
			signal:             signal,
			serviceName:        config.ServiceName,
			serviceLabel:       gometrics.Label{Name: "service", Value: config.ServiceName},
			commandLabelPrefix: "command",
			errorLabelPrefix:   "type",
			labelPool:          newLabelPool(),
		}

		logger.Info("Metrics collector initialized", "serviceName", config.ServiceName)
	})

	if instance == nil {
		if collectorErr != nil {
			return nil, collectorErr
		}
		return nil, ErrCollectorUnavailable
	}
	return instance, nil
}

// hashicorpMetricsCollector implements ClientMetricsCollector using hashicorp/go-metrics
type hashicorpMetricsCollector struct {
	metrics     *gometrics.Metrics
	inm         *gometrics.InmemSink
	signal      *gometrics.InmemSignal
	serviceName string

	// Pre-created labels for better performance
	serviceLabel       gometrics.Label
	commandLabelPrefix string
	errorLabelPrefix   string

	// Object pool for label slices
	labelPool *labelPool
}

func (h *hashicorpMetricsCollector) RecordCommandLatency(command string, duration time.Duration) {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel, gometrics.Label{Name: h.commandLabelPrefix, Value: command})

	h.metrics.AddSampleWithLabels([]string{"command", "latency"}, float32(duration.Microseconds()), labels)

	h.labelPool.put(labels)
}

func (h *hashicorpMetricsCollector) IncrementCommandCounter(command string) {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel, gometrics.Label{Name: h.commandLabelPrefix, Value: command})

	h.metrics.IncrCounterWithLabels([]string{"command", "count"}, 1, labels)

	h.labelPool.put(labels)
}

func (h *hashicorpMetricsCollector) IncrementPushCounter(kind string) {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel, gometrics.Label{Name: "kind", Value: kind})

	h.metrics.IncrCounterWithLabels([]string{"push", "count"}, 1, labels)

	h.labelPool.put(labels)
}

func (h *hashicorpMetricsCollector) IncrementErrorCounter(errorType string) {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel, gometrics.Label{Name: h.errorLabelPrefix, Value: errorType})

	h.metrics.IncrCounterWithLabels([]string{"errors"}, 1, labels)

	h.labelPool.put(labels)
}

func (h *hashicorpMetricsCollector) IncrementActiveConnections() {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel)

	h.metrics.IncrCounterWithLabels([]string{"connections", "active"}, 1, labels)

	h.labelPool.put(labels)
}

func (h *hashicorpMetricsCollector) DecrementActiveConnections() {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel)

	h.metrics.IncrCounterWithLabels([]string{"connections", "active"}, -1, labels)

	h.labelPool.put(labels)
}

// Shutdown stops the metrics collector
func (h *hashicorpMetricsCollector) Shutdown() {
	if h.signal != nil {
		h.signal.Stop()
	}
}

// NopCollector is the default when metrics are disabled.
type NopCollector struct{}

func (NopCollector) RecordCommandLatency(string, time.Duration) {}
func (NopCollector) IncrementCommandCounter(string)             {}
func (NopCollector) IncrementPushCounter(string)                {}
func (NopCollector) IncrementErrorCounter(string)               {}
func (NopCollector) IncrementActiveConnections()                {}
func (NopCollector) DecrementActiveConnections()                {}
func (NopCollector) Shutdown()                                  {}

var _ ClientMetricsCollector = NopCollector{}
