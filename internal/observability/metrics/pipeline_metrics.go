package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pipelinedomain "github.com/merchlytics/merchlytics/internal/pipeline/domain"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"

	StageIngest    = "ingest"
	StageNormalize = "normalize"
	StageValidate  = "validate"
	StageLoad      = "load"
	StageBookmark  = "bookmark"
)

const (
	RunFailureReasonDeadlineExceeded     = "deadline_exceeded"
	RunFailureReasonDBLockTimeout        = "db_lock_timeout"
	RunFailureReasonSerializationFailure = "serialization_failure"
	RunFailureReasonConnection           = "connection"
	RunFailureReasonIntegrity            = "integrity"
	RunFailureReasonSchema               = "schema"
	RunFailureReasonUnknown              = "unknown"
)

// PipelineMetrics captures pipeline health signals for warehouse freshness SLOs.
type PipelineMetrics struct {
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	runFailures    *prometheus.CounterVec
	records        *prometheus.CounterVec
	bookmarkResets prometheus.Counter
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchlytics_pipeline_runs_total",
		Help: "Pipeline runs by source and terminal status.",
	}, []string{"source", "status"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "merchlytics_pipeline_run_duration_seconds",
		Help:    "End-to-end pipeline run latency per source.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"source"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "merchlytics_pipeline_stage_duration_seconds",
		Help:    "Per-stage latency to isolate slow transforms or loads.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"source", "stage"})
	runFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchlytics_pipeline_run_failures_total",
		Help: "Pipeline run failures by stage and low-cardinality reason.",
	}, []string{"source", "stage", "reason"})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchlytics_pipeline_records_total",
		Help: "Records flowing through each stage to gauge warehouse throughput.",
	}, []string{"source", "stage"})
	bookmarkResets := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "merchlytics_pipeline_bookmark_resets_total",
		Help: "Bookmark reads that fell back to a full resync due to corruption.",
	})

	registerer.MustRegister(
		runs,
		runDuration,
		stageDuration,
		runFailures,
		records,
		bookmarkResets,
	)

	return &PipelineMetrics{
		runs:           runs,
		runDuration:    runDuration,
		stageDuration:  stageDuration,
		runFailures:    runFailures,
		records:        records,
		bookmarkResets: bookmarkResets,
	}
}

// IncRun increments the run counter for a source with its terminal status.
func (m *PipelineMetrics) IncRun(source, status string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(source, status).Inc()
}

// ObserveRunDuration records end-to-end run latency in seconds.
func (m *PipelineMetrics) ObserveRunDuration(source string, duration time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveStageDuration records per-stage latency in seconds.
func (m *PipelineMetrics) ObserveStageDuration(source, stage string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(source, stage).Observe(duration.Seconds())
}

// IncRunFailure increments the failure counter with error classification.
func (m *PipelineMetrics) IncRunFailure(source, stage string, err error) {
	if m == nil || m.runFailures == nil || err == nil {
		return
	}
	m.runFailures.WithLabelValues(source, stage, ClassifyRunFailureReason(err)).Inc()
}

// AddRecords increments the per-stage record counter by count.
func (m *PipelineMetrics) AddRecords(source, stage string, count int) {
	if m == nil || m.records == nil || count <= 0 {
		return
	}
	m.records.WithLabelValues(source, stage).Add(float64(count))
}

// IncBookmarkReset counts a corrupt-bookmark full resync.
func (m *PipelineMetrics) IncBookmarkReset() {
	if m == nil || m.bookmarkResets == nil {
		return
	}
	m.bookmarkResets.Inc()
}

// ClassifyRunFailureReason maps run errors to low-cardinality reasons.
func ClassifyRunFailureReason(err error) string {
	if err == nil {
		return RunFailureReasonUnknown
	}
	var integrity *pipelinedomain.IntegrityBug
	if errors.As(err, &integrity) {
		return RunFailureReasonIntegrity
	}
	var schema *pipelinedomain.SchemaViolation
	if errors.As(err, &schema) {
		return RunFailureReasonSchema
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RunFailureReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return RunFailureReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return RunFailureReasonSerializationFailure
	}
	if isConnectionError(err) {
		return RunFailureReasonConnection
	}
	return RunFailureReasonUnknown
}

// IsStorageUnavailable reports whether the error looks like transient
// storage trouble worth a retry rather than a code defect.
func IsStorageUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) || errors.Is(err, gorm.ErrInvalidTransaction) {
		return true
	}
	if hasPGCode(err, "55P03") || hasPGCode(err, "40001") || hasPGCode(err, "40P01") {
		return true
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class 08 covers connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
