package metrics

import (
	"time"

	"github.com/fachebot/meeting-scribe/internal/stt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 各组件的 Prometheus 指标，同时实现各组件的 Observer 接口
type Metrics struct {
	// 采集
	ChunksCaptured prometheus.Counter
	ChunksDropped  prometheus.Counter

	// 识别流
	StreamState    prometheus.Gauge
	StreamFailures prometheus.Counter
	Results        *prometheus.CounterVec

	// 纪要
	Ticks        *prometheus.CounterVec
	TickDuration prometheus.Histogram
	Degraded     prometheus.Gauge

	// 写盘
	WriterLines   prometheus.Counter
	WriterNotes   prometheus.Counter
	WriteFailures *prometheus.CounterVec

	// 视图
	RenderFailures *prometheus.CounterVec
}

// New 在 reg 上注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_chunks_captured_total",
			Help: "Total number of audio chunks read from the input device",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_audio_chunks_dropped_total",
			Help: "Total number of audio chunks dropped because the queue was full",
		}),

		StreamState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_stt_stream_state",
			Help: "Current recognition stream state (0=connecting 1=connected 2=retrying 3=terminated 4=closed)",
		}),
		StreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_stt_stream_failures_total",
			Help: "Total number of recognition stream failures",
		}),
		Results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_stt_results_total",
			Help: "Total number of recognition results by kind",
		}, []string{"kind"}),

		Ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_summary_ticks_total",
			Help: "Total number of summary ticks by outcome",
		}, []string{"outcome"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_summary_tick_duration_seconds",
			Help:    "Duration of summary merge calls",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		Degraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_summary_degraded",
			Help: "Whether the summary scheduler is in degraded mode",
		}),

		WriterLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_writer_lines_total",
			Help: "Total number of finalized transcript lines persisted",
		}),
		WriterNotes: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_writer_notes_total",
			Help: "Total number of notes file replacements",
		}),
		WriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_writer_failures_total",
			Help: "Total number of persistence failures by file kind",
		}, []string{"kind"}),

		RenderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_view_render_failures_total",
			Help: "Total number of render failures by view",
		}, []string{"view"}),
	}
}

func (m *Metrics) ChunkCaptured() {
	m.ChunksCaptured.Inc()
}

func (m *Metrics) ChunkDropped() {
	m.ChunksDropped.Inc()
}

func (m *Metrics) StateChanged(state stt.State) {
	m.StreamState.Set(float64(state))
}

func (m *Metrics) ResultReceived(final bool) {
	if final {
		m.Results.WithLabelValues("final").Inc()
	} else {
		m.Results.WithLabelValues("partial").Inc()
	}
}

func (m *Metrics) StreamFailed() {
	m.StreamFailures.Inc()
}

func (m *Metrics) TickFinished(outcome string, elapsed time.Duration) {
	m.Ticks.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.TickDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) DegradedChanged(degraded bool) {
	if degraded {
		m.Degraded.Set(1)
	} else {
		m.Degraded.Set(0)
	}
}

func (m *Metrics) LinesWritten(n int) {
	m.WriterLines.Add(float64(n))
}

func (m *Metrics) NotesWritten() {
	m.WriterNotes.Inc()
}

func (m *Metrics) WriteFailed(kind string) {
	m.WriteFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RenderFailed(view string) {
	m.RenderFailures.WithLabelValues(view).Inc()
}
