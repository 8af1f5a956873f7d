package train

import (
	"log/slog"
	"time"

	"github.com/born-ml/deltagraph/internal/memory"
)

// BatchStats describes one measured batch.
type BatchStats struct {
	Batch   int                // Batch index.
	Items   int                // Samples in the batch.
	Loss    float64            // Sum of the batch output.
	Exec    memory.ExecContext // Context the batch ran on; zero without Config.Contexts.
	Elapsed time.Duration      // Forward and backward time.
}

// Monitor observes measurements. Implementations must be safe for
// concurrent use: batches may be measured in parallel.
type Monitor interface {
	// OnBatch is called after each batch.
	OnBatch(stats BatchStats)
	// OnSample is called once the batches are merged.
	OnSample(sample *PointSample, elapsed time.Duration)
}

// LogMonitor reports measurements through slog.
type LogMonitor struct {
	Logger *slog.Logger
}

// NewLogMonitor creates a monitor writing to logger, or to the default
// logger when nil.
func NewLogMonitor(logger *slog.Logger) *LogMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMonitor{Logger: logger}
}

// OnBatch logs the batch at debug level.
func (m *LogMonitor) OnBatch(s BatchStats) {
	m.Logger.Debug("batch measured", "batch", s.Batch, "items", s.Items, "loss", s.Loss, "elapsed", s.Elapsed)
}

// OnSample logs the merged sample.
func (m *LogMonitor) OnSample(sample *PointSample, elapsed time.Duration) {
	m.Logger.Info("measured",
		"items", sample.Count,
		"loss", sample.Loss,
		"deltas", sample.Deltas.Len(),
		"magnitude", sample.Deltas.Magnitude(),
		"elapsed", elapsed,
	)
}

type nopMonitor struct{}

func (nopMonitor) OnBatch(BatchStats) {}

func (nopMonitor) OnSample(*PointSample, time.Duration) {}
