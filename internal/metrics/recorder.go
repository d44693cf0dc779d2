package metrics

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/vietddude/nodegate/internal/core/domain"
)

// Recorder forwards MetricRecords into Prometheus. It implements the check
// sink contract: recording never surfaces an error to the caller.
type Recorder struct {
	log *slog.Logger
}

// NewRecorder creates a Prometheus-backed metric recorder.
func NewRecorder(log *slog.Logger) *Recorder {
	return &Recorder{log: log}
}

// Record accounts one node-check attempt.
func (r *Recorder) Record(_ context.Context, rec domain.MetricRecord) {
	method := string(rec.Method)
	result := strconv.Itoa(rec.ResultCode)

	ChecksTotal.WithLabelValues(rec.BlockchainID, method, result).Inc()
	CheckLatency.WithLabelValues(rec.BlockchainID, method).Observe(rec.ElapsedSeconds)
	CheckBytes.WithLabelValues(rec.BlockchainID, method).Add(float64(rec.Bytes))
	if !rec.Delivered {
		CheckFailuresTotal.WithLabelValues(rec.BlockchainID, method).Inc()
	}

	r.log.Debug("Check outcome recorded",
		"request_id", rec.RequestID,
		"blockchain_id", rec.BlockchainID,
		"service_node", rec.ServiceNode,
		"method", method,
		"result", rec.ResultCode,
		"delivered", rec.Delivered,
		"bytes", rec.Bytes)
}
