package server

import (
	"context"
	"time"

	"github.com/copyleftdev/hybridml/internal/lil/hybrid"
	"github.com/copyleftdev/hybridml/internal/lil/models"
	"github.com/copyleftdev/hybridml/internal/lil/partition"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// EstimationState represents the state of an estimation job.
// It tracks the status, timing, and results of one estimator run.
// All fields are guarded by the server's job mutex.
type EstimationState struct {
	ID          string
	Key         string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Error       string

	Model          string
	NApprox        int
	BatchSize      int
	Representative partition.Selector
	Fingerprint    uint64
	Samples        int

	Result     *hybrid.Result
	CancelFunc context.CancelFunc

	model models.Model
}

func (s *EstimationState) terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s *EstimationState) finish(status string, now time.Time) {
	s.Status = status
	s.EndTime = &now
	s.LastUpdated = now
}

// view renders the state as the status response.
func (s *EstimationState) view() map[string]interface{} {
	response := map[string]interface{}{
		"estimation_id":  s.ID,
		"status":         s.Status,
		"model":          s.Model,
		"n_approx":       s.NApprox,
		"batch_size":     s.BatchSize,
		"representative": s.Representative.String(),
		"fingerprint":    formatFingerprint(s.Fingerprint),
		"samples":        s.Samples,
		"start_time":     s.StartTime.Format(time.RFC3339),
		"last_update":    s.LastUpdated.Format(time.RFC3339),
	}
	if s.EndTime != nil {
		response["end_time"] = s.EndTime.Format(time.RFC3339)
	}
	if s.Error != "" {
		response["error"] = s.Error
	}
	if s.model != nil {
		response["log_marginal"] = hybrid.Value(s.model.LogMarginal())
	}

	if r := s.Result; r != nil {
		response["const"] = hybrid.Values(r.Const)
		response["taylor"] = hybrid.Values(r.Taylor)
		response["hybrid"] = hybrid.Values(r.Hybrid)

		sum := r.Summary()
		response["summary"] = map[string]interface{}{
			"const":  stats(sum.Const),
			"taylor": stats(sum.Taylor),
			"hybrid": stats(sum.Hybrid),
		}
		if r.Last != nil {
			response["partitions"] = r.Last.Table()
		}
	}
	return response
}

func stats(s hybrid.Stats) map[string]interface{} {
	return map[string]interface{}{
		"mean": hybrid.Value(s.Mean),
		"std":  hybrid.Value(s.Std),
	}
}
