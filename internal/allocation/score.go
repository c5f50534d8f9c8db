// Package allocation scores workers against a work unit and picks the best-suited ones.
package allocation

import "opsline/internal/domain"

// Breakdown is the per-component suitability score of one worker.
type Breakdown struct {
	Availability   int `json:"availability"`
	Workload       int `json:"workload"`
	Specialization int `json:"specialization"`
	Experience     int `json:"experience"`
	Total          int `json:"total"`
}

const maxExperience = 20

// Score computes how well a worker fits a work unit on a front. Total ranges from 0 to 120.
func Score(w domain.Worker, draft domain.WorkUnit, front domain.WorkFront) Breakdown {
	frontID := draft.WorkFrontID
	if frontID == "" {
		frontID = front.ID
	}
	b := Breakdown{
		Availability:   availability(w),
		Workload:       workload(w),
		Specialization: specialization(w, frontID),
		Experience:     experience(w),
	}
	b.Total = b.Availability + b.Workload + b.Specialization + b.Experience
	return b
}

func availability(w domain.Worker) int {
	switch {
	case w.Status == domain.WorkerAvailable:
		return 40
	case w.Status == domain.WorkerBusy && w.ActiveCount < w.Capacity:
		return 20
	default:
		return 0
	}
}

func workload(w domain.Worker) int {
	capacity := w.Capacity
	if capacity < 1 {
		capacity = 1
	}
	utilization := float64(w.ActiveCount) / float64(capacity)
	switch {
	case utilization <= 0:
		return 30
	case utilization < 0.5:
		return 25
	case utilization < 0.8:
		return 15
	default:
		return 5
	}
}

func specialization(w domain.Worker, frontID string) int {
	switch {
	case frontID != "" && w.HasFront(frontID):
		return 30
	case len(w.WorkFronts) == 0:
		return 15
	default:
		return 5
	}
}

func experience(w domain.Worker) int {
	if w.CompletedCount < 0 {
		return 0
	}
	if w.CompletedCount > maxExperience {
		return maxExperience
	}
	return w.CompletedCount
}
