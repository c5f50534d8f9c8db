package allocation

import (
	"sort"

	"opsline/internal/domain"
)

// Minimum totals passed to Select.
const (
	MinScoreNormal   = 20
	MinScoreDegraded = 0
)

// Candidate is a scored worker.
type Candidate struct {
	Worker domain.Worker `json:"worker"`
	Score  Breakdown     `json:"score"`
}

// MinScore returns the threshold a caller should use. The degraded threshold applies only when
// no worker was immediately available and degraded allocation is allowed.
func MinScore(poolHadAvailable, degradedAllowed bool) int {
	if !poolHadAvailable && degradedAllowed {
		return MinScoreDegraded
	}
	return MinScoreNormal
}

// Select ranks active candidates by total score and returns at most quantity of them whose total
// reaches minScore. Ties keep input order.
func Select(candidates []domain.Worker, draft domain.WorkUnit, front domain.WorkFront, quantity, minScore int) []Candidate {
	if quantity <= 0 {
		return nil
	}
	scored := make([]Candidate, 0, len(candidates))
	for _, w := range candidates {
		if !w.Active {
			continue
		}
		scored = append(scored, Candidate{Worker: w, Score: Score(w, draft, front)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score.Total > scored[j].Score.Total
	})
	res := make([]Candidate, 0, quantity)
	for _, c := range scored {
		if c.Score.Total < minScore {
			break
		}
		res = append(res, c)
		if len(res) == quantity {
			break
		}
	}
	return res
}

// MeanScore returns the average total of the selection, or zero when empty.
func MeanScore(selected []Candidate) float64 {
	if len(selected) == 0 {
		return 0
	}
	sum := 0
	for _, c := range selected {
		sum += c.Score.Total
	}
	return float64(sum) / float64(len(selected))
}
