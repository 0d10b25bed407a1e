package pipeline

import (
	"math"
)

// PairScore is the similarity score for one adjacent shot pair.
type PairScore struct {
	FromShotID string  `json:"from_shot_id"`
	ToShotID   string  `json:"to_shot_id"`
	Score      float64 `json:"score"`
}

// ConsistencyReport summarizes cross-shot validation for one intent.
type ConsistencyReport struct {
	Scores   []PairScore `json:"scores"`
	MinScore float64     `json:"min_score"`
	Passed   bool        `json:"passed"`
}

// cosineScore maps the cosine similarity of two embeddings into [0,1].
// Degenerate inputs (zero vectors, mismatched lengths) score zero so they
// fail validation rather than pass silently.
func cosineScore(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp before shifting: float error can push |cos| past 1.
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return (cos + 1) / 2
}

// scoreSequence computes adjacent-pair scores over the ordered shot
// embeddings and reports whether every pair clears the threshold.
func scoreSequence(shotIDs []string, embeddings [][]float32, threshold float64) *ConsistencyReport {
	report := &ConsistencyReport{MinScore: 1, Passed: true}
	for i := 1; i < len(embeddings); i++ {
		score := cosineScore(embeddings[i-1], embeddings[i])
		report.Scores = append(report.Scores, PairScore{
			FromShotID: shotIDs[i-1],
			ToShotID:   shotIDs[i],
			Score:      score,
		})
		if score < report.MinScore {
			report.MinScore = score
		}
		if score < threshold {
			report.Passed = false
		}
	}
	if len(report.Scores) == 0 {
		report.MinScore = 1
	}
	return report
}
