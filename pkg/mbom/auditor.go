package mbom

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"

	"github.com/varunsripad123/sentineldf/pkg/ml"
)

// Summarize aggregates detection results in document order into a
// BatchSummary. Pure computation; identical results always summarize
// identically.
func Summarize(batchID string, results []ml.DetectionResult) BatchSummary {
	summary := BatchSummary{
		BatchID:       batchID,
		DocumentCount: len(results),
	}
	if len(results) == 0 {
		return summary
	}

	risks := make([]int, 0, len(results))
	total := 0
	for _, r := range results {
		if r.Quarantine {
			summary.QuarantinedCount++
		} else {
			summary.AllowedCount++
		}
		bucket := r.Risk / 10
		if bucket > 9 {
			bucket = 9
		}
		summary.RiskHistogram[bucket]++
		total += r.Risk
		risks = append(risks, r.Risk)
	}

	summary.AverageRisk = float64(total) / float64(len(risks))
	sort.Ints(risks)
	idx := int(math.Ceil(0.95*float64(len(risks)))) - 1
	if idx < 0 {
		idx = 0
	}
	summary.P95Risk = risks[idx]
	return summary
}

// ResultsDigest is the hex SHA-256 digest over the canonical serialization
// of the ordered results list. Struct field order keeps the serialization
// stable, so the digest binds both the values and their order.
func ResultsDigest(results []ml.DetectionResult) string {
	if results == nil {
		results = []ml.DetectionResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
