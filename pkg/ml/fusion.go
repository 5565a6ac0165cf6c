package ml

import "math"

// Fusion combines the heuristic and embedding signals into the final risk
// score and quarantine decision. It is a pure function of its inputs and the
// configured weights; determinism here is what makes results cacheable and
// auditable.
type Fusion struct {
	heuristicWeight float64
	embeddingWeight float64
	threshold       int
}

// NewFusion builds a fuser from validated weights. Weight validation happens
// in config, before any scan runs.
func NewFusion(heuristicWeight, embeddingWeight float64, threshold int) *Fusion {
	return &Fusion{
		heuristicWeight: heuristicWeight,
		embeddingWeight: embeddingWeight,
		threshold:       threshold,
	}
}

// Fuse computes risk = round(100 * (w_h*h + w_e*e)) and the quarantine
// decision. Confidence measures agreement between the two signals; it is
// informational only and never gates the decision.
func (f *Fusion) Fuse(fingerprint string, heuristicScore, embeddingScore float64, reasons []string) DetectionResult {
	risk := int(math.Round(100 * (f.heuristicWeight*heuristicScore + f.embeddingWeight*embeddingScore)))
	if risk < 0 {
		risk = 0
	}
	if risk > 100 {
		risk = 100
	}

	if reasons == nil {
		reasons = []string{}
	}

	return DetectionResult{
		Fingerprint:    fingerprint,
		HeuristicScore: heuristicScore,
		EmbeddingScore: embeddingScore,
		Risk:           risk,
		Quarantine:     risk >= f.threshold,
		Reasons:        reasons,
		Confidence:     1.0 - math.Abs(heuristicScore-embeddingScore),
	}
}

// Threshold returns the configured quarantine threshold.
func (f *Fusion) Threshold() int {
	return f.threshold
}
