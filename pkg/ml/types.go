// Package ml implements the detection engine: the heuristic rule scorer, the
// embedding anomaly scorer, and the fusion of both signals into a risk
// decision.
package ml

import (
	"github.com/varunsripad123/sentineldf/pkg/textnorm"
)

// Document is a unit of untrusted text at scan time. Immutable once built;
// the fingerprint is the cache and deduplication key.
type Document struct {
	ID                string `json:"id"`
	RawContent        string `json:"raw_content"`
	NormalizedContent string `json:"normalized_content"`
	Fingerprint       string `json:"fingerprint"`
}

// NewDocument normalizes raw content and computes the fingerprint. An empty
// id gets a stable one derived from the fingerprint, so identical content
// always carries the same derived id.
func NewDocument(id, raw string) Document {
	normalized, fp := textnorm.NormalizeAndFingerprint(raw)
	if id == "" {
		id = "doc_" + fp[:12]
	}
	return Document{
		ID:                id,
		RawContent:        raw,
		NormalizedContent: normalized,
		Fingerprint:       fp,
	}
}

// DetectionResult is the outcome of scanning one document. It is immutable
// once computed and re-derivable deterministically from the same document
// and configuration.
type DetectionResult struct {
	Fingerprint    string   `json:"fingerprint"`
	HeuristicScore float64  `json:"heuristic_score"`
	EmbeddingScore float64  `json:"embedding_score"`
	Risk           int      `json:"risk"`
	Quarantine     bool     `json:"quarantine"`
	Reasons        []string `json:"reasons"`
	Confidence     float64  `json:"confidence"`
}
