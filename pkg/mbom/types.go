// Package mbom produces and validates signed batch receipts. Every scanned
// batch gets a tamper-evident attestation record (historically "MBOM") that
// binds the batch summary and the digest of its ordered results under a
// keyed MAC.
package mbom

import (
	"strings"

	"github.com/google/uuid"
)

// BatchSummary aggregates one batch's detection results. Derived, recomputed
// per batch, never persisted outside its signed record.
type BatchSummary struct {
	BatchID          string  `json:"batch_id"`
	DocumentCount    int     `json:"document_count"`
	QuarantinedCount int     `json:"quarantined_count"`
	AllowedCount     int     `json:"allowed_count"`
	AverageRisk      float64 `json:"average_risk"`
	P95Risk          int     `json:"p95_risk"`
	// RiskHistogram buckets risk by decile: index 0 is [0,10), index 9 is
	// [90,100].
	RiskHistogram [10]int `json:"risk_histogram"`
}

// AttestationRecord is the signed batch receipt. Append-only: any edit after
// signing invalidates the signature.
type AttestationRecord struct {
	RecordID      string       `json:"record_id"`
	BatchID       string       `json:"batch_id"`
	Approver      string       `json:"approver"`
	Timestamp     string       `json:"timestamp"` // UTC ISO-8601, formatted once at signing
	Summary       BatchSummary `json:"summary"`
	ResultsDigest string       `json:"results_digest"`
	Signature     string       `json:"signature"`
}

// Outcome classifies a validation. None of these abort the process; they
// are reported per record.
type Outcome string

const (
	OutcomeValid             Outcome = "valid"
	OutcomeSignatureMismatch Outcome = "signature_mismatch"
	OutcomeMalformed         Outcome = "malformed"
)

// NewBatchID returns a fresh batch identifier.
func NewBatchID() string {
	return "batch_" + shortID()
}

// NewRecordID returns a fresh attestation record identifier.
func NewRecordID() string {
	return "mbom_" + shortID()
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
