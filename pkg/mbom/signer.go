package mbom

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/varunsripad123/sentineldf/pkg/ml"
)

// Signer signs and validates attestation records with a pre-shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time // injectable for timestamp tests
}

// NewSigner creates a signer. The secret is required; key management beyond
// accepting the pre-provisioned value is out of scope.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("hmac secret is required")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// canonicalPayload is the exact byte sequence the signature binds. Field
// order is fixed by the struct; the timestamp is a pre-formatted string so
// serialization never drifts.
type canonicalPayload struct {
	RecordID      string       `json:"record_id"`
	BatchID       string       `json:"batch_id"`
	Approver      string       `json:"approver"`
	Timestamp     string       `json:"timestamp"`
	Summary       BatchSummary `json:"summary"`
	ResultsDigest string       `json:"results_digest"`
}

// Attest builds and signs the attestation record for a completed batch.
// Results must be in document order; the digest binds that order. An empty
// batch is attestable (a receipt that nothing was scanned is still a
// receipt), but the approver identity is required.
func (s *Signer) Attest(batchID, approver string, results []ml.DetectionResult) (AttestationRecord, error) {
	if approver == "" {
		return AttestationRecord{}, fmt.Errorf("approver is required")
	}
	record := AttestationRecord{
		RecordID:      NewRecordID(),
		BatchID:       batchID,
		Approver:      approver,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
		Summary:       Summarize(batchID, results),
		ResultsDigest: ResultsDigest(results),
	}

	sig, err := s.sign(record)
	if err != nil {
		return AttestationRecord{}, err
	}
	record.Signature = sig
	return record, nil
}

// sign computes the hex HMAC-SHA256 over the record's canonical payload.
func (s *Signer) sign(record AttestationRecord) (string, error) {
	payload := canonicalPayload{
		RecordID:      record.RecordID,
		BatchID:       record.BatchID,
		Approver:      record.Approver,
		Timestamp:     record.Timestamp,
		Summary:       record.Summary,
		ResultsDigest: record.ResultsDigest,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serialize payload: %w", err)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Validate recomputes the MAC over the record's canonical payload and
// compares it against the stored signature in constant time. The comparison
// must never short-circuit on the first differing byte; hmac.Equal prevents
// timing side channels from leaking where signatures diverge.
//
// Validation is idempotent and side-effect free, and never fails the
// process: structural problems report malformed, everything else is valid
// or signature_mismatch.
func (s *Signer) Validate(record AttestationRecord) Outcome {
	if record.RecordID == "" || record.BatchID == "" || record.Timestamp == "" ||
		record.ResultsDigest == "" || record.Signature == "" {
		return OutcomeMalformed
	}
	if _, err := time.Parse(time.RFC3339, record.Timestamp); err != nil {
		return OutcomeMalformed
	}
	stored, err := hex.DecodeString(record.Signature)
	if err != nil || len(stored) != sha256.Size {
		return OutcomeMalformed
	}

	expected, err := s.sign(record)
	if err != nil {
		return OutcomeMalformed
	}
	expectedBytes, _ := hex.DecodeString(expected)

	if !hmac.Equal(stored, expectedBytes) {
		return OutcomeSignatureMismatch
	}
	return OutcomeValid
}
