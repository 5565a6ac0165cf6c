package mbom

import (
	"testing"

	"github.com/varunsripad123/sentineldf/pkg/ml"
)

func TestSummarize(t *testing.T) {
	results := []ml.DetectionResult{
		{Fingerprint: "a", Risk: 5, Quarantine: false},
		{Fingerprint: "b", Risk: 86, Quarantine: true},
		{Fingerprint: "c", Risk: 70, Quarantine: true},
		{Fingerprint: "d", Risk: 24, Quarantine: false},
		{Fingerprint: "e", Risk: 100, Quarantine: true},
	}

	s := Summarize("batch_x", results)

	if s.BatchID != "batch_x" {
		t.Errorf("BatchID = %q, want batch_x", s.BatchID)
	}
	if s.DocumentCount != 5 {
		t.Errorf("DocumentCount = %d, want 5", s.DocumentCount)
	}
	if s.QuarantinedCount != 3 || s.AllowedCount != 2 {
		t.Errorf("counts = %d quarantined / %d allowed, want 3/2", s.QuarantinedCount, s.AllowedCount)
	}
	if want := (5 + 86 + 70 + 24 + 100) / 5.0; s.AverageRisk != want {
		t.Errorf("AverageRisk = %v, want %v", s.AverageRisk, want)
	}
	if s.P95Risk != 100 {
		t.Errorf("P95Risk = %d, want 100", s.P95Risk)
	}

	var wantHist [10]int
	wantHist[0] = 1 // 5
	wantHist[2] = 1 // 24
	wantHist[7] = 1 // 70
	wantHist[8] = 1 // 86
	wantHist[9] = 1 // 100
	if s.RiskHistogram != wantHist {
		t.Errorf("RiskHistogram = %v, want %v", s.RiskHistogram, wantHist)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize("batch_empty", nil)
	if s.DocumentCount != 0 || s.QuarantinedCount != 0 || s.AllowedCount != 0 {
		t.Errorf("empty summary has nonzero counts: %+v", s)
	}
	if s.AverageRisk != 0 || s.P95Risk != 0 {
		t.Errorf("empty summary has nonzero risk stats: %+v", s)
	}
}

func TestResultsDigestBindsOrder(t *testing.T) {
	a := ml.DetectionResult{Fingerprint: "a", Risk: 10}
	b := ml.DetectionResult{Fingerprint: "b", Risk: 90, Quarantine: true}

	forward := ResultsDigest([]ml.DetectionResult{a, b})
	reversed := ResultsDigest([]ml.DetectionResult{b, a})

	if forward == reversed {
		t.Error("digest must bind result order, not just contents")
	}
	if again := ResultsDigest([]ml.DetectionResult{a, b}); again != forward {
		t.Error("digest of identical ordered lists must match")
	}
}

func TestResultsDigestEmptyList(t *testing.T) {
	if d := ResultsDigest(nil); d == "" {
		t.Error("empty list still has a well-defined digest")
	}
	if ResultsDigest(nil) != ResultsDigest([]ml.DetectionResult{}) {
		t.Error("nil and empty list should digest identically")
	}
}
