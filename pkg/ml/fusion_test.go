package ml

import (
	"math"
	"testing"
)

func TestFuseRiskFormula(t *testing.T) {
	tests := []struct {
		name      string
		wH, wE    float64
		threshold int
		h, e      float64
		wantRisk  int
		wantQuar  bool
	}{
		{"both zero", 0.4, 0.6, 70, 0, 0, 0, false},
		{"both max", 0.4, 0.6, 70, 1, 1, 100, true},
		{"default split at threshold", 0.4, 0.6, 70, 1.0, 0.5, 70, true},
		{"just below threshold", 0.4, 0.6, 70, 0.4, 0.85, 67, false},
		{"heuristic only signal", 0.4, 0.6, 70, 0.8, 0, 32, false},
		{"embedding only signal", 0.4, 0.6, 70, 0, 0.9, 54, false},
		{"heuristic biased preset", 0.55, 0.45, 60, 0.8, 0.5, 67, true},
		{"rounding", 0.4, 0.6, 70, 0.5, 0.5, 50, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFusion(tt.wH, tt.wE, tt.threshold)
			res := f.Fuse("fp", tt.h, tt.e, nil)
			if res.Risk != tt.wantRisk {
				t.Errorf("Risk = %d, want %d", res.Risk, tt.wantRisk)
			}
			if res.Quarantine != tt.wantQuar {
				t.Errorf("Quarantine = %v, want %v", res.Quarantine, tt.wantQuar)
			}
		})
	}
}

func TestFuseDeterminism(t *testing.T) {
	f := NewFusion(0.4, 0.6, 70)
	a := f.Fuse("fp", 0.31, 0.77, []string{"r1", "r2"})
	b := f.Fuse("fp", 0.31, 0.77, []string{"r1", "r2"})

	if a.Risk != b.Risk || a.Quarantine != b.Quarantine || a.Confidence != b.Confidence {
		t.Errorf("fusion not deterministic: %+v vs %+v", a, b)
	}
}

func TestThresholdMonotonicity(t *testing.T) {
	// If a risk quarantines at a higher threshold, it quarantines at every
	// lower one.
	for risk := 0; risk <= 100; risk += 5 {
		score := float64(risk) / 100.0
		for t2 := 1; t2 <= 100; t2 += 9 {
			for t1 := 0; t1 < t2; t1 += 7 {
				hi := NewFusion(0.5, 0.5, t2).Fuse("fp", score, score, nil)
				lo := NewFusion(0.5, 0.5, t1).Fuse("fp", score, score, nil)
				if hi.Quarantine && !lo.Quarantine {
					t.Fatalf("risk %d quarantined at threshold %d but not at %d", risk, t2, t1)
				}
			}
		}
	}
}

func TestConfidenceTracksAgreement(t *testing.T) {
	f := NewFusion(0.4, 0.6, 70)

	agree := f.Fuse("fp", 0.8, 0.8, nil)
	if math.Abs(agree.Confidence-1.0) > 1e-9 {
		t.Errorf("Confidence with identical signals = %v, want 1.0", agree.Confidence)
	}

	diverge := f.Fuse("fp", 0.1, 0.9, nil)
	if diverge.Confidence >= agree.Confidence {
		t.Errorf("diverging signals should lower confidence: %v >= %v", diverge.Confidence, agree.Confidence)
	}

	// Confidence never gates the decision: high risk quarantines even with
	// fully diverging signals.
	res := NewFusion(0.0, 1.0, 70).Fuse("fp", 0.0, 1.0, nil)
	if !res.Quarantine {
		t.Error("quarantine must depend only on risk vs threshold")
	}
}

func TestFuseNormalizesNilReasons(t *testing.T) {
	f := NewFusion(0.4, 0.6, 70)
	res := f.Fuse("fp", 0, 0, nil)
	if res.Reasons == nil {
		t.Error("Reasons should serialize as an empty list, not null")
	}
}
