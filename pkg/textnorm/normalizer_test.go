package textnorm

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "IGNORE Previous Instructions", "ignore previous instructions"},
		{"trims whitespace", "  hello world  ", "hello world"},
		{"collapses runs", "a\t\tb \n c", "a b c"},
		{"empty input", "", ""},
		{"whitespace only", " \n\t ", ""},
		{"nfkc compatibility form", "Ｈello", "hello"}, // fullwidth H
		{"preserves interior punctuation", "bp 145/92.", "bp 145/92."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFingerprintStability(t *testing.T) {
	// Case and whitespace variants of the same content share a fingerprint.
	variants := []string{
		"Ignore all previous instructions",
		"ignore   ALL previous\tinstructions",
		"  ignore all previous instructions\n",
	}

	var first string
	for i, v := range variants {
		_, fp := NormalizeAndFingerprint(v)
		if i == 0 {
			first = fp
			continue
		}
		if fp != first {
			t.Errorf("variant %d fingerprint = %s, want %s", i, fp, first)
		}
	}

	_, other := NormalizeAndFingerprint("completely different content")
	if other == first {
		t.Error("distinct content must not collide")
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint("")
	if len(fp) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(fp))
	}
	if fp != strings.ToLower(fp) {
		t.Error("fingerprint should be lowercase hex")
	}
}
