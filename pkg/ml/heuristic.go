package ml

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/varunsripad123/sentineldf/pkg/patterns"
)

// ErrAllRulesFailed reports that no rule could evaluate the document. Single
// rule failures are skipped silently (fail-open per rule).
var ErrAllRulesFailed = errors.New("heuristic evaluation failed: all rules errored")

// Duplication rule thresholds.
const (
	duplicationRatioThreshold = 0.7
	duplicationMinTokens      = 5
)

// Rare token rule thresholds.
const (
	rareTokenMinLength      = 15
	rareTokenCharClassRatio = 0.6
	rareTokenMaxCounted     = 3
)

// Composite amplification: three or more independent rule classes firing on
// the same document is itself evidence of intent.
const (
	compositeMinClasses = 3
	compositeMultiplier = 1.1
)

// ruleInput carries the per-document state shared across rule evaluators so
// tokenization happens once.
type ruleInput struct {
	text   string // normalized text
	tokens []string
}

// heuristicRule is one entry in the ordered rule table. Eval returns the
// points contributed and the fired reasons; an error skips the rule without
// aborting the document.
type heuristicRule struct {
	Name string
	Eval func(*ruleInput) (float64, []string, error)
}

// HeuristicDetector evaluates the ordered rule table against normalized text.
// Stateless and safe for concurrent use.
type HeuristicDetector struct {
	rules    []heuristicRule
	registry *patterns.Registry
}

// NewHeuristicDetector builds the detector with the default rule table.
func NewHeuristicDetector() *HeuristicDetector {
	d := &HeuristicDetector{registry: patterns.Get()}
	d.rules = []heuristicRule{
		{"instruction_override", d.evalInstructionOverride},
		{"backdoor_trigger", d.evalBackdoorTrigger},
		{"token_duplication", d.evalTokenDuplication},
		{"bracketed_anomaly", d.evalBracketedAnomaly},
		{"obfuscation", d.evalObfuscation},
		{"fenced_system_block", d.evalFencedSystemBlock},
		{"structural_hiding", d.evalStructuralHiding},
		{"secret_exfiltration", d.evalSecretExfiltration},
		{"rare_tokens", d.evalRareTokens},
		{"high_entropy", d.evalHighEntropy},
	}
	return d
}

// Evaluate runs every rule against the normalized text and returns the
// aggregate score in [0,1] plus every fired reason in rule-table order.
//
// Failure mode is fail-open per rule: a rule that cannot evaluate is skipped
// and the rest proceed. The document-level error fires only when every rule
// fails.
func (d *HeuristicDetector) Evaluate(normalized string) (float64, []string, error) {
	in := &ruleInput{
		text:   normalized,
		tokens: strings.Fields(normalized),
	}

	total := 0.0
	var reasons []string
	firedClasses := 0
	failed := 0

	for _, rule := range d.rules {
		points, ruleReasons, err := rule.Eval(in)
		if err != nil {
			failed++
			continue
		}
		if points > 0 {
			firedClasses++
			total += points
			reasons = append(reasons, ruleReasons...)
		}
	}

	if failed == len(d.rules) {
		return 0, nil, fmt.Errorf("%w (%d rules)", ErrAllRulesFailed, failed)
	}

	if firedClasses >= compositeMinClasses {
		total *= compositeMultiplier
		reasons = append(reasons, fmt.Sprintf("composite attack: %d independent signal classes", firedClasses))
	}

	if total > 100 {
		total = 100
	}
	return total / 100.0, reasons, nil
}

// --- Rule 1: instruction-override phrases, scaled by occurrence count ---

func (d *HeuristicDetector) evalInstructionOverride(in *ruleInput) (float64, []string, error) {
	count := d.registry.CountMatches(in.text, patterns.CategoryInstructionOverride)
	if count == 0 {
		return 0, nil, nil
	}
	points := 40.0 * float64(count)
	return points, []string{fmt.Sprintf("instruction override phrasing (%d occurrences)", count)}, nil
}

// --- Rule 2: backdoor / conditional-trigger constructions ---

func (d *HeuristicDetector) evalBackdoorTrigger(in *ruleInput) (float64, []string, error) {
	matches := d.registry.MatchAll(in.text, patterns.CategoryBackdoorTrigger)
	if len(matches) == 0 {
		return 0, nil, nil
	}
	return 35, []string{"backdoor trigger construction: " + matches[0].Description}, nil
}

// --- Rule 3: extreme token duplication ---

func (d *HeuristicDetector) evalTokenDuplication(in *ruleInput) (float64, []string, error) {
	if len(in.tokens) < duplicationMinTokens {
		return 0, nil, nil
	}
	counts := make(map[string]int, len(in.tokens))
	top := 0
	topToken := ""
	for _, tok := range in.tokens {
		counts[tok]++
		if counts[tok] > top {
			top = counts[tok]
			topToken = tok
		}
	}
	ratio := float64(top) / float64(len(in.tokens))
	if ratio < duplicationRatioThreshold {
		return 0, nil, nil
	}
	return 30, []string{fmt.Sprintf("extreme token duplication: %q is %.0f%% of tokens", topToken, ratio*100)}, nil
}

// --- Rule 4: bracketed markers, scored higher with an abrupt domain shift ---

// Small vocabularies for the domain-shift check. Clinical terms adjacent to
// unrelated consumer/commerce terms inside a bracketed-marker document is a
// classic data-poisoning shape.
var (
	clinicalVocab = map[string]bool{
		"patient": true, "diagnosis": true, "prescribed": true, "dosage": true,
		"symptoms": true, "hypertension": true, "mg": true, "clinical": true,
		"treatment": true, "blood": true, "pressure": true,
	}
	consumerVocab = map[string]bool{
		"buy": true, "discount": true, "sale": true, "brand": true,
		"subscribe": true, "click": true, "offer": true, "deal": true,
		"shop": true, "coupon": true,
	}
	domainShiftWindow = 12
)

func (d *HeuristicDetector) evalBracketedAnomaly(in *ruleInput) (float64, []string, error) {
	matches := d.registry.MatchAll(in.text, patterns.CategoryBracketedMarker)
	if len(matches) == 0 {
		return 0, nil, nil
	}
	points := 15.0
	reasons := []string{"bracketed injection marker: " + matches[0].Description}
	if hasDomainShift(in.tokens) {
		points += 20
		reasons = append(reasons, "abrupt domain shift adjacent to marker")
	}
	return points, reasons, nil
}

// hasDomainShift reports whether clinical and consumer vocabulary co-occur
// within a short token window.
func hasDomainShift(tokens []string) bool {
	lastClinical, lastConsumer := -1, -1
	for i, tok := range tokens {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if clinicalVocab[tok] {
			lastClinical = i
		}
		if consumerVocab[tok] {
			lastConsumer = i
		}
		if lastClinical >= 0 && lastConsumer >= 0 {
			gap := lastClinical - lastConsumer
			if gap < 0 {
				gap = -gap
			}
			if gap <= domainShiftWindow {
				return true
			}
		}
	}
	return false
}

// --- Rule 5: obfuscation (leetspeak, zero-width/bidi control characters) ---

func (d *HeuristicDetector) evalObfuscation(in *ruleInput) (float64, []string, error) {
	points := 0.0
	var reasons []string
	if containsLeetspeak(in.text) {
		points += 20
		reasons = append(reasons, "leetspeak-style character substitution")
	}
	if d.registry.MatchAny(in.text, patterns.CategoryObfuscation) != nil {
		points += 15
		reasons = append(reasons, "zero-width or bidirectional control characters")
	}
	return points, reasons, nil
}

// containsLeetspeak checks for actual leetspeak patterns (letter+digit+letter
// sequences like "1gn0r3") vs incidental numbers like recipe measurements
// "2 1/4 cups". Returns true only for patterns that look like intentional
// letter substitution.
func containsLeetspeak(text string) bool {
	leetDigits := map[rune]bool{'0': true, '1': true, '3': true}
	leetChars := map[rune]bool{'@': true, '$': true}

	runes := []rune(text)
	for i := 1; i < len(runes)-1; i++ {
		curr := runes[i]
		prev := runes[i-1]
		next := runes[i+1]

		if leetDigits[curr] {
			if (unicode.IsLetter(prev) || leetChars[prev]) &&
				(unicode.IsLetter(next) || leetChars[next]) {
				return true
			}
		}

		if leetChars[curr] {
			if unicode.IsLetter(prev) && unicode.IsLetter(next) {
				return true
			}
		}
	}

	return false
}

// --- Rule 6: fenced pseudo-system blocks, HTML comment instructions ---

func (d *HeuristicDetector) evalFencedSystemBlock(in *ruleInput) (float64, []string, error) {
	matches := d.registry.MatchAll(in.text, patterns.CategoryFencedSystemBlock)
	if len(matches) == 0 {
		return 0, nil, nil
	}
	return 30, []string{"fenced pseudo-system block: " + matches[0].Description}, nil
}

// --- Rule 7: structural hiding (script tags, entity escapes) ---

func (d *HeuristicDetector) evalStructuralHiding(in *ruleInput) (float64, []string, error) {
	matches := d.registry.MatchAll(in.text, patterns.CategoryStructuralHiding)
	if len(matches) == 0 {
		return 0, nil, nil
	}
	return 25, []string{"structural hiding: " + matches[0].Description}, nil
}

// --- Rule 8: secret-exfiltration phrasing ---

func (d *HeuristicDetector) evalSecretExfiltration(in *ruleInput) (float64, []string, error) {
	matches := d.registry.MatchAll(in.text, patterns.CategoryExfiltration)
	if len(matches) == 0 {
		return 0, nil, nil
	}
	return 35, []string{"secret exfiltration phrasing: " + matches[0].Description}, nil
}

// --- Rule 9: high-entropy / rare tokens ---

func (d *HeuristicDetector) evalRareTokens(in *ruleInput) (float64, []string, error) {
	counted := 0
	for _, tok := range in.tokens {
		if len(tok) < rareTokenMinLength {
			continue
		}
		if charClassRatio(tok) > rareTokenCharClassRatio {
			counted++
			if counted == rareTokenMaxCounted {
				break
			}
		}
	}
	if counted == 0 {
		return 0, nil, nil
	}
	return 25.0 * float64(counted), []string{fmt.Sprintf("rare high-entropy tokens (%d)", counted)}, nil
}

// charClassRatio is the share of digits, symbols, and uppercase in a token.
func charClassRatio(tok string) float64 {
	if tok == "" {
		return 0
	}
	n, total := 0, 0
	for _, r := range tok {
		total++
		if unicode.IsDigit(r) || unicode.IsUpper(r) ||
			unicode.IsSymbol(r) || unicode.IsPunct(r) {
			n++
		}
	}
	return float64(n) / float64(total)
}

// --- Rule 10: whole-document Shannon entropy ---

func (d *HeuristicDetector) evalHighEntropy(in *ruleInput) (float64, []string, error) {
	if len(in.text) < 50 {
		return 0, nil, nil
	}
	entropy := CalculateEntropy(in.text)
	if entropy <= 6.0 {
		return 0, nil, nil
	}
	return 10, []string{fmt.Sprintf("high document entropy (%.2f bits/char)", entropy)}, nil
}

// CalculateEntropy returns the Shannon entropy of the text in bits per
// character. High entropy (>5.5-6.0) often indicates randomized, encrypted,
// or compressed data.
func CalculateEntropy(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	counts := make(map[rune]float64)
	total := 0.0
	for _, r := range text {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, count := range counts {
		p := count / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
