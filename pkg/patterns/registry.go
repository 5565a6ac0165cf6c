// Package patterns provides a centralized, high-performance pattern registry
// for the heuristic detector. All regex patterns are compiled once at package
// init and shared across all scanners.
//
// Design principles:
// - COMPILE ONCE: All patterns compiled at init, not per-document
// - DRY: Single source of truth for all detection patterns
// - CATEGORIZED: Patterns organized by rule class for targeted scans
// - EXTENSIBLE: Easy to add new patterns without modifying scorer code
package patterns

import (
	"regexp"
	"sync"
)

// Category represents a heuristic rule class
type Category string

const (
	CategoryInstructionOverride Category = "instruction_override"
	CategoryBackdoorTrigger     Category = "backdoor_trigger"
	CategoryBracketedMarker     Category = "bracketed_marker"
	CategoryObfuscation         Category = "obfuscation"
	CategoryFencedSystemBlock   Category = "fenced_system_block"
	CategoryStructuralHiding    Category = "structural_hiding"
	CategoryExfiltration        Category = "exfiltration"
)

// Pattern holds a compiled regex with metadata
type Pattern struct {
	Name        string         // Human-readable name for logging
	Regex       *regexp.Regexp // Compiled regex (never nil after init)
	Category    Category       // Rule class
	Severity    int            // Score contribution on match
	Description string         // What this pattern detects
}

// Registry holds all compiled patterns, organized by category
type Registry struct {
	mu         sync.RWMutex
	byCategory map[Category][]*Pattern
	all        []*Pattern
}

// global singleton - initialized once at package load
var (
	globalRegistry *Registry
	initOnce       sync.Once
)

// Get returns the global pattern registry (singleton)
// Thread-safe and guaranteed to be initialized
func Get() *Registry {
	initOnce.Do(func() {
		globalRegistry = newRegistry()
	})
	return globalRegistry
}

// newRegistry creates and populates the pattern registry
func newRegistry() *Registry {
	r := &Registry{
		byCategory: make(map[Category][]*Pattern),
		all:        make([]*Pattern, 0, 64),
	}

	// Register all rule classes
	r.registerInstructionOverridePatterns()
	r.registerBackdoorTriggerPatterns()
	r.registerBracketedMarkerPatterns()
	r.registerObfuscationPatterns()
	r.registerFencedSystemBlockPatterns()
	r.registerStructuralHidingPatterns()
	r.registerExfiltrationPatterns()

	return r
}

// register adds a pattern to the registry (internal use only)
func (r *Registry) register(name string, pattern string, category Category, severity int, description string) {
	compiled := regexp.MustCompile(pattern)
	p := &Pattern{
		Name:        name,
		Regex:       compiled,
		Category:    category,
		Severity:    severity,
		Description: description,
	}

	r.byCategory[category] = append(r.byCategory[category], p)
	r.all = append(r.all, p)
}

// GetByCategory returns all patterns for a specific category
// Returns empty slice if category not found (never nil)
func (r *Registry) GetByCategory(cat Category) []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if patterns, ok := r.byCategory[cat]; ok {
		return patterns
	}
	return []*Pattern{}
}

// MatchAny checks if text matches any pattern in the given categories
// Returns the first matching pattern or nil
// This is optimized for early exit on first match
func (r *Registry) MatchAny(text string, cats ...Category) *Pattern {
	for _, cat := range cats {
		for _, p := range r.GetByCategory(cat) {
			if p.Regex.MatchString(text) {
				return p
			}
		}
	}
	return nil
}

// MatchAll returns all patterns that match the text in given categories
// Use when you need to know ALL matches (for comprehensive scoring)
func (r *Registry) MatchAll(text string, cats ...Category) []*Pattern {
	var matches []*Pattern
	for _, cat := range cats {
		for _, p := range r.GetByCategory(cat) {
			if p.Regex.MatchString(text) {
				matches = append(matches, p)
			}
		}
	}
	return matches
}

// CountMatches returns the total number of occurrences of category patterns
// in the text. Used by rules whose weight scales with occurrence count.
func (r *Registry) CountMatches(text string, cat Category) int {
	total := 0
	for _, p := range r.GetByCategory(cat) {
		total += len(p.Regex.FindAllStringIndex(text, -1))
	}
	return total
}

// TotalPatterns returns the total count of registered patterns
func (r *Registry) TotalPatterns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// CategoryCount returns the number of patterns in a category
func (r *Registry) CategoryCount(cat Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCategory[cat])
}
