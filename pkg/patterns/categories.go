package patterns

// =============================================================================
// PATTERN DEFINITIONS BY RULE CLASS
// All patterns are registered here and compiled once at package init.
// Patterns run against normalized (lower-cased, whitespace-collapsed) text,
// so the regexes are written in lower case.
// =============================================================================

// --- INSTRUCTION OVERRIDE PATTERNS ---
// Phrases that attempt to override prior instructions or disable safety.
// Weight scales with occurrence count, so these register individually rather
// than as one giant alternation.
func (r *Registry) registerInstructionOverridePatterns() {
	cat := CategoryInstructionOverride

	r.register("ignore_previous", `ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)`, cat, 40, "Override of prior instructions")
	r.register("disregard_previous", `disregard\s+(all\s+)?(previous|prior|above|earlier)`, cat, 40, "Disregard prior context")
	r.register("forget_instructions", `forget\s+(everything|all|your)\s+.{0,20}(instructions?|rules?|training)`, cat, 40, "Forget instructions directive")
	r.register("new_instructions", `(your\s+)?new\s+(instructions?|rules?|task)\s+(are|is|:)`, cat, 40, "Replacement instruction block")
	r.register("disable_safety", `(disable|bypass|turn\s+off|remove)\s+.{0,20}(safety|filter|guardrails?|restrictions?|content\s+policy)`, cat, 40, "Safety disable request")
	r.register("reveal_system_prompt", `(reveal|show|print|repeat|output)\s+.{0,20}(system\s+prompt|initial\s+instructions?|hidden\s+instructions?)`, cat, 40, "System prompt extraction")
	r.register("you_are_now", `you\s+are\s+n(ow|o\s+longer)\s+`, cat, 40, "Role reassignment")
	r.register("act_as_unrestricted", `act\s+as\s+(if\s+)?(an?\s+)?(unrestricted|unfiltered|jailbroken|dan)`, cat, 40, "Unrestricted persona request")
}

// --- BACKDOOR / CONDITIONAL-TRIGGER PATTERNS ---
// "when you see X, do Y" constructions that plant behavior keyed to a token.
func (r *Registry) registerBackdoorTriggerPatterns() {
	cat := CategoryBackdoorTrigger

	r.register("conditional_trigger", `(when(ever)?|if)\s+you\s+(see|encounter|read|receive|detect)\s+.{1,60}(,\s*)?(then\s+)?(do|say|output|respond|reply|execute|ignore)`, cat, 35, "Conditional trigger construction")
	r.register("trigger_phrase_decl", `(the\s+)?(trigger|activation|code)\s*(word|phrase|token)\s+(is|:)`, cat, 35, "Declared trigger phrase")
	r.register("on_keyword_act", `upon\s+(seeing|reading|receiving)\s+.{1,40}(respond|output|execute|switch)`, cat, 35, "Keyword-activated behavior")
	r.register("sleeper_directive", `(from\s+now\s+on|in\s+(all\s+)?future\s+(responses?|outputs?))\s+.{0,40}(always|never|secretly)`, cat, 35, "Persistent behavior directive")
}

// --- BRACKETED INJECTION MARKERS ---
// Bracketed pseudo-directives smuggled into body text. Domain-shift scoring
// on top of these lives in the heuristic scorer.
func (r *Registry) registerBracketedMarkerPatterns() {
	cat := CategoryBracketedMarker

	r.register("square_directive", `\[\[?\s*(inject|system|admin|override|hidden|secret|instruction)[^\]]{0,60}\]\]?`, cat, 15, "Bracketed directive marker")
	r.register("angle_directive", `<\s*(inject|system|admin|override|hidden)\b[^>]{0,60}>`, cat, 15, "Angle-bracketed directive marker")
	r.register("curly_directive", `\{\{\s*(inject|system|override)[^}]{0,60}\}\}`, cat, 15, "Template-style directive marker")
}

// --- OBFUSCATION PATTERNS ---
// Zero-width and bidirectional-override control characters. Leetspeak
// detection is algorithmic and lives in the scorer, not here.
func (r *Registry) registerObfuscationPatterns() {
	cat := CategoryObfuscation

	r.register("zero_width_chars", "[\u200b\u200c\u200d\u2060\ufeff]", cat, 15, "Zero-width characters")
	r.register("bidi_override", "[\u202a-\u202e\u2066-\u2069]", cat, 15, "Bidirectional override characters")
}

// --- FENCED PSEUDO-SYSTEM BLOCKS ---
// Delimiter patterns resembling system/role directives, plus instructions
// hidden inside HTML comments.
func (r *Registry) registerFencedSystemBlockPatterns() {
	cat := CategoryFencedSystemBlock

	r.register("chatml_fence", `<\|?(im_start|im_end|system|endoftext)\|?>`, cat, 30, "Chat-template control fence")
	r.register("role_fence", `(^|\n|\s)###?\s*(system|assistant|instruction)\s*:`, cat, 30, "Role-prefixed fence")
	r.register("bracket_role_fence", `\[\s*(system|assistant)\s*\]\s*:?`, cat, 30, "Bracketed role fence")
	r.register("html_comment_instruction", `<!--.{0,200}?(instruction|ignore|system|secret|inject).{0,200}?-->`, cat, 30, "HTML comment hidden instruction")
}

// --- STRUCTURAL HIDING PATTERNS ---
// Markup constructs used to smuggle content past human review.
func (r *Registry) registerStructuralHidingPatterns() {
	cat := CategoryStructuralHiding

	r.register("script_tag", `<script\b[^>]*>`, cat, 25, "Embedded script tag")
	r.register("event_handler_attr", `\bon(load|click|error|mouseover)\s*=`, cat, 25, "Inline event handler")
	r.register("html_entity_run", `(&#x?[0-9a-f]{2,6};\s*){4,}`, cat, 25, "HTML entity escape run")
	r.register("data_uri", `data:[a-z]+/[a-z0-9.+-]+;base64,`, cat, 25, "Base64 data URI")
}

// --- SECRET EXFILTRATION PATTERNS ---
// Disclosure verbs co-located with secret-bearing nouns. Window proximity is
// enforced by the bounded gap in the regex.
func (r *Registry) registerExfiltrationPatterns() {
	cat := CategoryExfiltration

	r.register("leak_secrets", `(reveal|leak|expose|disclose|exfiltrate|send|share|print|dump)\s+(\S+\s+){0,8}?(secrets?|credentials?|passwords?|api\s*keys?|tokens?|private\s+keys?)`, cat, 35, "Disclosure verb near credential noun")
	r.register("leak_training_data", `(reveal|leak|expose|disclose|exfiltrate|extract|dump)\s+(\S+\s+){0,8}?(training\s+data|model\s+weights|internal\s+documents?)`, cat, 35, "Disclosure verb near training data")
	r.register("send_to_attacker", `(send|post|upload|forward)\s+(\S+\s+){0,8}?to\s+(https?://|attacker|this\s+(url|address|endpoint))`, cat, 35, "Outbound delivery instruction")
}
