package generate

import (
	"fmt"
	"regexp"
	"strings"
)

// IssueCategory is a closed enumeration of structural output defects. Each
// category has one pure-function detector; new detectors are additive.
type IssueCategory string

const (
	IssueEmpty             IssueCategory = "empty"
	IssuePreamble          IssueCategory = "conversational_preamble"
	IssueTruncationMarker  IssueCategory = "truncation_marker"
	IssueAlternateVersions IssueCategory = "alternate_versions"
	IssueMetaCommentary    IssueCategory = "meta_commentary"
	IssueInstructionLeak   IssueCategory = "instruction_leak"
	IssueTooShort          IssueCategory = "too_short"
	IssuePOVDrift          IssueCategory = "pov_drift"
	// IssueServiceError covers transport failures and timeouts. Retried
	// under the same bounded policy as content issues; the category exists
	// so logs can tell the two apart.
	IssueServiceError IssueCategory = "service_error"
)

// fixableCategories are eligible for exactly one automatic corrective retry
// with an amended prompt naming the defect.
var fixableCategories = map[IssueCategory]bool{
	IssuePreamble:          true,
	IssueTruncationMarker:  true,
	IssueAlternateVersions: true,
	IssueMetaCommentary:    true,
	IssueInstructionLeak:   true,
	IssueServiceError:      true,
}

// Fixable reports whether the category earns an automatic corrective retry.
func (c IssueCategory) Fixable() bool { return fixableCategories[c] }

type Issue struct {
	Category IssueCategory `json:"category"`
	Detail   string        `json:"detail"`
}

// Verdict is the quality gate's result for one generation attempt. Pass is
// true only when zero issues were found and the length minimum is met.
type Verdict struct {
	Pass      bool    `json:"pass"`
	WordCount int     `json:"word_count"`
	Issues    []Issue `json:"issues,omitempty"`
}

// Perspective declares the narrative point of view for POV-drift detection.
type Perspective string

const (
	PerspectiveNone  Perspective = ""
	PerspectiveFirst Perspective = "first"
	PerspectiveThird Perspective = "third"
)

// GateConfig parameterizes the gate for one attempt.
type GateConfig struct {
	// MinWords below which the attempt fails with too_short. Zero disables.
	MinWords int
	// Perspective enables pov_drift for narrative content.
	Perspective Perspective
	// InstructionProbe is a distinctive fragment of the instruction text;
	// when it shows up verbatim in the output, the instructions leaked.
	InstructionProbe string
}

var (
	preamblePhrases = []string{
		"sure,", "sure!", "sure thing", "certainly", "of course", "absolutely",
		"here is", "here's", "here you go", "great question", "i'd be happy",
		"i would be happy", "as requested", "no problem", "okay,", "ok,",
		"i can help", "let me", "understood",
	}

	truncationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\[?\s*rest of (the )?(scene|chapter|text|story|document) (is |remains )?(unchanged|the same)`),
		regexp.MustCompile(`(?i)remainder (of .{0,40})?(is |remains )?(unchanged|the same)`),
		regexp.MustCompile(`(?i)\[\s*(unchanged|continues?|continued|truncated|snip)\s*(\.{3})?\s*\]`),
		regexp.MustCompile(`(?i)\.\.\.\s*\(.{0,30}(unchanged|continued|continues).{0,30}\)`),
		regexp.MustCompile(`(?i)everything (else|below|above) (stays|remains|is) the same`),
	}

	alternatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*(option|version|alternative|variant|take)\s+(\d+|[A-D])\s*[:.\-]`),
		regexp.MustCompile(`(?im)^\s*-{2,}\s*or\s*-{2,}\s*$`),
		regexp.MustCompile(`(?i)\bhere are (two|three|\d+|a few|several) (options|versions|alternatives|takes)\b`),
	}

	metaPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bi('ve| have)? (made|applied) the following (changes|edits|revisions)\b`),
		regexp.MustCompile(`(?i)\bin this (revision|version|draft),? i\b`),
		regexp.MustCompile(`(?im)^\s*changes (made|applied)\s*:`),
		regexp.MustCompile(`(?i)\bi('ve| have) (edited|revised|rewritten|tightened|adjusted)\b`),
		regexp.MustCompile(`(?im)^\s*summary of (changes|edits)\s*:`),
	}

	firstPersonPronouns = regexp.MustCompile(`(?i)\b(i|i'm|i've|i'd|i'll|me|my|mine|myself)\b`)
	thirdPersonPronouns = regexp.MustCompile(`(?i)\b(he|she|they|him|her|them|his|hers|theirs|himself|herself|themselves)\b`)

	quotedDialogue = regexp.MustCompile(`"[^"\n]*"|“[^”\n]*”`)
)

// Evaluate runs every detector over text in a fixed order and composes the
// verdict. Detectors are pure and independent; an attempt may collect several
// issues at once.
func Evaluate(text string, cfg GateConfig) Verdict {
	v := Verdict{WordCount: len(strings.Fields(text))}

	add := func(cat IssueCategory, detail string) {
		v.Issues = append(v.Issues, Issue{Category: cat, Detail: detail})
	}

	if strings.TrimSpace(text) == "" {
		add(IssueEmpty, "output is empty or whitespace-only")
		return v
	}
	if detail, ok := detectPreamble(text); ok {
		add(IssuePreamble, detail)
	}
	if detail, ok := detectTruncationMarker(text); ok {
		add(IssueTruncationMarker, detail)
	}
	if detail, ok := detectAlternateVersions(text); ok {
		add(IssueAlternateVersions, detail)
	}
	if detail, ok := detectMetaCommentary(text); ok {
		add(IssueMetaCommentary, detail)
	}
	if detail, ok := detectInstructionLeak(text, cfg.InstructionProbe); ok {
		add(IssueInstructionLeak, detail)
	}
	if cfg.MinWords > 0 && v.WordCount < cfg.MinWords {
		add(IssueTooShort, fmt.Sprintf("%d words, minimum %d", v.WordCount, cfg.MinWords))
	}
	if detail, ok := detectPOVDrift(text, cfg.Perspective); ok {
		add(IssuePOVDrift, detail)
	}

	v.Pass = len(v.Issues) == 0
	return v
}

// detectPreamble flags responses that open with dialogue-like phrasing
// instead of content.
func detectPreamble(text string) (string, bool) {
	head := strings.ToLower(strings.TrimSpace(text))
	if idx := strings.IndexByte(head, '\n'); idx > 0 {
		head = head[:idx]
	}
	for _, phrase := range preamblePhrases {
		if strings.HasPrefix(head, phrase) {
			return fmt.Sprintf("opens with %q", phrase), true
		}
	}
	return "", false
}

func detectTruncationMarker(text string) (string, bool) {
	for _, re := range truncationPatterns {
		if m := re.FindString(text); m != "" {
			return fmt.Sprintf("truncation marker %q", strings.TrimSpace(m)), true
		}
	}
	return "", false
}

func detectAlternateVersions(text string) (string, bool) {
	for _, re := range alternatePatterns {
		if m := re.FindString(text); m != "" {
			return fmt.Sprintf("multiple versions offered: %q", strings.TrimSpace(m)), true
		}
	}
	return "", false
}

func detectMetaCommentary(text string) (string, bool) {
	for _, re := range metaPatterns {
		if m := re.FindString(text); m != "" {
			return fmt.Sprintf("describes edits instead of containing them: %q", strings.TrimSpace(m)), true
		}
	}
	return "", false
}

func detectInstructionLeak(text, probe string) (string, bool) {
	probe = strings.TrimSpace(probe)
	if probe == "" {
		return "", false
	}
	if strings.Contains(text, probe) {
		return "instruction text appears verbatim in output", true
	}
	return "", false
}

// detectPOVDrift compares pronoun usage outside quoted dialogue against the
// declared perspective. Dialogue is stripped first so first-person speech in
// a third-person narrative doesn't trip the detector.
func detectPOVDrift(text string, want Perspective) (string, bool) {
	if want == PerspectiveNone {
		return "", false
	}
	narration := quotedDialogue.ReplaceAllString(text, " ")
	first := len(firstPersonPronouns.FindAllString(narration, -1))
	third := len(thirdPersonPronouns.FindAllString(narration, -1))
	total := first + third
	if total < 5 {
		// Not enough signal to judge.
		return "", false
	}
	switch want {
	case PerspectiveThird:
		if float64(first)/float64(total) > 0.3 {
			return fmt.Sprintf("declared third person but %d/%d narration pronouns are first person", first, total), true
		}
	case PerspectiveFirst:
		if first == 0 {
			return "declared first person but narration has no first-person pronouns", true
		}
	}
	return "", false
}
