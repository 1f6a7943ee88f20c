// Package safety classifies text against an ordered rule table. It never errors
// and never performs I/O: a text that matches no rule passes.
package safety

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/Sprout/internal/models"
)

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://\S+|\bwww\.\S+`)

// Filter evaluates text against a fixed rule table and per-age thresholds.
// It is safe for concurrent use.
type Filter struct {
	rules      []Rule
	thresholds map[models.AgeGroup]Thresholds
}

// NewFilter builds a filter over DefaultRules followed by extra.
func NewFilter(extra ...Rule) *Filter {
	rules := append(DefaultRules(), extra...)
	return &Filter{rules: rules, thresholds: DefaultThresholds()}
}

// Rules returns a copy of the active rule table.
func (f *Filter) Rules() []Rule {
	out := make([]Rule, len(f.rules))
	copy(out, f.rules)
	return out
}

// ValidateInput checks a user message before it reaches the model.
func (f *Filter) ValidateInput(text string, age models.AgeGroup) models.SafetyValidation {
	return f.evaluate(text, StageInput, age)
}

// ValidateOutput checks model text before it reaches the user.
func (f *Filter) ValidateOutput(text string, age models.AgeGroup) models.SafetyValidation {
	return f.evaluate(text, StageOutput, age)
}

// ValidateSource checks lesson material before it is sent for generation. Only
// source-stage rules apply: topics and embedded instructions, not the PII,
// link or length limits meant for a child's own messages.
func (f *Filter) ValidateSource(text string, age models.AgeGroup) models.SafetyValidation {
	return f.evaluate(text, StageSource, age)
}

// ValidateContent runs the output rules over every text field of a structured analysis.
func (f *Filter) ValidateContent(a *models.ContentAnalysis, age models.AgeGroup) models.SafetyValidation {
	if a == nil {
		return models.SafetyValidation{Passed: true, Flags: []string{}, Severity: models.SeverityLow}
	}
	parts := []string{a.Title, a.Summary, a.GradeLevel}
	for _, ch := range a.Chapters {
		parts = append(parts, ch.Title, ch.Summary)
	}
	parts = append(parts, a.KeyConcepts...)
	for _, v := range a.Vocabulary {
		parts = append(parts, v.Word, v.Definition)
	}
	parts = append(parts, a.SuggestedQuestions...)
	return f.ValidateOutput(strings.Join(parts, "\n"), age)
}

// InputTooLong reports whether a typed message exceeds the age group's length
// limit. Length is a request limit, not a safety verdict.
func (f *Filter) InputTooLong(text string, age models.AgeGroup) bool {
	th := f.thresholdsFor(age)
	return th.MaxInputRunes > 0 && utf8.RuneCountInString(text) > th.MaxInputRunes
}

func (f *Filter) thresholdsFor(age models.AgeGroup) Thresholds {
	if th, ok := f.thresholds[age]; ok {
		return th
	}
	return f.thresholds[models.AgeGroupYoung]
}

func (f *Filter) evaluate(text string, stage Stage, age models.AgeGroup) models.SafetyValidation {
	th := f.thresholdsFor(age)
	var v verdict

	var (
		mildHits  int
		mildRules []Rule
	)
	for _, r := range f.rules {
		if r.Stage&stage == 0 {
			continue
		}
		if r.Mild {
			if n := len(r.Pattern.FindAllStringIndex(text, -1)); n > 0 {
				mildHits += n
				mildRules = append(mildRules, r)
			}
			continue
		}
		if r.Pattern.MatchString(text) {
			v.add(r.Flag, r.Severity)
		}
	}
	if mildHits > th.MildTermTolerance {
		for _, r := range mildRules {
			v.add(r.Flag, r.Severity)
		}
	}

	if stage != StageSource {
		if n := len(linkPattern.FindAllStringIndex(text, -1)); n > th.MaxLinks {
			v.add(FlagExternalLink, models.SeverityMedium)
		}
	}

	return v.result()
}

// verdict accumulates flags in first-seen order and keeps the highest severity.
type verdict struct {
	flags    []string
	severity models.Severity
}

func (v *verdict) add(flag Flag, sev models.Severity) {
	if sev.Rank() > v.severity.Rank() {
		v.severity = sev
	}
	for _, f := range v.flags {
		if f == string(flag) {
			return
		}
	}
	v.flags = append(v.flags, string(flag))
}

func (v *verdict) result() models.SafetyValidation {
	if len(v.flags) == 0 {
		return models.SafetyValidation{Passed: true, Flags: []string{}, Severity: models.SeverityLow}
	}
	flags := make([]string, len(v.flags))
	copy(flags, v.flags)
	return models.SafetyValidation{Passed: false, Flags: flags, Severity: v.severity}
}
