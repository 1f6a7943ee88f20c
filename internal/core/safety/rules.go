package safety

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/markdave123-py/Sprout/internal/models"
)

// Stage is a bitmask of the texts a rule guards. StageSource is lesson
// material sent for generation.
type Stage uint8

const (
	StageInput Stage = 1 << iota
	StageOutput
	StageSource

	StageBoth = StageInput | StageOutput
	StageAll  = StageBoth | StageSource
)

// Rule is one row of the filter table.
//
// Mild rules do not fire on their own: their matches are counted together and
// only flagged once the total exceeds the age group's MildTermTolerance.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Flag     Flag
	Severity models.Severity
	Stage    Stage
	Mild     bool
}

func rule(name, pattern string, flag Flag, sev models.Severity, stage Stage) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(pattern), Flag: flag, Severity: sev, Stage: stage}
}

func mild(name, pattern string, flag Flag, stage Stage) Rule {
	r := rule(name, pattern, flag, models.SeverityLow, stage)
	r.Mild = true
	return r
}

// DefaultRules is the built-in table, evaluated in order.
func DefaultRules() []Rule {
	return []Rule{
		rule("ignore_instructions",
			`(?i)\b(ignore|forget|disregard)\s+(all\s+|any\s+|the\s+)?(previous|prior|above|earlier|your)\s+(instructions|rules|prompts?|directions)\b`,
			FlagJailbreak, models.SeverityHigh, StageInput|StageSource),
		rule("persona_override",
			`(?i)\b(pretend|act\s+as\s+if|imagine)\s+(that\s+)?(you\s+are|you're)\s+(not\s+an?\s+ai|unfiltered|uncensored|evil|without\s+rules)\b`,
			FlagJailbreak, models.SeverityHigh, StageInput|StageSource),
		rule("jailbreak_keywords",
			`(?i)\b(jailbreak|dan\s+mode|developer\s+mode|god\s+mode)\b`,
			FlagJailbreak, models.SeverityHigh, StageInput|StageSource),
		rule("reveal_system_prompt",
			`(?i)\b(show|reveal|tell\s+me|print|repeat|what\s+is)\b.{0,20}\b(system\s+prompt|your\s+(hidden\s+|secret\s+)?(instructions|rules))\b`,
			FlagJailbreak, models.SeverityMedium, StageInput),
		rule("no_restrictions",
			`(?i)\byou\s+(have|has)\s+no\s+(rules|restrictions|limits|filters)\b`,
			FlagJailbreak, models.SeverityHigh, StageInput|StageSource),

		rule("asks_personal_info",
			`(?i)\b(what(?:'s|\s+is)\s+your|tell\s+me\s+your|give\s+me\s+your|send\s+me\s+your|share\s+your)\s+(home\s+|full\s+|real\s+|last\s+)?(address|phone(\s+number)?|last\s+name|surname|school|password|email|location)\b`,
			FlagPIIRequest, models.SeverityHigh, StageBoth),
		rule("phone_number",
			`\b(?:\+?\d{1,2}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`,
			FlagPIIShared, models.SeverityMedium, StageBoth),
		rule("email_address",
			`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`,
			FlagPIIShared, models.SeverityMedium, StageBoth),
		rule("street_address",
			`(?i)\b\d{1,5}\s+\w+(\s+\w+)?\s+(street|st|avenue|ave|road|rd|lane|ln|drive|dr|boulevard|blvd|court|ct)\b`,
			FlagPIIShared, models.SeverityMedium, StageBoth),
		rule("shares_personal_info",
			`(?i)\bmy\s+(home\s+)?(address|password|phone\s+number|last\s+name)\s+is\b`,
			FlagPIIShared, models.SeverityMedium, StageBoth),

		rule("profanity",
			`(?i)\b(fuck\w*|shit\w*|bitch\w*|asshole\w*|bastard\w*|cunt\w*|dickhead\w*|motherf\w*|wtf|stfu)\b`,
			FlagProfanity, models.SeverityMedium, StageAll),
		mild("mild_language",
			`(?i)\b(stupid|idiot|dumb|shut\s+up|hate\s+you|loser|crap|damn|hell)\b`,
			FlagMildLanguage, StageBoth),

		rule("sexual_content",
			`(?i)\b(sex|sexual|sexy|porn\w*|nudes?|naked|onlyfans|hentai|erotic\w*)\b`,
			FlagInappropriateTopic, models.SeverityHigh, StageAll),
		rule("drugs_alcohol",
			`(?i)\b(cocaine|heroin|meth|methamphetamine|marijuana|vaping|get(ting)?\s+(drunk|high))\b`,
			FlagInappropriateTopic, models.SeverityMedium, StageAll),
		rule("gambling",
			`(?i)\b(gambling|casino|sports\s+betting)\b`,
			FlagInappropriateTopic, models.SeverityMedium, StageAll),
		rule("weapons_violence",
			`(?i)\b(how\s+to\s+(make|build)\s+(a\s+)?(bomb|weapon|gun|explosive)|kill\s+(you|him|her|them|someone|everyone)|shoot\s+up|stab\s+(you|him|her|them|someone))\b`,
			FlagViolence, models.SeverityHigh, StageAll),
		rule("self_harm",
			`(?i)\b(kill\s+myself|suicid\w*|self[\s-]?harm|cut(ting)?\s+myself|want\s+to\s+die|end\s+my\s+life)\b`,
			FlagSelfHarm, models.SeverityHigh, StageAll),
		rule("off_platform_contact",
			`(?i)\b(meet\s+(me|up)\s+(in\s+person|somewhere|after\s+school)|add\s+me\s+on|dm\s+me|(snapchat|instagram|discord|whatsapp|telegram|tiktok)\s+(handle|username|id))\b`,
			FlagOffPlatformContact, models.SeverityHigh, StageAll),
		rule("secrecy_request",
			`(?i)\b(don'?t|do\s+not)\s+tell\s+(your\s+)?(parents?|mom|mum|dad|teacher|anyone)\b|\bour\s+(little\s+)?secret\b`,
			FlagSecrecyRequest, models.SeverityHigh, StageAll),
	}
}

// Thresholds are the age-dependent limits applied on top of the rule table.
type Thresholds struct {
	MaxInputRunes     int
	MaxLinks          int
	MildTermTolerance int
}

// DefaultThresholds returns the limits for each age group. YOUNG is the stricter set.
func DefaultThresholds() map[models.AgeGroup]Thresholds {
	return map[models.AgeGroup]Thresholds{
		models.AgeGroupYoung: {MaxInputRunes: 500, MaxLinks: 0, MildTermTolerance: 0},
		models.AgeGroupOlder: {MaxInputRunes: 1000, MaxLinks: 1, MildTermTolerance: 2},
	}
}

type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Flag     string `yaml:"flag"`
	Severity string `yaml:"severity"`
	Stage    string `yaml:"stage"`
	Mild     bool   `yaml:"mild"`
}

// LoadRulesFile reads extra rules from a YAML file of the form
//
//	rules:
//	  - name: school_slur
//	    pattern: "(?i)\\bsomeword\\b"
//	    flag: profanity
//	    severity: MEDIUM
//	    stage: both
func LoadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules decodes the YAML rule format described on LoadRulesFile.
func ParseRules(raw []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	out := make([]Rule, 0, len(f.Rules))
	for i, def := range f.Rules {
		if def.Name == "" {
			def.Name = fmt.Sprintf("custom_%d", i+1)
		}
		if def.Pattern == "" || def.Flag == "" {
			return nil, fmt.Errorf("rule %q: pattern and flag are required", def.Name)
		}
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", def.Name, err)
		}
		stage, err := parseStage(def.Stage)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", def.Name, err)
		}
		sev := models.Severity(strings.ToUpper(def.Severity))
		if sev.Rank() == 0 {
			sev = models.SeverityMedium
		}
		if def.Mild {
			sev = models.SeverityLow
		}
		out = append(out, Rule{
			Name:     def.Name,
			Pattern:  re,
			Flag:     Flag(def.Flag),
			Severity: sev,
			Stage:    stage,
			Mild:     def.Mild,
		})
	}
	return out, nil
}

func parseStage(s string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return StageBoth, nil
	case "input":
		return StageInput, nil
	case "output":
		return StageOutput, nil
	case "source":
		return StageSource, nil
	case "all":
		return StageAll, nil
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}
