package safety

import (
	"strings"

	"github.com/markdave123-py/Sprout/internal/models"
)

// Flag tags one kind of violation. A validation may carry several.
type Flag string

const (
	FlagJailbreak          Flag = "jailbreak_attempt"
	FlagPIIRequest         Flag = "pii_request"
	FlagPIIShared          Flag = "pii_shared"
	FlagProfanity          Flag = "profanity"
	FlagMildLanguage       Flag = "mild_language"
	FlagInappropriateTopic Flag = "inappropriate_topic"
	FlagViolence           Flag = "violence"
	FlagSelfHarm           Flag = "self_harm"
	FlagOffPlatformContact Flag = "off_platform_contact"
	FlagSecrecyRequest     Flag = "secrecy_request"
	FlagExternalLink       Flag = "external_link"
)

// IncidentTypeFor maps a flag set to one incident type by priority:
// jailbreak, then PII, then profanity, then inappropriate topic. Flags outside
// those families resolve to fallback.
func IncidentTypeFor(flags []string, fallback models.IncidentType) models.IncidentType {
	has := func(want ...Flag) bool {
		for _, f := range flags {
			for _, w := range want {
				if Flag(f) == w {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has(FlagJailbreak):
		return models.IncidentJailbreakAttempt
	case has(FlagPIIRequest, FlagPIIShared):
		return models.IncidentPIIDetected
	case has(FlagProfanity, FlagMildLanguage):
		return models.IncidentProfanity
	case has(FlagInappropriateTopic):
		return models.IncidentInappropriateTopic
	}
	return fallback
}

// JoinFlags renders flags the way they are reported as a filter reason.
func JoinFlags(flags []string) string {
	return strings.Join(flags, ", ")
}
