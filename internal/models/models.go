package models

import (
	"strings"
	"time"
)

// AgeGroup selects filter thresholds and generation parameters.
type AgeGroup string

const (
	AgeGroupYoung AgeGroup = "YOUNG"
	AgeGroupOlder AgeGroup = "OLDER"
)

// ParseAgeGroup normalises user input; anything that is not OLDER is treated as YOUNG,
// the stricter of the two.
func ParseAgeGroup(s string) AgeGroup {
	if AgeGroup(strings.ToUpper(strings.TrimSpace(s))) == AgeGroupOlder {
		return AgeGroupOlder
	}
	return AgeGroupYoung
}

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rank orders severities so the highest matched one can be kept.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// SafetyValidation is a fresh, immutable verdict from the safety filter.
type SafetyValidation struct {
	Passed   bool     `json:"passed"`
	Flags    []string `json:"flags"`
	Severity Severity `json:"severity"`
}

type IncidentType string

const (
	IncidentJailbreakAttempt   IncidentType = "JAILBREAK_ATTEMPT"
	IncidentPIIDetected        IncidentType = "PII_DETECTED"
	IncidentProfanity          IncidentType = "PROFANITY"
	IncidentInappropriateTopic IncidentType = "INAPPROPRIATE_TOPIC"
	IncidentHarmfulContent     IncidentType = "HARMFUL_CONTENT"
	IncidentBlockedByGemini    IncidentType = "BLOCKED_BY_GEMINI"
)

// SafetyIncident is an append-only audit record of a rejected interaction.
type SafetyIncident struct {
	ID           string       `db:"id" json:"id"`
	SubjectID    string       `db:"subject_id" json:"subject_id"`
	IncidentType IncidentType `db:"incident_type" json:"incident_type"`
	Severity     Severity     `db:"severity" json:"severity"`
	InputText    string       `db:"input_text" json:"input_text"`
	OutputText   string       `db:"output_text" json:"output_text,omitempty"`
	Flags        []string     `db:"flags" json:"flags"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
}

// SafetyRating mirrors the per-category rating the model attaches to a candidate.
type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// ChatExchange is the result of one chat turn. When WasFiltered is set, Content is
// always the fixed fallback message.
type ChatExchange struct {
	Content        string         `json:"content"`
	WasFiltered    bool           `json:"was_filtered"`
	FilterReason   string         `json:"filter_reason,omitempty"`
	SafetyRatings  []SafetyRating `json:"safety_ratings,omitempty"`
	TokensUsed     int            `json:"tokens_used,omitempty"`
	ResponseTimeMs int64          `json:"response_time_ms"`
}

type SourceType string

const (
	SourcePDF     SourceType = "PDF"
	SourceImage   SourceType = "IMAGE"
	SourceYoutube SourceType = "YOUTUBE"
	SourceText    SourceType = "TEXT"
)

type ProcessingStatus string

const (
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusCompleted  ProcessingStatus = "COMPLETED"
	StatusFailed     ProcessingStatus = "FAILED"
)

// Chapter is one section of an analysed lesson.
type Chapter struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// VocabularyItem is a word worth teaching, with a child-friendly definition.
type VocabularyItem struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
}

// ContentAnalysis is the structured output of the lesson analysis call.
type ContentAnalysis struct {
	Title              string           `json:"title"`
	Summary            string           `json:"summary"`
	GradeLevel         string           `json:"grade_level"`
	Chapters           []Chapter        `json:"chapters"`
	KeyConcepts        []string         `json:"key_concepts"`
	Vocabulary         []VocabularyItem `json:"vocabulary"`
	SuggestedQuestions []string         `json:"suggested_questions"`
	ConfidenceScore    float64          `json:"confidence_score"`
}

// Lesson is owned by the upload layer; the ingestion pipeline only writes the
// analysis fields and the processing status.
type Lesson struct {
	ID                 string           `db:"id" json:"id"`
	OwnerID            string           `db:"owner_id" json:"owner_id"`
	Title              string           `db:"title" json:"title"`
	SourceType         SourceType       `db:"source_type" json:"source_type"`
	FileURL            string           `db:"file_url" json:"file_url,omitempty"`
	YoutubeURL         string           `db:"youtube_url" json:"youtube_url,omitempty"`
	ExtractedText      string           `db:"extracted_text" json:"extracted_text,omitempty"`
	Summary            string           `db:"summary" json:"summary,omitempty"`
	GradeLevel         string           `db:"grade_level" json:"grade_level,omitempty"`
	Chapters           []Chapter        `db:"chapters" json:"chapters,omitempty"`
	KeyConcepts        []string         `db:"key_concepts" json:"key_concepts,omitempty"`
	Vocabulary         []VocabularyItem `db:"vocabulary" json:"vocabulary,omitempty"`
	SuggestedQuestions []string         `db:"suggested_questions" json:"suggested_questions,omitempty"`
	ConfidenceScore    float64          `db:"confidence_score" json:"confidence_score"`
	ProcessingStatus   ProcessingStatus `db:"processing_status" json:"processing_status"`
	ProcessingError    string           `db:"processing_error" json:"processing_error,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// ChatRole tags a history entry for the model.
type ChatRole string

const (
	RoleUser  ChatRole = "user"
	RoleModel ChatRole = "model"
)

// ChatMessage represents an individual delivered chat message.
type ChatMessage struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	SubjectID      string    `db:"subject_id" json:"subject_id"`
	Role           ChatRole  `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	WasFiltered    bool      `db:"was_filtered" json:"was_filtered"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

type QuizQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	AnswerIndex int      `json:"answer_index"`
	Explanation string   `json:"explanation,omitempty"`
}

type Quiz struct {
	Title     string         `json:"title"`
	Questions []QuizQuestion `json:"questions"`
}
