package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/Sprout/internal/models"
)

// IngestConfig tunes the lesson pipeline.
//
// Attempts:          runs per job before the lesson is marked FAILED.
// Backoff:           base delay; attempt n waits Backoff * 2^(n-1).
// Workers:           concurrent jobs.
// ProcessTimeout:    bound on one attempt (fetch, extract and analyse).
// MinTextChars:      extracted text shorter than this (after trimming) is an extraction failure.
// MaxAnalysisTokens: approximate token budget of the text sent for analysis.
type IngestConfig struct {
	Attempts          int
	Backoff           time.Duration
	Workers           int
	ProcessTimeout    time.Duration
	MinTextChars      int
	MaxAnalysisTokens int
}

func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Attempts:          3,
		Backoff:           5 * time.Second,
		Workers:           2,
		ProcessTimeout:    5 * time.Minute,
		MinTextChars:      50,
		MaxAnalysisTokens: 30000,
	}
}

func (c *IngestConfig) withDefaults() {
	d := DefaultIngestConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Backoff < 0 {
		c.Backoff = d.Backoff
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = d.ProcessTimeout
	}
	if c.MinTextChars <= 0 {
		c.MinTextChars = d.MinTextChars
	}
	if c.MaxAnalysisTokens <= 0 {
		c.MaxAnalysisTokens = d.MaxAnalysisTokens
	}
}

// ProcessRequest is the job payload for one lesson.
type ProcessRequest struct {
	LessonID   string            `json:"lesson_id"`
	SourceType models.SourceType `json:"source_type"`
	FileURL    string            `json:"file_url,omitempty"`
	YoutubeURL string            `json:"youtube_url,omitempty"`
	Text       string            `json:"text,omitempty"`
	SubjectID  string            `json:"subject_id"`
	AgeGroup   models.AgeGroup   `json:"age_group"`
	Subject    string            `json:"subject,omitempty"`
}

// ProcessingStatus is what pollers see for a lesson.
type ProcessingStatus struct {
	Status models.ProcessingStatus `json:"status"`
	Error  string                  `json:"error,omitempty"`
}

// JobID is the deterministic queue identity of a lesson's processing job.
func JobID(lessonID string) string {
	return "lesson:" + lessonID
}
