package core

import (
	"context"
)

// ExtractSource is everything an extraction routine may need for one lesson.
type ExtractSource struct {
	LessonID   string
	FileURL    string
	YoutubeURL string
	Text       string
}

// TextExtractor turns one kind of source into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, src ExtractSource) (string, error)
}

// FileFetcher downloads an uploaded file by its stored URL.
type FileFetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

// OCRProvider reads text out of an image.
type OCRProvider interface {
	OCRImageBytes(ctx context.Context, img []byte, mimeType string) (string, error)
}
