package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/Sprout/internal/core"
)

var errMissingFileURL = errors.New("lesson has no file url")

// convertFunc turns a document body into plain text.
type convertFunc func(r io.Reader, contentType string) (string, error)

func docconvConvert(useReadability bool) convertFunc {
	return func(r io.Reader, contentType string) (string, error) {
		res, err := docconv.Convert(r, contentType, useReadability)
		if err != nil {
			return "", err
		}
		return res.Body, nil
	}
}

// DocconvExtractor fetches an uploaded document (PDF, DOCX, ODT, RTF, HTML) and converts it with docconv.
type DocconvExtractor struct {
	fetcher core.FileFetcher
	convert convertFunc
}

func NewDocconvExtractor(fetcher core.FileFetcher, useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{fetcher: fetcher, convert: docconvConvert(useReadability)}
}

func (e *DocconvExtractor) Extract(ctx context.Context, src core.ExtractSource) (string, error) {
	if src.FileURL == "" {
		return "", errMissingFileURL
	}
	data, contentType, err := e.fetcher.Fetch(ctx, src.FileURL)
	if err != nil {
		return "", fmt.Errorf("fetch document: %w", err)
	}
	contentType = resolveContentType(contentType, src.FileURL)
	if isPlainText(contentType) {
		return string(data), nil
	}

	text, err := e.convert(bytes.NewReader(data), contentType)
	if err != nil {
		return "", fmt.Errorf("docconv: extraction failed for content type %q: %w", contentType, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
}

// ImageExtractor fetches an uploaded image and reads it with OCR.
type ImageExtractor struct {
	fetcher core.FileFetcher
	ocr     core.OCRProvider
}

func NewImageExtractor(fetcher core.FileFetcher, ocr core.OCRProvider) *ImageExtractor {
	return &ImageExtractor{fetcher: fetcher, ocr: ocr}
}

func (e *ImageExtractor) Extract(ctx context.Context, src core.ExtractSource) (string, error) {
	if src.FileURL == "" {
		return "", errMissingFileURL
	}
	data, contentType, err := e.fetcher.Fetch(ctx, src.FileURL)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	text, err := e.ocr.OCRImageBytes(ctx, data, resolveContentType(contentType, src.FileURL))
	if err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	return text, nil
}

// TextExtractor uses the inline text of a lesson, or fetches it from FileURL.
type TextExtractor struct {
	docs *DocconvExtractor
}

func NewTextExtractor(docs *DocconvExtractor) *TextExtractor {
	return &TextExtractor{docs: docs}
}

func (e *TextExtractor) Extract(ctx context.Context, src core.ExtractSource) (string, error) {
	if strings.TrimSpace(src.Text) != "" {
		return src.Text, nil
	}
	if src.FileURL == "" || e.docs == nil {
		return "", errors.New("lesson has neither inline text nor a file url")
	}
	return e.docs.Extract(ctx, src)
}

// resolveContentType prefers the stored content type, falling back to the file extension
// when storage only reports a generic binary type.
func resolveContentType(contentType, rawURL string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "" && mt != "application/octet-stream" && mt != "binary/octet-stream" {
		return mt
	}
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	return docconv.MimeTypeByExtension(path.Base(name))
}

func isPlainText(contentType string) bool {
	return contentType == "text/plain" || contentType == "text/markdown"
}

var (
	_ core.TextExtractor = (*DocconvExtractor)(nil)
	_ core.TextExtractor = (*ImageExtractor)(nil)
	_ core.TextExtractor = (*TextExtractor)(nil)
)
