// Package ocr reads text out of lesson images with Google Cloud Vision.
package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
)

const annotateTimeout = 60 * time.Second

// annotator is the one Vision call this package makes.
type annotator interface {
	BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error)
}

type VisionOCR struct {
	client *vision.ImageAnnotatorClient
	api    annotator
	log    *zap.Logger
}

// NewVisionOCR uses Application Default Credentials.
func NewVisionOCR(ctx context.Context, log *zap.Logger) (*VisionOCR, error) {
	c, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionOCR{client: c, api: clientAnnotator{c}, log: log.Named("vision")}, nil
}

type clientAnnotator struct {
	c *vision.ImageAnnotatorClient
}

func (a clientAnnotator) BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
	return a.c.BatchAnnotateImages(ctx, req)
}

func (v *VisionOCR) Close() error {
	if v == nil || v.client == nil {
		return nil
	}
	return v.client.Close()
}

// OCRImageBytes runs DOCUMENT_TEXT_DETECTION and returns the full text with
// whitespace collapsed. An image without text yields "".
func (v *VisionOCR) OCRImageBytes(ctx context.Context, img []byte, mimeType string) (string, error) {
	if len(img) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, annotateTimeout)
	defer cancel()

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: img},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
		}},
	}
	resp, err := v.api.BatchAnnotateImages(ctx, req)
	if err != nil {
		return "", fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return "", nil
	}

	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return "", fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}
	if r0.FullTextAnnotation == nil {
		return "", nil
	}
	text := collapseWhitespace(r0.FullTextAnnotation.Text)
	v.log.Debug("ocr complete", zap.String("mime_type", mimeType), zap.Int("chars", len(text)))
	return text, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var _ core.OCRProvider = (*VisionOCR)(nil)
