package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/markdave123-py/Sprout/internal/core"
)

var (
	ErrInvalidYoutubeURL = errors.New("invalid youtube url")
	ErrNoTranscript      = errors.New("video has no captions")
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

const captionMarker = `"captionTracks":`

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

// YoutubeExtractor downloads a video's caption track from the watch page.
type YoutubeExtractor struct {
	client   *http.Client
	baseURL  string
	language string
}

func NewYoutubeExtractor(client *http.Client) *YoutubeExtractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &YoutubeExtractor{client: client, baseURL: "https://www.youtube.com", language: "en"}
}

func (e *YoutubeExtractor) Extract(ctx context.Context, src core.ExtractSource) (string, error) {
	id, err := ParseVideoID(src.YoutubeURL)
	if err != nil {
		return "", err
	}

	page, err := e.get(ctx, e.baseURL+"/watch?v="+url.QueryEscape(id))
	if err != nil {
		return "", fmt.Errorf("fetch watch page: %w", err)
	}
	defer page.Close()

	tracks, err := captionTracks(page)
	if err != nil {
		return "", err
	}
	track := pickTrack(tracks, e.language)
	if track == nil {
		return "", ErrNoTranscript
	}

	body, err := e.get(ctx, track.BaseURL)
	if err != nil {
		return "", fmt.Errorf("fetch transcript: %w", err)
	}
	defer body.Close()
	return transcriptText(body)
}

func (e *YoutubeExtractor) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Language", e.language)
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; SproutLessonBot/1.0)")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Host)
	}
	return resp.Body, nil
}

// captionTracks finds the player response script on the watch page and decodes its caption list.
func captionTracks(page io.Reader) ([]captionTrack, error) {
	doc, err := goquery.NewDocumentFromReader(page)
	if err != nil {
		return nil, fmt.Errorf("parse watch page: %w", err)
	}

	var script string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := s.Text(); strings.Contains(t, captionMarker) {
			script = t
			return false
		}
		return true
	})
	if script == "" {
		return nil, ErrNoTranscript
	}

	idx := strings.Index(script, captionMarker)
	var tracks []captionTrack
	if err := json.NewDecoder(strings.NewReader(script[idx+len(captionMarker):])).Decode(&tracks); err != nil {
		return nil, fmt.Errorf("decode caption tracks: %w", err)
	}
	return tracks, nil
}

// pickTrack prefers a manual track in lang, then an auto-generated one, then anything.
func pickTrack(tracks []captionTrack, lang string) *captionTrack {
	var auto, first *captionTrack
	for i := range tracks {
		t := &tracks[i]
		if t.BaseURL == "" {
			continue
		}
		if first == nil {
			first = t
		}
		if !strings.HasPrefix(t.LanguageCode, lang) {
			continue
		}
		if t.Kind != "asr" {
			return t
		}
		if auto == nil {
			auto = t
		}
	}
	if auto != nil {
		return auto
	}
	return first
}

// transcriptText flattens a timedtext document into one line per caption.
func transcriptText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse transcript: %w", err)
	}
	var lines []string
	doc.Find("text").Each(func(_ int, s *goquery.Selection) {
		// Captions arrive entity-encoded twice.
		line := strings.TrimSpace(html.UnescapeString(s.Text()))
		if line != "" {
			lines = append(lines, strings.Join(strings.Fields(line), " "))
		}
	})
	if len(lines) == 0 {
		return "", ErrNoTranscript
	}
	return strings.Join(lines, "\n"), nil
}

// ParseVideoID accepts watch, short-link, embed and shorts URLs.
func ParseVideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if videoIDPattern.MatchString(raw) {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidYoutubeURL, raw)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/embed/"), strings.HasPrefix(u.Path, "/shorts/"), strings.HasPrefix(u.Path, "/live/"):
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) >= 2 {
				id = parts[1]
			}
		}
	}
	if !videoIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidYoutubeURL, raw)
	}
	return id, nil
}

var _ core.TextExtractor = (*YoutubeExtractor)(nil)
