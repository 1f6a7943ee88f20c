package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/core/ingestion_engine"
	"github.com/markdave123-py/Sprout/internal/models"
)

type memRepo struct {
	lessons   map[string]*models.Lesson
	createErr error
}

func (m *memRepo) CreateLesson(_ context.Context, l *models.Lesson) error {
	if m.createErr != nil {
		return m.createErr
	}
	cp := *l
	m.lessons[l.ID] = &cp
	return nil
}

func (m *memRepo) GetLesson(_ context.Context, id string) (*models.Lesson, error) {
	l, ok := m.lessons[id]
	if !ok {
		return nil, core.ErrLessonNotFound
	}
	cp := *l
	return &cp, nil
}

type fakeStorage struct {
	uploaded map[string]string
	deleted  []string
}

func (f *fakeStorage) UploadFile(_ context.Context, bucket, key string, data io.Reader, _ string) (string, error) {
	b, _ := io.ReadAll(data)
	f.uploaded[key] = string(b)
	return "https://" + bucket + ".s3.us-east-2.amazonaws.com/" + key, nil
}

func (f *fakeStorage) DeleteFile(_ context.Context, _, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStorage) GetFile(context.Context, string, string) ([]byte, error) { return nil, nil }

type fakeQueue struct {
	reqs []ingestion_engine.ProcessRequest
}

func (f *fakeQueue) QueueContentProcessing(_ context.Context, req ingestion_engine.ProcessRequest) error {
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeQueue) GetProcessingStatus(_ context.Context, _ string) (*ingestion_engine.ProcessingStatus, error) {
	return &ingestion_engine.ProcessingStatus{Status: models.StatusProcessing}, nil
}

func newTestService() (*LessonService, *memRepo, *fakeStorage, *fakeQueue) {
	repo := &memRepo{lessons: map[string]*models.Lesson{}}
	st := &fakeStorage{uploaded: map[string]string{}}
	q := &fakeQueue{}
	return NewLessonService(repo, st, q, "sprout-lessons", zap.NewNop()), repo, st, q
}

func TestUploadAndCreatePDF(t *testing.T) {
	svc, repo, st, q := newTestService()

	lesson, err := svc.UploadAndCreate(context.Background(), UploadInput{
		OwnerID:     "u1",
		SourceType:  "pdf",
		FileName:    "../Water Cycle.pdf",
		ContentType: "application/pdf",
		File:        strings.NewReader("%PDF"),
		AgeGroup:    models.AgeGroupOlder,
	})
	if err != nil {
		t.Fatalf("UploadAndCreate: %v", err)
	}

	key := "lessons/u1/" + lesson.ID + "/Water_Cycle.pdf"
	if st.uploaded[key] != "%PDF" {
		t.Fatalf("uploaded %v, want key %s", st.uploaded, key)
	}
	stored := repo.lessons[lesson.ID]
	if stored == nil || stored.ProcessingStatus != models.StatusProcessing || stored.SourceType != models.SourcePDF {
		t.Fatalf("stored lesson %+v", stored)
	}
	if stored.Title != "Water_Cycle.pdf" {
		t.Fatalf("title=%q", stored.Title)
	}
	if len(q.reqs) != 1 {
		t.Fatalf("queued %d requests", len(q.reqs))
	}
	req := q.reqs[0]
	if req.LessonID != lesson.ID || req.FileURL != stored.FileURL || req.SubjectID != "u1" || req.AgeGroup != models.AgeGroupOlder {
		t.Fatalf("request %+v", req)
	}
}

func TestUploadAndCreateValidation(t *testing.T) {
	cases := []struct {
		name string
		in   UploadInput
	}{
		{name: "no owner", in: UploadInput{SourceType: models.SourceText, Text: "hi"}},
		{name: "pdf without file", in: UploadInput{OwnerID: "u1", SourceType: models.SourcePDF}},
		{name: "bad youtube url", in: UploadInput{OwnerID: "u1", SourceType: models.SourceYoutube, YoutubeURL: "https://vimeo.com/1"}},
		{name: "empty text", in: UploadInput{OwnerID: "u1", SourceType: models.SourceText, Text: "  "}},
		{name: "unknown source", in: UploadInput{OwnerID: "u1", SourceType: "AUDIO"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo, _, q := newTestService()
			if _, err := svc.UploadAndCreate(context.Background(), tc.in); !errors.Is(err, ErrInvalidLesson) {
				t.Fatalf("err=%v, want ErrInvalidLesson", err)
			}
			if len(repo.lessons) != 0 || len(q.reqs) != 0 {
				t.Fatal("invalid lesson was stored or queued")
			}
		})
	}
}

func TestUploadRemovesObjectWhenCreateFails(t *testing.T) {
	svc, repo, st, q := newTestService()
	repo.createErr = errors.New("db down")

	_, err := svc.UploadAndCreate(context.Background(), UploadInput{
		OwnerID: "u1", SourceType: models.SourceImage, FileName: "page.png", File: strings.NewReader("png"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(st.deleted) != 1 || len(q.reqs) != 0 {
		t.Fatalf("deleted=%v queued=%d", st.deleted, len(q.reqs))
	}
}

func TestReprocessChecksOwnerAndCarriesInlineText(t *testing.T) {
	svc, repo, _, q := newTestService()
	repo.lessons["l1"] = &models.Lesson{ID: "l1", OwnerID: "u1", SourceType: models.SourceText, ExtractedText: "notes", ProcessingStatus: models.StatusFailed}
	repo.lessons["l2"] = &models.Lesson{ID: "l2", OwnerID: "u1", SourceType: models.SourcePDF, FileURL: "s3://b/k.pdf", ExtractedText: "old", ProcessingStatus: models.StatusCompleted}

	if err := svc.Reprocess(context.Background(), "u2", "l1", ProcessOptions{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err=%v, want ErrForbidden", err)
	}
	if err := svc.Reprocess(context.Background(), "u1", "missing", ProcessOptions{}); !errors.Is(err, core.ErrLessonNotFound) {
		t.Fatalf("err=%v, want ErrLessonNotFound", err)
	}
	if err := svc.Reprocess(context.Background(), "u1", "l1", ProcessOptions{Subject: "science"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Reprocess(context.Background(), "u1", "l2", ProcessOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(q.reqs) != 2 || q.reqs[0].Text != "notes" || q.reqs[0].Subject != "science" {
		t.Fatalf("requests %+v", q.reqs)
	}
	if q.reqs[1].Text != "" || q.reqs[1].FileURL != "s3://b/k.pdf" {
		t.Fatalf("pdf request %+v", q.reqs[1])
	}
}
