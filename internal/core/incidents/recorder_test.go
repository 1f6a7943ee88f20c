package incidents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	saved     []*models.SafetyIncident
}

func (s *fakeStore) CreateIncident(_ context.Context, inc *models.SafetyIncident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return errors.New("db unavailable")
	}
	s.saved = append(s.saved, inc)
	return nil
}

func (s *fakeStore) snapshot() (int, []*models.SafetyIncident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]*models.SafetyIncident(nil), s.saved...)
}

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePublisher) PublishIncident(_ context.Context, inc *models.SafetyIncident) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, inc.ID)
	return nil
}

func TestLogIncidentPersistsOnClose(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	r := NewRecorder(store, Options{Publisher: pub}, zap.NewNop())

	flags := []string{"profanity"}
	r.LogIncident(context.Background(), "child-1", models.IncidentProfanity, models.SeverityMedium, Details{
		InputText: "bad words",
		Flags:     flags,
	})
	flags[0] = "mutated"
	r.Close()

	_, saved := store.snapshot()
	if len(saved) != 1 {
		t.Fatalf("saved %d incidents, want 1", len(saved))
	}
	inc := saved[0]
	if inc.ID == "" || inc.CreatedAt.IsZero() {
		t.Fatalf("incident missing id or timestamp: %+v", inc)
	}
	if inc.SubjectID != "child-1" || inc.IncidentType != models.IncidentProfanity || inc.Severity != models.SeverityMedium {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if inc.Flags[0] != "profanity" {
		t.Fatalf("incident flags aliased caller slice: %v", inc.Flags)
	}
	if len(pub.ids) != 1 || pub.ids[0] != inc.ID {
		t.Fatalf("published %v, want [%s]", pub.ids, inc.ID)
	}
}

func TestLogIncidentRetriesStoreFailures(t *testing.T) {
	store := &fakeStore{failFirst: 2}
	r := NewRecorder(store, Options{MaxAttempts: 3, RetryDelay: time.Millisecond}, zap.NewNop())

	r.LogIncident(context.Background(), "child-2", models.IncidentJailbreakAttempt, models.SeverityHigh, Details{})
	r.Close()

	calls, saved := store.snapshot()
	if calls != 3 || len(saved) != 1 {
		t.Fatalf("calls=%d saved=%d, want 3 and 1", calls, len(saved))
	}
}

func TestLogIncidentGivesUpWithoutFailingCaller(t *testing.T) {
	store := &fakeStore{failFirst: 100}
	pub := &fakePublisher{}
	r := NewRecorder(store, Options{MaxAttempts: 2, RetryDelay: time.Millisecond, Publisher: pub}, zap.NewNop())

	r.LogIncident(context.Background(), "child-3", models.IncidentPIIDetected, models.SeverityHigh, Details{})
	r.Close()

	calls, saved := store.snapshot()
	if calls != 2 || len(saved) != 0 {
		t.Fatalf("calls=%d saved=%d, want 2 and 0", calls, len(saved))
	}
	if len(pub.ids) != 0 {
		t.Fatal("unpersisted incident must not be published")
	}
}

func TestLogIncidentAfterCloseStillWrites(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, Options{}, zap.NewNop())
	r.Close()
	r.Close()

	r.LogIncident(context.Background(), "child-4", models.IncidentHarmfulContent, models.SeverityHigh, Details{OutputText: "x"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, saved := store.snapshot(); len(saved) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("incident logged after Close was never written")
}

// hangingStore blocks every write until release is closed, ignoring ctx.
type hangingStore struct {
	release chan struct{}
	calls   int32
}

func (s *hangingStore) CreateIncident(context.Context, *models.SafetyIncident) error {
	atomic.AddInt32(&s.calls, 1)
	<-s.release
	return errors.New("db unavailable")
}

func TestLogIncidentNeverWaitsOnAHangingStore(t *testing.T) {
	store := &hangingStore{release: make(chan struct{})}
	r := NewRecorder(store, Options{
		BufferSize:      1,
		OverflowWriters: 2,
		MaxAttempts:     3,
		RetryDelay:      time.Millisecond,
	}, zap.NewNop())

	start := time.Now()
	for i := 0; i < 10; i++ {
		r.LogIncident(context.Background(), "child-5", models.IncidentProfanity, models.SeverityMedium, Details{})
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("10 LogIncident calls took %s with the store down", took)
	}

	close(store.release)
	r.Close()
	// One buffered writer plus at most two overflow writers touched the store
	// at a time; the rest were dropped rather than queued behind them.
	if calls := atomic.LoadInt32(&store.calls); calls > 10 {
		t.Fatalf("store calls=%d", calls)
	}
}
