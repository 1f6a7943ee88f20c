// Package incidents records safety incidents off the request path.
package incidents

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/metrics"
	"github.com/markdave123-py/Sprout/internal/models"
)

// Details carries the text around an incident.
type Details struct {
	InputText  string
	OutputText string
	Flags      []string
}

// Publisher fans recorded incidents out to other consumers (e.g. a parent dashboard).
type Publisher interface {
	PublishIncident(ctx context.Context, inc *models.SafetyIncident) error
}

// Options tune the background writer. OverflowWriters caps the single-shot
// writes started while the buffer is full; past that incidents are dropped.
type Options struct {
	BufferSize      int
	OverflowWriters int
	MaxAttempts     int
	RetryDelay      time.Duration
	WriteTimeout    time.Duration
	Publisher       Publisher
}

func (o *Options) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.OverflowWriters <= 0 {
		o.OverflowWriters = 16
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// Recorder appends incidents to the store from a background goroutine so callers
// never wait on, or fail because of, the store.
type Recorder struct {
	store core.IncidentStore
	opts  Options
	log   *zap.Logger

	pending  chan *models.SafetyIncident
	overflow chan struct{}
	wg       sync.WaitGroup
	detached sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store core.IncidentStore, opts Options, log *zap.Logger) *Recorder {
	opts.withDefaults()
	r := &Recorder{
		store:   store,
		opts:    opts,
		log:     log.Named("incidents"),
		pending:  make(chan *models.SafetyIncident, opts.BufferSize),
		overflow: make(chan struct{}, opts.OverflowWriters),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// LogIncident builds the immutable incident record and hands it to the writer.
// It never waits on the store and never returns an error. When the buffer is
// full, or after Close, a single write attempt runs on its own goroutine.
func (r *Recorder) LogIncident(ctx context.Context, subjectID string, typ models.IncidentType, sev models.Severity, d Details) {
	flags := make([]string, len(d.Flags))
	copy(flags, d.Flags)

	inc := &models.SafetyIncident{
		ID:           uuid.NewString(),
		SubjectID:    subjectID,
		IncidentType: typ,
		Severity:     sev,
		InputText:    d.InputText,
		OutputText:   d.OutputText,
		Flags:        flags,
		CreatedAt:    time.Now().UTC(),
	}
	metrics.SafetyIncidents.WithLabelValues(string(typ), string(sev)).Inc()
	r.log.Warn("safety incident",
		zap.String("incident_id", inc.ID),
		zap.String("subject_id", subjectID),
		zap.String("type", string(typ)),
		zap.String("severity", string(sev)),
		zap.Strings("flags", flags))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.writeDetached(context.WithoutCancel(ctx), inc, nil)
		return
	}
	select {
	case r.pending <- inc:
	default:
		r.log.Warn("incident buffer full, writing out of band", zap.String("incident_id", inc.ID))
		r.writeDetached(context.WithoutCancel(ctx), inc, &r.detached)
	}
}

// writeDetached makes one bounded write attempt off the caller's goroutine.
// wg, when set, lets Close wait for it.
func (r *Recorder) writeDetached(ctx context.Context, inc *models.SafetyIncident, wg *sync.WaitGroup) {
	select {
	case r.overflow <- struct{}{}:
	default:
		metrics.IncidentWriteFailures.Inc()
		r.log.Error("incident dropped, store backlog",
			zap.String("incident_id", inc.ID),
			zap.String("subject_id", inc.SubjectID),
			zap.String("type", string(inc.IncidentType)))
		return
	}
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() { <-r.overflow }()
		if wg != nil {
			defer wg.Done()
		}
		r.write(ctx, inc, 1)
	}()
}

// Close stops accepting buffered work and waits until everything queued is written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.pending)
	r.mu.Unlock()
	r.wg.Wait()
	r.detached.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for inc := range r.pending {
		r.write(context.Background(), inc, r.opts.MaxAttempts)
	}
}

func (r *Recorder) write(ctx context.Context, inc *models.SafetyIncident, attempts int) {
	var err error
	delay := r.opts.RetryDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
		err = r.store.CreateIncident(wctx, inc)
		cancel()
		if err == nil {
			break
		}
		if attempt == attempts {
			break
		}
		r.log.Warn("incident write failed, retrying",
			zap.String("incident_id", inc.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
		delay *= 2
	}
	if err != nil {
		metrics.IncidentWriteFailures.Inc()
		r.log.Error("incident dropped after write failure",
			zap.Int("attempts", attempts),
			zap.String("incident_id", inc.ID),
			zap.String("subject_id", inc.SubjectID),
			zap.String("type", string(inc.IncidentType)),
			zap.Error(err))
		return
	}

	if r.opts.Publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
		defer cancel()
		if perr := r.opts.Publisher.PublishIncident(pctx, inc); perr != nil {
			r.log.Warn("incident publish failed", zap.String("incident_id", inc.ID), zap.Error(perr))
		}
	}
}
