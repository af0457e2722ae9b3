// Package autosave debounces document persistence: one pending save per
// document, replaced on every edit and flushed after a quiet period.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Persister writes document content to the authoritative store.
type Persister interface {
	UpdateContent(ctx context.Context, id, content, title string, at time.Time) error
}

// Kind tells a result hook how a save was triggered.
type Kind string

const (
	KindDebounced Kind = "autosave"
	KindExplicit  Kind = "explicit"
	KindFlush     Kind = "shutdown"
)

type pendingSave struct {
	content string
	title   string
	userID  string
}

type entry struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending *pendingSave
	dead    bool
}

// writer serializes store writes of one document. It lives while at least
// one write is claimed and not yet finished.
type writer struct {
	mu   sync.Mutex // held for the duration of UpdateContent
	last uint64     // sequence of the newest write that reached the store
	refs int
	done chan struct{}
}

// Scheduler owns the per-document save timers.
type Scheduler struct {
	persister   Persister
	delay       time.Duration
	saveTimeout time.Duration
	log         logrus.FieldLogger
	now         func() time.Time
	onResult    func(documentID string, kind Kind, err error)

	entries sync.Map // document id -> *entry
	closed  atomic.Bool

	wmu     sync.Mutex
	seq     uint64
	writers map[string]*writer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time used to stamp saves.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithResultHook is called after every persistence attempt.
func WithResultHook(fn func(documentID string, kind Kind, err error)) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

// WithSaveTimeout bounds a single debounced write.
func WithSaveTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.saveTimeout = d }
}

// NewScheduler creates a scheduler that persists after delay of quiet.
func NewScheduler(p Persister, delay time.Duration, log logrus.FieldLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		persister:   p,
		delay:       delay,
		saveTimeout: 10 * time.Second,
		log:         log,
		now:         time.Now,
		writers:     make(map[string]*writer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule replaces any pending save of documentID with this content and
// restarts the debounce timer. It is ignored after Close.
func (s *Scheduler) Schedule(documentID, content, title, userID string) {
	if s.closed.Load() {
		return
	}
	for {
		v, _ := s.entries.LoadOrStore(documentID, &entry{})
		e := v.(*entry)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		gen := e.gen
		e.pending = &pendingSave{content: content, title: title, userID: userID}
		e.timer = time.AfterFunc(s.delay, func() { s.fire(documentID, e, gen) })
		e.mu.Unlock()
		return
	}
}

// Cancel drops the pending save of documentID, if any. It reports whether
// something was pending; cancelling twice is harmless.
func (s *Scheduler) Cancel(documentID string) bool {
	return s.take(documentID) != nil
}

// SaveNow cancels the pending save of documentID and persists content
// immediately, returning the stamp written to the store. A debounced write
// already in flight for the same document finishes first and cannot land
// after this one.
func (s *Scheduler) SaveNow(ctx context.Context, documentID, content, title string) (time.Time, error) {
	s.take(documentID)
	w, seq := s.claim(documentID)
	return s.write(ctx, documentID, w, seq, &pendingSave{content: content, title: title}, KindExplicit)
}

// Pending returns the number of documents with a save waiting to fire.
func (s *Scheduler) Pending() int {
	n := 0
	s.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.pending != nil {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// Close stops accepting new saves. Pending ones stay until Flush.
func (s *Scheduler) Close() {
	s.closed.Store(true)
}

// Flush persists every pending save now and waits for writes already in
// flight. It is used on shutdown after Close.
func (s *Scheduler) Flush(ctx context.Context) error {
	var ids []string
	s.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})

	var errs []error
	for _, id := range ids {
		p := s.take(id)
		if p == nil {
			continue
		}
		w, seq := s.claim(id)
		if _, err := s.write(ctx, id, w, seq, p, KindFlush); err != nil {
			errs = append(errs, err)
		}
	}

	s.wmu.Lock()
	inflight := make([]chan struct{}, 0, len(s.writers))
	for _, w := range s.writers {
		inflight = append(inflight, w.done)
	}
	s.wmu.Unlock()

	for _, done := range inflight {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for in-flight saves: %w", ctx.Err()))
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) fire(documentID string, e *entry, gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.pending == nil {
		// replaced or cancelled after the timer went off
		e.mu.Unlock()
		return
	}
	p := e.pending
	w, seq := s.claim(documentID)
	s.retire(documentID, e)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	_, _ = s.write(ctx, documentID, w, seq, p, KindDebounced)
}

// take removes and returns the pending save of documentID.
func (s *Scheduler) take(documentID string) *pendingSave {
	v, ok := s.entries.Load(documentID)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil
	}
	p := e.pending
	if e.timer != nil {
		e.timer.Stop()
	}
	s.retire(documentID, e)
	return p
}

// retire must be called with e.mu held.
func (s *Scheduler) retire(documentID string, e *entry) {
	e.gen++
	e.timer = nil
	e.pending = nil
	e.dead = true
	s.entries.CompareAndDelete(documentID, e)
}

// claim reserves the next write of documentID. Sequence numbers are handed
// out in decision order, so a write claimed earlier never overwrites one
// claimed later.
func (s *Scheduler) claim(documentID string) (*writer, uint64) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	w, ok := s.writers[documentID]
	if !ok {
		w = &writer{done: make(chan struct{})}
		s.writers[documentID] = w
	}
	w.refs++
	s.seq++
	return w, s.seq
}

func (s *Scheduler) release(documentID string, w *writer) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	w.refs--
	if w.refs == 0 {
		delete(s.writers, documentID)
		close(w.done)
	}
}

// write persists p under the document's writer lock unless a newer write
// already reached the store.
func (s *Scheduler) write(ctx context.Context, documentID string, w *writer, seq uint64, p *pendingSave, kind Kind) (time.Time, error) {
	defer s.release(documentID, w)
	w.mu.Lock()
	defer w.mu.Unlock()

	fields := logrus.Fields{
		"document_id": documentID,
		"trigger":     string(kind),
	}
	at := s.now().UTC()
	if seq < w.last {
		s.log.WithFields(fields).Debug("skipping superseded save")
		return at, nil
	}

	err := s.persister.UpdateContent(ctx, documentID, p.content, p.title, at)
	s.report(documentID, kind, err)
	if err != nil {
		s.log.WithError(err).WithFields(fields).WithField("user_id", p.userID).Error("document save failed")
		return time.Time{}, fmt.Errorf("save document %s: %w", documentID, err)
	}
	w.last = seq
	s.log.WithFields(fields).Debug("document saved")
	return at, nil
}

func (s *Scheduler) report(documentID string, kind Kind, err error) {
	if s.onResult != nil {
		s.onResult(documentID, kind, err)
	}
}
