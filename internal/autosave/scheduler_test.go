package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/logging"
	"docsync/internal/models"
	"docsync/internal/store"
)

type write struct {
	id, content, title string
}

type recordingPersister struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (p *recordingPersister) UpdateContent(_ context.Context, id, content, title string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.writes = append(p.writes, write{id, content, title})
	return nil
}

func (p *recordingPersister) Writes() []write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]write(nil), p.writes...)
}

func TestScheduler_DebouncesToLastContent(t *testing.T) {
	p := &recordingPersister{}
	s := NewScheduler(p, 30*time.Millisecond, logging.Discard())

	s.Schedule("doc", "H", "", "alice")
	s.Schedule("doc", "He", "", "alice")
	s.Schedule("doc", "Hello", "Greeting", "alice")
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return len(p.Writes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, write{"doc", "Hello", "Greeting"}, p.Writes()[0])
	assert.Equal(t, 0, s.Pending())

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, p.Writes(), 1, "no second write for the same burst")
}

func TestScheduler_DocumentsAreIndependent(t *testing.T) {
	p := &recordingPersister{}
	s := NewScheduler(p, 20*time.Millisecond, logging.Discard())

	s.Schedule("a", "one", "", "u")
	s.Schedule("b", "two", "", "u")
	assert.Equal(t, 2, s.Pending())

	require.Eventually(t, func() bool { return len(p.Writes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []write{{"a", "one", ""}, {"b", "two", ""}}, p.Writes())
}

func TestScheduler_CancelIsIdempotent(t *testing.T) {
	p := &recordingPersister{}
	s := NewScheduler(p, 20*time.Millisecond, logging.Discard())

	s.Schedule("doc", "x", "", "u")
	assert.True(t, s.Cancel("doc"))
	assert.False(t, s.Cancel("doc"))
	assert.False(t, s.Cancel("never-scheduled"))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, p.Writes())
}

func TestScheduler_SaveNowCancelsPending(t *testing.T) {
	p := &recordingPersister{}
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewScheduler(p, 20*time.Millisecond, logging.Discard(), WithClock(func() time.Time { return fixed }))

	s.Schedule("doc", "draft", "", "u")
	at, err := s.SaveNow(context.Background(), "doc", "final", "T")
	require.NoError(t, err)
	assert.Equal(t, fixed, at)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []write{{"doc", "final", "T"}}, p.Writes())
}

func TestScheduler_SaveNowError(t *testing.T) {
	p := &recordingPersister{err: errors.New("disk full")}
	var results []Kind
	s := NewScheduler(p, time.Second, logging.Discard(), WithResultHook(func(_ string, k Kind, err error) {
		if err != nil {
			results = append(results, k)
		}
	}))

	_, err := s.SaveNow(context.Background(), "doc", "x", "")
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []Kind{KindExplicit}, results)
}

func TestScheduler_FlushAndClose(t *testing.T) {
	p := &recordingPersister{}
	s := NewScheduler(p, time.Hour, logging.Discard())

	s.Schedule("a", "1", "", "u")
	s.Schedule("b", "2", "", "u")
	s.Close()
	s.Schedule("c", "3", "", "u")

	require.NoError(t, s.Flush(context.Background()))
	assert.ElementsMatch(t, []write{{"a", "1", ""}, {"b", "2", ""}}, p.Writes())
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_FailureIsNotRetried(t *testing.T) {
	p := &recordingPersister{err: errors.New("unavailable")}
	var mu sync.Mutex
	attempts := 0
	s := NewScheduler(p, 10*time.Millisecond, logging.Discard(), WithResultHook(func(string, Kind, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
	}))

	s.Schedule("doc", "x", "", "u")
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_PersistsToStore(t *testing.T) {
	st := store.NewMemoryStore()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.PutDocument(models.Document{ID: "doc", Title: "Untitled", OwnerID: "a", CreatedAt: created, UpdatedAt: created})

	s := NewScheduler(st, 20*time.Millisecond, logging.Discard())
	s.Schedule("doc", "Hello", "", "a")

	require.Eventually(t, func() bool {
		d, err := st.GetDocument(context.Background(), "doc")
		return err == nil && d.Content == "Hello"
	}, time.Second, 5*time.Millisecond)

	d, _ := st.GetDocument(context.Background(), "doc")
	assert.Equal(t, "Untitled", d.Title)
	assert.True(t, d.UpdatedAt.After(created))
}

// gatedPersister holds the write of one content value until released.
type gatedPersister struct {
	recordingPersister
	block   string
	entered chan struct{}
	release chan struct{}
}

func newGatedPersister(block string) *gatedPersister {
	return &gatedPersister{
		block:   block,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *gatedPersister) UpdateContent(ctx context.Context, id, content, title string, at time.Time) error {
	if content == p.block {
		close(p.entered)
		<-p.release
	}
	return p.recordingPersister.UpdateContent(ctx, id, content, title, at)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestScheduler_ExplicitSaveWaitsForInflightAutosave(t *testing.T) {
	p := newGatedPersister("old")
	s := NewScheduler(p, 5*time.Millisecond, logging.Discard())

	s.Schedule("doc", "old", "", "u")
	waitFor(t, p.entered, "debounced write")

	saved := make(chan error, 1)
	go func() {
		_, err := s.SaveNow(context.Background(), "doc", "new", "")
		saved <- err
	}()
	select {
	case err := <-saved:
		t.Fatalf("explicit save finished while the autosave was still writing: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(p.release)
	require.NoError(t, <-saved)
	assert.Equal(t, []write{{"doc", "old", ""}, {"doc", "new", ""}}, p.Writes())
}

func TestScheduler_SupersededWriteIsSkipped(t *testing.T) {
	p := &recordingPersister{}
	s := NewScheduler(p, time.Hour, logging.Discard())

	older, olderSeq := s.claim("doc")
	newer, newerSeq := s.claim("doc")
	require.Same(t, older, newer)

	_, err := s.write(context.Background(), "doc", newer, newerSeq, &pendingSave{content: "new"}, KindExplicit)
	require.NoError(t, err)
	_, err = s.write(context.Background(), "doc", older, olderSeq, &pendingSave{content: "old"}, KindDebounced)
	require.NoError(t, err)

	assert.Equal(t, []write{{"doc", "new", ""}}, p.Writes())
	assert.Empty(t, s.writers, "writer released once idle")
}

func TestScheduler_FlushWaitsForInflightWrite(t *testing.T) {
	p := newGatedPersister("last words")
	s := NewScheduler(p, 5*time.Millisecond, logging.Discard())

	s.Schedule("doc", "last words", "", "u")
	waitFor(t, p.entered, "debounced write")
	s.Close()

	flushed := make(chan error, 1)
	go func() { flushed <- s.Flush(context.Background()) }()
	select {
	case err := <-flushed:
		t.Fatalf("Flush returned with a write in flight: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(p.release)
	require.NoError(t, <-flushed)
	assert.Equal(t, []write{{"doc", "last words", ""}}, p.Writes())
}

func TestScheduler_FlushGivesUpAtDeadline(t *testing.T) {
	p := newGatedPersister("stuck")
	s := NewScheduler(p, 5*time.Millisecond, logging.Discard())
	defer close(p.release)

	s.Schedule("doc", "stuck", "", "u")
	waitFor(t, p.entered, "debounced write")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Flush(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
