package cursor

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kartikbazzad/cursordb/internal/config"
	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/logger"
	"github.com/kartikbazzad/cursordb/internal/producer"
	"github.com/kartikbazzad/cursordb/internal/value"
)

func testRegistry(clk clock.Clock) *Registry {
	cfg := config.CursorConfig{
		DefaultBatchSize: 1000,
		DefaultTTL:       30 * time.Second,
		SweepInterval:    time.Second,
	}
	return NewRegistry(cfg, logger.New(io.Discard, logger.LevelError, "[test]"), clk)
}

func numbers(n int) producer.Producer {
	return producer.NewRange(1, int64(n))
}

func TestCreate_SingleBatchNoCursor(t *testing.T) {
	r := testRegistry(nil)

	b, err := r.Create(numbers(5), CreateOptions{BatchSize: 10, Count: CountNone})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID != "" {
		t.Errorf("single-batch result should not register a cursor, got id %q", b.ID)
	}
	if b.HasMore || len(b.Rows) != 5 {
		t.Errorf("rows = %d, hasMore = %v", len(b.Rows), b.HasMore)
	}
	if r.Len() != 0 {
		t.Errorf("registry holds %d cursors", r.Len())
	}
}

func TestCreate_InvalidBatchSize(t *testing.T) {
	r := testRegistry(nil)
	if _, err := r.Create(numbers(5), CreateOptions{BatchSize: 0}); !errors.Is(err, apierr.ErrInvalidBatchSize) {
		t.Errorf("err = %v", err)
	}
}

func TestFetchNext_BatchSequence(t *testing.T) {
	r := testRegistry(nil)

	// 5 rows at batchSize 2: batches of 2, 2, 1
	b, err := r.Create(numbers(5), CreateOptions{BatchSize: 2, Count: 5})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID == "" || !b.HasMore || len(b.Rows) != 2 || b.Count != 5 {
		t.Fatalf("first batch: %+v", b)
	}
	id := b.ID

	b, err = r.FetchNext(id)
	if err != nil {
		t.Fatalf("FetchNext: %v", err)
	}
	if b.ID != id || !b.HasMore || len(b.Rows) != 2 || b.Count != 5 {
		t.Fatalf("second batch: %+v", b)
	}

	b, err = r.FetchNext(id)
	if err != nil {
		t.Fatalf("FetchNext: %v", err)
	}
	if b.ID != "" || b.HasMore || len(b.Rows) != 1 {
		t.Fatalf("final batch: %+v", b)
	}
	if rows := b.Rows; string(rows[0].(json.Number)) != "5" {
		t.Errorf("final row = %v", rows[0])
	}

	// the cursor is gone after the final batch
	if _, err := r.FetchNext(id); !errors.Is(err, apierr.ErrCursorNotFound) {
		t.Errorf("fetch after exhaustion: err = %v", err)
	}
}

func TestFetchNext_Unknown(t *testing.T) {
	r := testRegistry(nil)
	if _, err := r.FetchNext("no-such-cursor"); !errors.Is(err, apierr.ErrCursorNotFound) {
		t.Errorf("err = %v", err)
	}
}

// blockingProducer parks in Next until released, so a test can hold a
// cursor in the fetching state.
type blockingProducer struct {
	entered chan struct{}
	release chan struct{}
	served  bool
}

func (p *blockingProducer) HasMore() bool { return true }

func (p *blockingProducer) Next() (value.Value, error) {
	if !p.served {
		p.served = true
		close(p.entered)
		<-p.release
	}
	return json.Number("1"), nil
}

func TestFetchNext_ConcurrentConflict(t *testing.T) {
	r := testRegistry(nil)

	b, err := r.Create(numbers(10), CreateOptions{BatchSize: 2, Count: CountNone})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := b.ID

	// swap in a producer we can park mid-fetch
	r.mu.Lock()
	p := &blockingProducer{entered: make(chan struct{}), release: make(chan struct{})}
	r.cursors[id].producer = p
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := r.FetchNext(id)
		done <- err
	}()

	<-p.entered
	if _, err := r.FetchNext(id); !errors.Is(err, apierr.ErrCursorBusy) {
		t.Errorf("concurrent fetch: err = %v", err)
	}

	close(p.release)
	if err := <-done; err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
}

func TestFetchNext_ProducerFailurePoisonsCursor(t *testing.T) {
	r := testRegistry(nil)

	boom := errors.New("boom")
	b, err := r.Create(numbers(10), CreateOptions{BatchSize: 2, Count: CountNone})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := b.ID

	r.mu.Lock()
	r.cursors[id].producer = &failingProducer{err: boom}
	r.mu.Unlock()

	if _, err := r.FetchNext(id); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := r.FetchNext(id); !errors.Is(err, apierr.ErrCursorNotFound) {
		t.Errorf("poisoned cursor should be gone: err = %v", err)
	}
}

type failingProducer struct{ err error }

func (p *failingProducer) HasMore() bool { return true }

func (p *failingProducer) Next() (value.Value, error) { return nil, p.err }

func TestDispose(t *testing.T) {
	r := testRegistry(nil)

	b, err := r.Create(numbers(10), CreateOptions{BatchSize: 2, Count: CountNone})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	id, err := r.Dispose(b.ID)
	if err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if id != b.ID {
		t.Errorf("Dispose returned %q", id)
	}

	// ids are never reused; a second dispose is not-found
	if _, err := r.Dispose(b.ID); !errors.Is(err, apierr.ErrCursorNotFound) {
		t.Errorf("repeat dispose: err = %v", err)
	}
	if _, err := r.FetchNext(b.ID); !errors.Is(err, apierr.ErrCursorNotFound) {
		t.Errorf("fetch after dispose: err = %v", err)
	}
}

func TestDispose_BusyCursor(t *testing.T) {
	r := testRegistry(nil)

	b, _ := r.Create(numbers(10), CreateOptions{BatchSize: 2, Count: CountNone})
	id := b.ID

	r.mu.Lock()
	p := &blockingProducer{entered: make(chan struct{}), release: make(chan struct{})}
	r.cursors[id].producer = p
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.FetchNext(id)
		close(done)
	}()

	<-p.entered
	if _, err := r.Dispose(id); !errors.Is(err, apierr.ErrCursorBusy) {
		t.Errorf("dispose of in-use cursor: err = %v", err)
	}

	close(p.release)
	<-done
}

func TestSweep_ExpiresIdleCursors(t *testing.T) {
	clk := clock.NewMock()
	r := testRegistry(clk)

	b, err := r.Create(numbers(10), CreateOptions{BatchSize: 2, TTL: 5 * time.Second, Count: CountNone})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := b.ID

	if n := r.Sweep(clk.Now().Add(4 * time.Second)); n != 0 {
		t.Errorf("swept %d cursors before the deadline", n)
	}
	if n := r.Sweep(clk.Now().Add(6 * time.Second)); n != 1 {
		t.Errorf("swept %d cursors after the deadline, want 1", n)
	}
	if _, err := r.FetchNext(id); !errors.Is(err, apierr.ErrCursorNotFound) {
		t.Errorf("expired cursor should be gone: err = %v", err)
	}
}

func TestFetchNext_ResetsDeadline(t *testing.T) {
	clk := clock.NewMock()
	r := testRegistry(clk)

	b, _ := r.Create(numbers(10), CreateOptions{BatchSize: 2, TTL: 5 * time.Second, Count: CountNone})
	id := b.ID

	clk.Add(4 * time.Second)
	if _, err := r.FetchNext(id); err != nil {
		t.Fatalf("FetchNext: %v", err)
	}

	// the fetch re-armed the deadline, so 4s later it is still alive
	if n := r.Sweep(clk.Now().Add(4 * time.Second)); n != 0 {
		t.Errorf("swept %d cursors, deadline should have been reset", n)
	}
	if n := r.Sweep(clk.Now().Add(6 * time.Second)); n != 1 {
		t.Errorf("swept %d cursors, want 1", n)
	}
}

func TestSweep_SkipsInUseCursors(t *testing.T) {
	clk := clock.NewMock()
	r := testRegistry(clk)

	b, _ := r.Create(numbers(10), CreateOptions{BatchSize: 2, TTL: time.Second, Count: CountNone})
	id := b.ID

	r.mu.Lock()
	p := &blockingProducer{entered: make(chan struct{}), release: make(chan struct{})}
	r.cursors[id].producer = p
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.FetchNext(id)
		close(done)
	}()

	<-p.entered
	if n := r.Sweep(clk.Now().Add(time.Hour)); n != 0 {
		t.Errorf("sweep reclaimed an in-use cursor")
	}

	close(p.release)
	<-done
}

func TestStop_ReleasesCursors(t *testing.T) {
	r := testRegistry(nil)
	r.Start()

	b, _ := r.Create(numbers(10), CreateOptions{BatchSize: 2, Count: CountNone})
	r.Stop()

	if r.Len() != 0 {
		t.Errorf("registry holds %d cursors after Stop", r.Len())
	}
	if _, err := r.FetchNext(b.ID); !errors.Is(err, apierr.ErrCursorNotFound) {
		t.Errorf("err = %v", err)
	}
}
