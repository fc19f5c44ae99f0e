package batch

import (
	"encoding/json"
	"errors"
	"testing"

	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/producer"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// failAfter yields n rows and then fails.
type failAfter struct {
	left int
	err  error
}

func (f *failAfter) HasMore() bool { return true }

func (f *failAfter) Next() (value.Value, error) {
	if f.left == 0 {
		return nil, f.err
	}
	f.left--
	return json.Number("1"), nil
}

func TestMaterialize_PartialBatch(t *testing.T) {
	p := producer.NewRange(1, 10)

	got, hasMore, err := Materialize(p, 4)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(got) != 4 || !hasMore {
		t.Errorf("batch = %d rows, hasMore = %v", len(got), hasMore)
	}

	got, hasMore, err = Materialize(p, 100)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(got) != 6 || hasMore {
		t.Errorf("final batch = %d rows, hasMore = %v", len(got), hasMore)
	}
}

func TestMaterialize_ExactBoundary(t *testing.T) {
	p := producer.NewRange(1, 4)

	got, hasMore, err := Materialize(p, 4)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("batch = %d rows", len(got))
	}
	if hasMore {
		t.Error("producer drained exactly; hasMore should be false")
	}
}

func TestMaterialize_InvalidBatchSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		_, _, err := Materialize(producer.NewRange(1, 3), size)
		if !errors.Is(err, apierr.ErrInvalidBatchSize) {
			t.Errorf("batchSize %d: err = %v", size, err)
		}
	}
}

func TestMaterialize_ProducerFailureDiscardsBatch(t *testing.T) {
	boom := errors.New("boom")
	got, _, err := Materialize(&failAfter{left: 2, err: boom}, 5)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if got != nil {
		t.Errorf("partial rows must not be returned: %v", got)
	}
}

func TestDrainAll(t *testing.T) {
	got, err := DrainAll(producer.NewRange(1, 5), 0)
	if err != nil {
		t.Fatalf("DrainAll: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("drained %d rows", len(got))
	}
}

func TestDrainAll_ResultTooLarge(t *testing.T) {
	_, err := DrainAll(producer.NewRange(1, 100), 10)
	if !errors.Is(err, apierr.ErrResultTooLarge) {
		t.Errorf("err = %v, want ErrResultTooLarge", err)
	}
}
