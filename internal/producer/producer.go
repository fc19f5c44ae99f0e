// Package producer defines the pull contract between query execution and
// the cursor layer.
package producer

import (
	"encoding/json"
	"strconv"

	"github.com/kartikbazzad/cursordb/internal/value"
)

// Producer is a pull source of result rows. HasMore reports whether Next
// can yield another row or a pending failure; Next returns the row or the
// failure. A Producer is owned by exactly one consumer; implementations
// are not safe for concurrent use.
type Producer interface {
	HasMore() bool
	Next() (value.Value, error)
}

// Slice replays rows already materialized in memory.
type Slice struct {
	rows []value.Value
	pos  int
}

func FromSlice(rows []value.Value) *Slice {
	return &Slice{rows: rows}
}

func (s *Slice) HasMore() bool {
	return s.pos < len(s.rows)
}

func (s *Slice) Next() (value.Value, error) {
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

// Range yields the integers lo..hi inclusive as json.Number rows.
type Range struct {
	next, hi int64
}

func NewRange(lo, hi int64) *Range {
	return &Range{next: lo, hi: hi}
}

func (r *Range) HasMore() bool {
	return r.next <= r.hi
}

func (r *Range) Next() (value.Value, error) {
	row := json.Number(strconv.FormatInt(r.next, 10))
	r.next++
	return row, nil
}
