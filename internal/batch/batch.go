// Package batch pulls bounded row batches out of a producer.
package batch

import (
	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/producer"
	"github.com/kartikbazzad/cursordb/internal/value"
)

// Materialize pulls up to batchSize rows from p. It reports whether the
// producer can still yield rows after the batch. A producer failure
// discards the partial batch and is returned as-is; the caller must not
// retry the producer afterwards.
func Materialize(p producer.Producer, batchSize int) ([]value.Value, bool, error) {
	if batchSize <= 0 {
		return nil, false, apierr.ErrInvalidBatchSize
	}

	rows := make([]value.Value, 0, batchSize)
	for len(rows) < batchSize && p.HasMore() {
		row, err := p.Next()
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, row)
	}
	return rows, p.HasMore(), nil
}

// DrainAll pulls every remaining row. max bounds the result size
// (0 = unlimited); exceeding it is an error, not a truncation.
func DrainAll(p producer.Producer, max int) ([]value.Value, error) {
	var rows []value.Value
	for p.HasMore() {
		row, err := p.Next()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
		if max > 0 && len(rows) > max {
			return nil, apierr.ErrResultTooLarge
		}
	}
	return rows, nil
}
