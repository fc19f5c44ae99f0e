package errors

import (
	"errors"
	"fmt"
)

// Stable API error numbers. These travel in the response body next to the
// transport status so clients can branch on the condition, not the
// transport.
const (
	NumBadParameter      = 400  // malformed request field (e.g. missing cursor id)
	NumMissingBody       = 600  // request body absent or unreadable
	NumCollectionUnknown = 1203 // query references a collection that does not exist
	NumExecutionFailed   = 1500 // producer failed while pulling rows
	NumParseFailed       = 1501 // query text did not parse
	NumCursorUnknown     = 1600 // cursor id unknown, expired or already disposed
	NumCursorBusy        = 409  // concurrent fetch on the same cursor
)

var (
	// ErrMissingBody is returned when a request that requires a body has none.
	ErrMissingBody = errors.New("missing request body")

	// ErrMissingIdentifier is returned when a cursor request carries no id.
	ErrMissingIdentifier = errors.New("missing cursor identifier")

	// ErrCursorNotFound is returned for unknown, expired or disposed cursor ids.
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrCursorBusy is returned when a cursor is already being fetched.
	ErrCursorBusy = errors.New("cursor is busy")

	// ErrCollectionNotFound is returned when a query references an unknown collection.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when creating a collection that already exists.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrInvalidCollectionName is returned for empty or malformed collection names.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrInvalidBatchSize is returned when batchSize is zero or negative.
	ErrInvalidBatchSize = errors.New("batch size must be a positive integer")

	// ErrInvalidTTL is returned when ttl is negative.
	ErrInvalidTTL = errors.New("ttl must not be negative")

	// ErrResultTooLarge is returned when a counted query exceeds the result cap.
	ErrResultTooLarge = errors.New("query result exceeds maximum result size")

	// ErrServerStopped is returned when a request arrives after shutdown began.
	ErrServerStopped = errors.New("server is stopped")
)

// APIError attaches a stable error number to an underlying error.
type APIError struct {
	Num     int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// WithNum wraps err with an error number, keeping the original message.
func WithNum(num int, err error) *APIError {
	return &APIError{Num: num, Message: err.Error(), Err: err}
}

// Numbered builds an APIError from a formatted message.
func Numbered(num int, format string, args ...interface{}) *APIError {
	return &APIError{Num: num, Message: fmt.Sprintf(format, args...)}
}

// NumberOf maps an error to its API error number. Sentinels map to their
// fixed numbers; anything unrecognized is an execution failure.
func NumberOf(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		return api.Num
	}
	switch {
	case errors.Is(err, ErrMissingBody):
		return NumMissingBody
	case errors.Is(err, ErrMissingIdentifier),
		errors.Is(err, ErrInvalidBatchSize),
		errors.Is(err, ErrInvalidTTL),
		errors.Is(err, ErrInvalidCollectionName):
		return NumBadParameter
	case errors.Is(err, ErrCursorNotFound):
		return NumCursorUnknown
	case errors.Is(err, ErrCursorBusy):
		return NumCursorBusy
	case errors.Is(err, ErrCollectionNotFound):
		return NumCollectionUnknown
	default:
		return NumExecutionFailed
	}
}
