package fetch

import (
	"fmt"
	"time"
)

// FetchError describes why a single fetch failed.
type FetchError struct {
	Identifier string
	StatusCode int
	Class      ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d): %v",
			e.Identifier, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error: %v", e.Identifier, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Outcome is the result record of one fetch.
type Outcome struct {
	Identifier string

	// OK is true only for a 200 response whose body was fully read.
	OK bool

	// Bytes is the buffered body size; always 0 when OK is false.
	Bytes uint64

	// StatusCode is 0 when no response was received.
	StatusCode int

	// Class is empty on success.
	Class ErrorClass

	// Err is a *FetchError on failure.
	Err error

	Start time.Time
	Stop  time.Time
}

// Duration returns the wall-clock time the fetch took.
func (o Outcome) Duration() time.Duration {
	if o.Stop.IsZero() {
		return 0
	}
	return o.Stop.Sub(o.Start)
}
