package downloader

import (
	"errors"
	"fmt"
)

// Outcome is the tri-state result of a download run.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result summarises one run.
type Result struct {
	Outcome    Outcome
	RunID      string
	TotalTiles int
	Processed  int
	Fetched    int
	Skipped    int
	Failed     int
	Err        error
}

// Retryable reports whether the caller should try again later.
func (r Result) Retryable() bool {
	return r.Outcome == RetryableFailure
}

// CircuitBreaker returns the breaker error of an aborted run, if any.
func (r Result) CircuitBreaker() (*CircuitBreakerError, bool) {
	var cbErr *CircuitBreakerError
	if errors.As(r.Err, &cbErr) {
		return cbErr, true
	}
	return nil, false
}
