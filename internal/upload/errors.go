package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means an attempt exceeded its timeout.
	ErrTimeout = errors.New("upload timed out")
	// ErrNetwork means the request could not be delivered.
	ErrNetwork = errors.New("upload network error")
	// ErrInvalidResponse means the endpoint answered 2xx without a JSON body.
	ErrInvalidResponse = errors.New("upload response is not JSON")
)

// HTTPError is a non-2xx answer from the endpoint.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload failed with status %d", e.Status)
	}
	return fmt.Sprintf("upload failed with status %d: %s", e.Status, e.Body)
}

// Failure is returned once every attempt has failed. It wraps the last
// attempt's error.
type Failure struct {
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("upload failed after %d attempts: %v", f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
