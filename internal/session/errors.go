package session

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/notecapture/internal/capture"
	"github.com/audiolibrelab/notecapture/internal/encode"
	"github.com/audiolibrelab/notecapture/internal/mix"
	"github.com/audiolibrelab/notecapture/internal/timefmt"
	"github.com/audiolibrelab/notecapture/internal/upload"
)

// Kind classifies a session failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindCaptureDenied
	KindCaptureUnavailable
	KindMixerInit
	KindEncoderInit
	KindUploadTimeout
	KindUploadHTTP
	KindUploadNetwork
	KindBusy
)

var kindNames = map[Kind]string{
	KindUnknown:            "Unknown",
	KindInvalidInput:       "InvalidInput",
	KindCaptureDenied:      "CaptureDenied",
	KindCaptureUnavailable: "CaptureUnavailable",
	KindMixerInit:          "MixerInitFailure",
	KindEncoderInit:        "EncoderInitFailure",
	KindUploadTimeout:      "UploadTimeout",
	KindUploadHTTP:         "UploadHTTPError",
	KindUploadNetwork:      "UploadNetworkError",
	KindBusy:               "SessionBusy",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified session failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	var httpErr *upload.HTTPError
	switch {
	case errors.Is(err, timefmt.ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, capture.ErrDenied):
		return KindCaptureDenied
	case errors.Is(err, capture.ErrUnavailable):
		return KindCaptureUnavailable
	case errors.Is(err, mix.ErrContextInit):
		return KindMixerInit
	case errors.Is(err, encode.ErrInit):
		return KindEncoderInit
	case errors.Is(err, upload.ErrTimeout):
		return KindUploadTimeout
	case errors.As(err, &httpErr):
		return KindUploadHTTP
	case errors.Is(err, upload.ErrNetwork), errors.Is(err, upload.ErrInvalidResponse):
		return KindUploadNetwork
	default:
		return KindUnknown
	}
}

// wrap classifies err, falling back to fallback when nothing matches.
func wrap(err error, fallback Kind) *Error {
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = fallback
	}
	return &Error{Kind: kind, Err: err}
}
