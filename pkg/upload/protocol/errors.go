package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies a failure so a client can choose between resynchronising,
// retrying and giving up.
type Category string

const (
	CategoryNotFound         Category = "not_found"
	CategoryOffsetMismatch   Category = "offset_mismatch"
	CategoryOverflow         Category = "overflow"
	CategorySizeExceeded     Category = "size_exceeded"
	CategoryIncomplete       Category = "incomplete"
	CategoryChecksumMismatch Category = "checksum_mismatch"
	CategoryInvalid          Category = "invalid_request"
	CategoryUnavailable      Category = "unavailable"
)

// StatusChecksumMismatch is the non-standard status used by tus servers for a failed checksum.
const StatusChecksumMismatch = 460

var (
	ErrNotFound         = &Error{Category: CategoryNotFound, Msg: "upload not found"}
	ErrOffsetMismatch   = &Error{Category: CategoryOffsetMismatch, Msg: "offset does not match received length"}
	ErrOverflow         = &Error{Category: CategoryOverflow, Msg: "chunk exceeds declared size"}
	ErrSizeExceeded     = &Error{Category: CategorySizeExceeded, Msg: "declared size outside allowed range"}
	ErrIncomplete       = &Error{Category: CategoryIncomplete, Msg: "upload is not complete"}
	ErrChecksumMismatch = &Error{Category: CategoryChecksumMismatch, Msg: "chunk checksum mismatch"}
	ErrInvalid          = &Error{Category: CategoryInvalid, Msg: "invalid request"}
	ErrUnavailable      = &Error{Category: CategoryUnavailable, Msg: "temporarily unavailable"}
)

// Error is a categorised protocol failure. Two errors match under errors.Is
// when their categories are equal, so callers can compare against the
// package sentinels regardless of message or wrapped cause.
type Error struct {
	Category Category
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Category)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Category == e.Category
}

// Retryable reports whether the error is worth retrying after a backoff.
func (e *Error) Retryable() bool { return e.Category.Transient() }

// Errorf builds a categorised error with a formatted message. A %w verb keeps
// the cause reachable through errors.Is and errors.As.
func Errorf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a category to an arbitrary error.
func Wrap(cat Category, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Err: err}
}

// CategoryOf extracts the category of err, or "" if err carries none.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// Transient categories are retried with backoff by clients.
func (c Category) Transient() bool {
	switch c {
	case CategoryUnavailable, CategoryChecksumMismatch:
		return true
	}
	return false
}

// Status maps a category to its HTTP status code.
func (c Category) Status() int {
	switch c {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryOffsetMismatch:
		return http.StatusConflict
	case CategoryOverflow, CategoryInvalid:
		return http.StatusBadRequest
	case CategorySizeExceeded:
		return http.StatusRequestEntityTooLarge
	case CategoryIncomplete:
		return http.StatusUnprocessableEntity
	case CategoryChecksumMismatch:
		return StatusChecksumMismatch
	case CategoryUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// CategoryFromResponse decodes the category of a failed response. The
// Upload-Error header wins; the status code is the fallback for servers
// that do not send it.
func CategoryFromResponse(status int, header string) Category {
	if header != "" {
		switch c := Category(header); c {
		case CategoryNotFound, CategoryOffsetMismatch, CategoryOverflow, CategorySizeExceeded,
			CategoryIncomplete, CategoryChecksumMismatch, CategoryInvalid, CategoryUnavailable:
			return c
		}
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return CategoryNotFound
	case status == http.StatusConflict:
		return CategoryOffsetMismatch
	case status == http.StatusRequestEntityTooLarge:
		return CategorySizeExceeded
	case status == http.StatusUnprocessableEntity:
		return CategoryIncomplete
	case status == StatusChecksumMismatch:
		return CategoryChecksumMismatch
	case status == http.StatusTooManyRequests || status >= 500:
		return CategoryUnavailable
	case status >= 400:
		return CategoryInvalid
	}
	return ""
}
