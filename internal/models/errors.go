// internal/models/errors.go
package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: referenced document, job, or page does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidFormat: source file is not a parseable PDF.
	ErrInvalidFormat = errors.New("invalid format: not a parseable PDF")

	// ErrBlankPageDetected: a rendered page's byte size is suspiciously
	// small. Non-fatal; the converter retries once before surfacing it.
	ErrBlankPageDetected = errors.New("blank page detected")

	// ErrStillProcessing: a conversion job is in flight for the document.
	ErrStillProcessing = errors.New("document is still processing")

	// ErrUnavailable: conversion failed terminally; the document cannot be
	// served until it is re-uploaded or reconverted.
	ErrUnavailable = errors.New("document unavailable")
)

// ConversionFailedError wraps the last underlying error after retries are
// exhausted.
type ConversionFailedError struct {
	DocumentID uint
	Attempts   int
	Err        error
}

func (e *ConversionFailedError) Error() string {
	return fmt.Sprintf("conversion of document %d failed after %d attempt(s): %v", e.DocumentID, e.Attempts, e.Err)
}

func (e *ConversionFailedError) Unwrap() error { return e.Err }

// TimeoutError marks a conversion job that exceeded its wall-clock budget.
type TimeoutError struct {
	DocumentID uint
	Budget     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("conversion of document %d exceeded budget %s", e.DocumentID, e.Budget)
}

type URLErrorKind string

const (
	URLExpired   URLErrorKind = "expired"
	URLForbidden URLErrorKind = "forbidden"
	URLNotFound  URLErrorKind = "not_found"
)

// URLResolutionError: a signed or public URL for a page is unreachable. The
// page data exists but is not currently servable, which is distinct from a
// conversion failure.
type URLResolutionError struct {
	Kind   URLErrorKind
	Path   string
	Status int
}

func (e *URLResolutionError) Error() string {
	return fmt.Sprintf("page URL %s unreachable (%s, status %d)", e.Path, e.Kind, e.Status)
}
