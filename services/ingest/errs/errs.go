// Package errs defines the closed error taxonomy shared by the ingestion
// pipeline, the job layer and the retrieval gateway.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure. The set is closed; adapters at each library
// boundary translate foreign errors into one of these values.
type Kind string

const (
	KindDownloadTimeout     Kind = "download-timeout"
	KindDownloadHTTPError   Kind = "download-http-error"
	KindDownloadToolMissing Kind = "download-tool-missing"
	KindDownloadToolFailed  Kind = "download-tool-failed"
	KindDownloadEmptyResult Kind = "download-empty-result"
	KindFormatUndetermined  Kind = "format-undetermined"
	KindArchiveCorrupt      Kind = "archive-corrupt"
	KindExtractionFailed    Kind = "extraction-failed"
	KindFilesystem          Kind = "filesystem-error"
	KindJobRuntimeFault     Kind = "job-runtime-fault"
	KindPathTraversal       Kind = "path-traversal-denied"
	KindNotFound            Kind = "not-found"
	KindInvalidSessionID    Kind = "invalid-session-id"
	KindInvalidRequest      Kind = "invalid-request"
)

// Error is the concrete error type carried through the pipeline.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "download" or "extract".
	Op string
	// Detail refines Kind, e.g. "connect" vs "read" for timeouts.
	Detail string
	// Archive is the detected archive kind, when one is known.
	Archive string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	if e.Archive != "" {
		b.WriteString(" [")
		b.WriteString(e.Archive)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an *Error whose cause is a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithDetail returns a copy of e with Detail set.
func (e *Error) WithDetail(detail string) *Error {
	clone := *e
	clone.Detail = detail
	return &clone
}

// WithArchive returns a copy of e with Archive set.
func (e *Error) WithArchive(archive string) *Error {
	clone := *e
	clone.Archive = archive
	return &clone
}

// KindOf reports the taxonomy kind of err. Errors that never passed through
// an adapter are reported as job-runtime-fault.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindJobRuntimeFault
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
