package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrConnection    = errors.New("storage connection failed")
	ErrManagerClosed = errors.New("connection manager closed")
	ErrResolution    = errors.New("file resolution failed")
	ErrStream        = errors.New("source stream failed")
	ErrStore         = errors.New("chunk store rejected write")
	ErrCancelled     = errors.New("upload cancelled")
	ErrLimit         = errors.New("upload limit exceeded")
)

// ErrorKind classifies a per-file failure.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindResolution ErrorKind = "resolution"
	KindStream     ErrorKind = "stream"
	KindStore      ErrorKind = "store"
	KindCancelled  ErrorKind = "cancelled"
	KindLimit      ErrorKind = "limit"
)

var kindSentinels = map[ErrorKind]error{
	KindConnection: ErrConnection,
	KindResolution: ErrResolution,
	KindStream:     ErrStream,
	KindStore:      ErrStore,
	KindCancelled:  ErrCancelled,
	KindLimit:      ErrLimit,
}

// CancelsSiblings reports whether a failure of this kind aborts the other
// files of the same request. Resolution and limit failures stay scoped to
// their own file.
func (k ErrorKind) CancelsSiblings() bool {
	switch k {
	case KindStream, KindStore, KindConnection:
		return true
	default:
		return false
	}
}

// FileError is the failure of a single file writer.
type FileError struct {
	Kind     ErrorKind
	Index    int
	Field    string
	Filename string
	Err      error
}

// NewFileError wraps cause with the writer identity of file.
func NewFileError(kind ErrorKind, index int, file FileInfo, cause error) *FileError {
	return &FileError{
		Kind:     kind,
		Index:    index,
		Field:    file.FieldName,
		Filename: file.OriginalFilename,
		Err:      cause,
	}
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s error on field %q (file %q): %v", e.Kind, e.Field, e.Filename, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

func (e *FileError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// Failure converts the error to its reportable form.
func (e *FileError) Failure() FileFailure {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return FileFailure{
		Index:            e.Index,
		FieldName:        e.Field,
		OriginalFilename: e.Filename,
		Kind:             e.Kind,
		Message:          msg,
	}
}

// UploadError is the single error surfaced for a request. It names the file
// that failed first; Failed and Committed count the whole request.
type UploadError struct {
	First     *FileError
	Failed    int
	Committed int
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed (%d failed, %d committed): %v", e.Failed, e.Committed, e.First)
}

func (e *UploadError) Unwrap() error {
	return e.First
}

// ConfigError marks invalid construction options.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
