package sonicerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure. The numeric values are the error codes
// reported to hosts and page scripts.
type Kind int

const (
	Unknown               Kind = -1
	IOFailure             Kind = -901
	TimedOut              Kind = -902
	HtmlVerifyFailed      Kind = -1001
	DirectoryCreateFailed Kind = -1003
	WriteFileFailed       Kind = -1004
	SplitHtmlFailed       Kind = -1005
	MergeDiffFailed       Kind = -1006
	ServerDataInvalid     Kind = -1007
	BuildHtmlFailed       Kind = -1008
	InterceptionFailed    Kind = -1009
)

var kindNames = map[Kind]string{
	Unknown:               "unknown",
	IOFailure:             "io-failure",
	TimedOut:              "timed-out",
	HtmlVerifyFailed:      "html-verify-failed",
	DirectoryCreateFailed: "directory-create-failed",
	WriteFileFailed:       "write-file-failed",
	SplitHtmlFailed:       "split-html-failed",
	MergeDiffFailed:       "merge-diff-failed",
	ServerDataInvalid:     "server-data-invalid",
	BuildHtmlFailed:       "build-html-failed",
	InterceptionFailed:    "interception-failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the numeric error code.
func (k Kind) Code() int {
	return int(k)
}

// Codec reports whether failures of this kind mean the cached item is corrupt.
func (k Kind) Codec() bool {
	switch k {
	case SplitHtmlFailed, MergeDiffFailed, BuildHtmlFailed, HtmlVerifyFailed:
		return true
	}
	return false
}

// Error is a classified failure for one session or resource id.
type Error struct {
	Kind Kind
	// Operation that failed, e.g. "split" or "persist".
	Op string
	// Session or resource id, if any.
	ID  string
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg = msg + " (" + e.ID + ")"
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinel values like
// `&Error{Kind: SplitHtmlFailed}` can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && (t.ID == "" || t.ID == e.ID)
}

// New creates an error of the given kind.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
// Unclassified errors return Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromTransport classifies an error returned by a network exchange.
func FromTransport(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(TimedOut, op, id, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(TimedOut, op, id, err)
	}
	if KindOf(err) != Unknown {
		return err
	}
	return Wrap(IOFailure, op, id, err)
}
