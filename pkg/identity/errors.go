package identity

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the matching engine.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindNotFound: a reference could not be resolved by id or person id.
	KindNotFound

	// KindInvalidRecord: malformed embedding or attributes on one record.
	KindInvalidRecord

	// KindIndexCorrupt: persisted vector table and id mapping disagree.
	KindIndexCorrupt

	// KindLookupFailure: external metadata (e.g. frame rate) unavailable.
	KindLookupFailure
)

var kindNames = [...]string{
	KindUnknown:       "Unknown",
	KindNotFound:      "NotFound",
	KindInvalidRecord: "InvalidRecord",
	KindIndexCorrupt:  "IndexCorrupt",
	KindLookupFailure: "LookupFailure",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// MarshalText encodes k by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a name produced by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	for i, name := range kindNames {
		if name == string(text) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("identity: unknown error kind %q", text)
}

// Sentinel errors, one per kind. Use errors.Is against these; any *Error
// of the same kind matches.
var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrInvalidRecord = &Error{Kind: KindInvalidRecord}
	ErrIndexCorrupt  = &Error{Kind: KindIndexCorrupt}
	ErrLookupFailure = &Error{Kind: KindLookupFailure}
)

// Error is a kind-tagged error. Only the kind and a message cross package
// boundaries.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. It returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if msg == "" {
		msg = "error"
	}
	if e.Op == "" {
		return e.Kind.String() + ": " + msg
	}
	return e.Op + ": " + e.Kind.String() + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Reop returns err with the operation of its first *Error replaced by op.
// Errors without an *Error in their chain are returned unchanged.
func Reop(err error, op string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Op = op
	return &cp
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
