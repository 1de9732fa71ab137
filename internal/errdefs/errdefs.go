package errdefs

import (
	"errors"
	"fmt"
)

// Kind categorises failures so callers can decide whether to abort a branch
// or count the failure against a single item.
type Kind string

const (
	// KindTransport covers HTTP and object-store network failures.
	KindTransport Kind = "transport"
	// KindDecode covers malformed payloads.
	KindDecode Kind = "decode"
	// KindConfig covers missing or invalid destinations and parameters.
	KindConfig Kind = "config"
	// KindItem covers a failure scoped to one file or record.
	KindItem Kind = "item"
)

// Error carries the failure kind together with the operation and, for item
// failures, the file or record it belongs to.
type Error struct {
	Kind Kind
	Op   string
	Item string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Item != "" && e.Err != nil:
		return fmt.Sprintf("%s %s (%s): %v", e.Kind, e.Op, e.Item, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transport wraps err as a transport failure of op.
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Decode wraps err as a decode failure of op.
func Decode(op string, err error) error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

// Config reports a configuration problem.
func Config(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// Item wraps err as a failure of op on a single item.
func Item(op, item string, err error) error {
	return &Error{Kind: KindItem, Op: op, Item: item, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsTransport(err error) bool { return KindOf(err) == KindTransport }
func IsDecode(err error) bool    { return KindOf(err) == KindDecode }
func IsConfig(err error) bool    { return KindOf(err) == KindConfig }
func IsItem(err error) bool      { return KindOf(err) == KindItem }
