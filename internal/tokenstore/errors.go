package tokenstore

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by callers that require a stored token when the
// store reports it absent. Stores themselves return ok=false instead.
var ErrNotFound = errors.New("no token stored")

// ErrInvalidRecord rejects saving a record without an access token.
var ErrInvalidRecord = errors.New("token record has no access_token")

// Error reports corrupt or unreadable persisted token state.
// Corrupt distinguishes "exists but unparseable" (re-authenticate) from I/O
// failures (abort).
type Error struct {
	Op      string
	Path    string
	Corrupt bool
	Err     error
}

func (e *Error) Error() string {
	kind := "unreadable"
	if e.Corrupt {
		kind = "corrupt"
	}
	if e.Op == "save" {
		kind = "unwritable"
	}
	return fmt.Sprintf("token store %s %s: %s: %v", e.Op, e.Path, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is a token store error caused by a malformed
// persisted record.
func IsCorrupt(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Corrupt
}
