// Package syncerr defines the error taxonomy shared by the synchronization
// client and server. Handlers and callers branch on these types; everything
// else wraps with fmt.Errorf("%w").
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured is returned when the registry or the store has not been
// initialized before use.
var ErrNotConfigured = errors.New("dbsync: registry or store not initialized")

// ErrNotRegistered is returned by client operations that require node
// credentials before a successful register.
var ErrNotRegistered = errors.New("dbsync: node is not registered")

// PushRejectedError signals that the server saw a stale last-known version.
// The client reacts by pulling and merging before retrying.
type PushRejectedError struct {
	LastKnown int64
	Latest    int64
}

func (e *PushRejectedError) Error() string {
	return fmt.Sprintf("push rejected: client at version %d, server at %d", e.LastKnown, e.Latest)
}

// AuthError signals a signature mismatch or an unknown node.
type AuthError struct {
	NodeID int64
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for node %d: %s", e.NodeID, e.Reason)
}

// IntegrityError reports a constraint violation while committing a push on
// the server, naming the offending row.
type IntegrityError struct {
	Type string
	PK   int64
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s/%d: %v", e.Type, e.PK, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// MergeFetchError is fatal: a row required by the merge is absent from both
// the local database and the pull message, indicating journal/store drift.
type MergeFetchError struct {
	Type string
	PK   int64
	From string // "db" or "msg"
}

func (e *MergeFetchError) Error() string {
	return fmt.Sprintf("merge: row %s/%d not found in %s", e.Type, e.PK, e.From)
}

// UniqueConflictEntry identifies one row the user must resolve by hand.
type UniqueConflictEntry struct {
	Type    string   `json:"type"`
	PK      int64    `json:"pk"`
	Columns []string `json:"columns"`
}

// UniqueConflictError aborts a merge: a unique constraint conflict could not
// be resolved as a swap because the counterpart row is missing from the pull
// message.
type UniqueConflictError struct {
	Entries []UniqueConflictEntry
}

func (e *UniqueConflictError) Error() string {
	parts := make([]string, 0, len(e.Entries))
	for _, en := range e.Entries {
		parts = append(parts, fmt.Sprintf("%s/%d(%s)", en.Type, en.PK, strings.Join(en.Columns, ",")))
	}
	return "unsolvable unique constraint conflict: " + strings.Join(parts, "; ")
}

// SequenceWarning is advisory: a per-row operation sequence did not match the
// compression grammar, usually a sign of primary key reuse or external
// tampering with the journal. The sequence is left untouched.
type SequenceWarning struct {
	Type  string
	PK    int64
	Kinds []string
}

func (w SequenceWarning) String() string {
	return fmt.Sprintf("inconsistent operation sequence for %s/%d: %s "+
		"(possible primary key reuse; keys must be unique through the history of the table)",
		w.Type, w.PK, strings.Join(w.Kinds, " "))
}
