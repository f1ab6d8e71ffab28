package niledb

import "github.com/niledb/niledb/internal/pager"

// ErrKind mirrors the storage layer's closed failure taxonomy so callers
// outside internal/pager never need to import it directly.
type ErrKind = pager.ErrKind

const (
	KindIO             = pager.KindIO
	KindFullPool       = pager.KindFullPool
	KindPageNotFound   = pager.KindPageNotFound
	KindInvalidArg     = pager.KindInvalidArg
	KindDuplicateKey   = pager.KindDuplicateKey
	KindNotFound       = pager.KindNotFound
	KindSchemaMismatch = pager.KindSchemaMismatch
)

// Error is returned by every NileDB operation that fails.
type Error = pager.Error

// KindOf extracts the ErrKind from err, or 0 if err was not produced by
// this module.
func KindOf(err error) ErrKind { return pager.KindOf(err) }

func newErr(kind ErrKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}
