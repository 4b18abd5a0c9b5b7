package coordination

import "github.com/heliosproject/helios/internal/errkind"

// Sentinel errors for the taxonomy spec section 4.2 names. Implementations
// return these (wrapped with errkind where a caller-facing kind applies)
// so callers can branch with errors.Is regardless of which Store backs
// the call.
var (
	ErrNotFound    = errkind.New(errkind.NotFound, "node not found")
	ErrExists      = errkind.New(errkind.Conflict, "node already exists")
	ErrBadVersion  = errkind.New(errkind.Conflict, "version mismatch")
	ErrTransient   = errkind.New(errkind.Transient, "transient store error")
	ErrSessionLost = errkind.New(errkind.Fatal, "coordination session lost")
	ErrNoParent    = errkind.New(errkind.NotFound, "parent node does not exist")
)
