package blobrelocator

import (
	"context"
	"time"
)

// ReadPermission is the only permission a delegated access token carries.
const ReadPermission = "r"

// DelegatedAccessToken is a short lived read-only credential scoped to a single
// object. URL is the token-qualified source URI handed to the server-side copy.
type DelegatedAccessToken struct {
	Source      ObjectLocator
	ValidFrom   time.Time
	ValidUntil  time.Time
	Permissions string
	URL         string
}

// Valid reports whether the token can be used at t.
func (t *DelegatedAccessToken) Valid(at time.Time) bool {
	return !at.Before(t.ValidFrom) && at.Before(t.ValidUntil)
}

// Lease is an exclusive lock on a source object held for the duration of a copy.
type Lease interface {
	ID() string

	// Releases the lease. A released lease must not block deletion of the object.
	Release(ctx context.Context) error
}

// BlobStore is the storage capability the relocator is built on. Implementations
// resolve endpoints from the locators they are handed and own their credentials.
type BlobStore interface {

	// Creates the container of loc under its endpoint if it does not exist yet.
	EnsureContainer(ctx context.Context, loc ObjectLocator) error

	// Reports whether the object exists.
	Exists(ctx context.Context, loc ObjectLocator) (bool, error)

	// Acquires an exclusive lease of unbounded duration on the object.
	// Returns an ECONFLICT error when another holder has it.
	AcquireLease(ctx context.Context, loc ObjectLocator) (Lease, error)

	// Mints a read-only token scoped to the object, valid in [validFrom, validUntil).
	Delegate(ctx context.Context, loc ObjectLocator, validFrom, validUntil time.Time) (*DelegatedAccessToken, error)

	// Starts a server-side copy of the token's object to dst and blocks until the
	// service reports completion. Returns ECOPYFAILED when the service rejected or
	// aborted the copy and EUNREACHABLE when it could not be reached.
	Copy(ctx context.Context, token *DelegatedAccessToken, dst ObjectLocator) error

	// Deletes the object.
	Delete(ctx context.Context, loc ObjectLocator) error
}
