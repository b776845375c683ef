// Package inmem provides an in-memory BlobStore with lease and token semantics
// close enough to a real object store to exercise the relocation protocol.
package inmem

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	br "gitlab.com/secure-storage/blobrelocator"
)

// Ensure store implements interface.
var _ br.BlobStore = (*Store)(nil)

type object struct {
	data    []byte
	leaseID string
}

// Store keeps objects keyed by endpoint/container and object name.
type Store struct {
	mu         sync.Mutex
	containers map[string]map[string]*object
	leaseSeq   int

	// Now is the clock used to check token validity.
	Now func() time.Time

	// Hooks consulted before the corresponding operation. A non-nil error is
	// returned as is and the operation is skipped.
	EnsureContainerHook func(loc br.ObjectLocator) error
	CopyHook            func(src, dst br.ObjectLocator) error
	DeleteHook          func(loc br.ObjectLocator) error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		containers: make(map[string]map[string]*object),
		Now:        time.Now,
	}
}

func containerKey(loc br.ObjectLocator) string {
	return loc.Endpoint() + "/" + loc.Container
}

func (s *Store) lookup(loc br.ObjectLocator) (*object, bool) {
	objects, ok := s.containers[containerKey(loc)]
	if !ok {
		return nil, false
	}
	obj, ok := objects[loc.Name]
	return obj, ok
}

// Put stores data at loc, creating the container when needed.
func (s *Store) Put(loc br.ObjectLocator, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := containerKey(loc)
	if _, ok := s.containers[key]; !ok {
		s.containers[key] = make(map[string]*object)
	}
	s.containers[key][loc.Name] = &object{data: bytes.Clone(data)}
}

// Get returns a copy of the object's content.
func (s *Store) Get(loc br.ObjectLocator) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.lookup(loc)
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Leased reports whether the object currently carries a lease.
func (s *Store) Leased(loc br.ObjectLocator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.lookup(loc)
	return ok && obj.leaseID != ""
}

// ContainerExists reports whether the container of loc exists.
func (s *Store) ContainerExists(loc br.ObjectLocator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.containers[containerKey(loc)]
	return ok
}

// EnsureContainer creates the container of loc if absent.
func (s *Store) EnsureContainer(ctx context.Context, loc br.ObjectLocator) error {
	if s.EnsureContainerHook != nil {
		if err := s.EnsureContainerHook(loc); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := containerKey(loc)
	if _, ok := s.containers[key]; !ok {
		s.containers[key] = make(map[string]*object)
	}
	return nil
}

// Exists reports whether the object exists.
func (s *Store) Exists(ctx context.Context, loc br.ObjectLocator) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(loc)
	return ok, nil
}

// AcquireLease leases the object. Leases never expire.
func (s *Store) AcquireLease(ctx context.Context, loc br.ObjectLocator) (br.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.lookup(loc)
	if !ok {
		return nil, br.Errorf(br.ENOTFOUND, "blob %s not found", loc)
	}
	if obj.leaseID != "" {
		return nil, br.Errorf(br.ECONFLICT, "blob %s already has a lease", loc)
	}

	s.leaseSeq++
	obj.leaseID = fmt.Sprintf("lease-%d", s.leaseSeq)
	return &lease{store: s, loc: loc, id: obj.leaseID}, nil
}

// Delegate mints a read-only token for loc.
func (s *Store) Delegate(ctx context.Context, loc br.ObjectLocator, validFrom, validUntil time.Time) (*br.DelegatedAccessToken, error) {
	if !validUntil.After(validFrom) {
		return nil, br.Errorf(br.EINVALID, "token window [%s, %s) is empty", validFrom, validUntil)
	}

	q := url.Values{}
	q.Set("sp", br.ReadPermission)
	q.Set("st", validFrom.UTC().Format(time.RFC3339))
	q.Set("se", validUntil.UTC().Format(time.RFC3339))

	return &br.DelegatedAccessToken{
		Source:      loc,
		ValidFrom:   validFrom,
		ValidUntil:  validUntil,
		Permissions: br.ReadPermission,
		URL:         loc.String() + "?" + q.Encode(),
	}, nil
}

// Copy copies the token's object to dst after checking the token.
func (s *Store) Copy(ctx context.Context, token *br.DelegatedAccessToken, dst br.ObjectLocator) error {
	if s.CopyHook != nil {
		if err := s.CopyHook(token.Source, dst); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !token.Valid(s.Now()) {
		return br.Errorf(br.ECOPYFAILED, "token for %s is not valid at copy time", token.Source)
	}
	if !strings.Contains(token.Permissions, br.ReadPermission) {
		return br.Errorf(br.ECOPYFAILED, "token for %s does not grant read access", token.Source)
	}

	src, ok := s.lookup(token.Source)
	if !ok {
		return br.Errorf(br.ECOPYFAILED, "copy source %s not found", token.Source)
	}
	objects, ok := s.containers[containerKey(dst)]
	if !ok {
		return br.Errorf(br.ECOPYFAILED, "container %s not found", dst.Container)
	}
	if existing, ok := objects[dst.Name]; ok && existing.leaseID != "" {
		return br.Errorf(br.ECOPYFAILED, "destination %s is leased", dst)
	}

	objects[dst.Name] = &object{data: bytes.Clone(src.data)}
	return nil
}

// Delete removes an unleased object.
func (s *Store) Delete(ctx context.Context, loc br.ObjectLocator) error {
	if s.DeleteHook != nil {
		if err := s.DeleteHook(loc); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.lookup(loc)
	if !ok {
		return br.Errorf(br.ENOTFOUND, "blob %s not found", loc)
	}
	if obj.leaseID != "" {
		return br.Errorf(br.ECONFLICT, "blob %s has a lease", loc)
	}
	delete(s.containers[containerKey(loc)], loc.Name)
	return nil
}

type lease struct {
	store *Store
	loc   br.ObjectLocator
	id    string
}

func (l *lease) ID() string { return l.id }

func (l *lease) Release(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	obj, ok := l.store.lookup(l.loc)
	if !ok {
		return br.Errorf(br.ENOTFOUND, "blob %s not found", l.loc)
	}
	if obj.leaseID != l.id {
		return br.Errorf(br.ECONFLICT, "lease %s is not held on %s", l.id, l.loc)
	}
	obj.leaseID = ""
	return nil
}
