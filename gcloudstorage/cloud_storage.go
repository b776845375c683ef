// Package gcloudstorage implements the relocation storage capability on Google
// Cloud Storage. A locator's host is the bucket and its container is the first
// path segment of the object name, so rebasing a locator swaps buckets while
// keeping the object path. Object temporary holds stand in for leases.
package gcloudstorage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	br "gitlab.com/secure-storage/blobrelocator"
)

// Ensure service implements interface.
var _ br.BlobStore = (*CloudStorageService)(nil)

// CloudStorageService implements br.BlobStore on Google Cloud Storage.
type CloudStorageService struct {
	GCloudStorage *GCloudStorage
	Logger        *zap.Logger
}

// NewCloudStorageService returns a new instance of CloudStorageService
func NewCloudStorageService(gcloudStorage *GCloudStorage, logger *zap.Logger) *CloudStorageService {
	return &CloudStorageService{
		GCloudStorage: gcloudStorage,
		Logger:        logger,
	}
}

// objectName is the full object name inside the bucket.
func objectName(loc br.ObjectLocator) string {
	return loc.Container + "/" + loc.Name
}

func (s *CloudStorageService) object(loc br.ObjectLocator) *storage.ObjectHandle {
	return s.GCloudStorage.Client.Bucket(loc.Host).Object(objectName(loc))
}

// classify maps a storage error to an application error. API errors get code;
// anything else means the service was not reached.
func classify(err error, code string, format string, args ...interface{}) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) || errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return br.WrapError(code, err, format, args...)
	}
	return br.WrapError(br.EUNREACHABLE, err, format, args...)
}

func hasStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// EnsureContainer creates the bucket of loc in the configured project if it
// does not exist. Containers are object name prefixes and need no creation.
func (s *CloudStorageService) EnsureContainer(ctx context.Context, loc br.ObjectLocator) error {
	bkt := s.GCloudStorage.Client.Bucket(loc.Host)

	_, err := bkt.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return classify(err, br.EUNREACHABLE, "bucket %s", loc.Host)
	}

	if err := bkt.Create(ctx, s.GCloudStorage.ProjectID, nil); err != nil && !hasStatus(err, http.StatusConflict) {
		return classify(err, br.EUNREACHABLE, "create bucket %s", loc.Host)
	}
	return nil
}

// Exists reports whether the object exists.
func (s *CloudStorageService) Exists(ctx context.Context, loc br.ObjectLocator) (bool, error) {
	_, err := s.object(loc).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
		return false, nil
	default:
		return false, classify(err, br.EINTERNAL, "attrs of %s", loc)
	}
}

// AcquireLease places a temporary hold on the object. The hold is set with a
// metageneration precondition so two concurrent holders cannot both succeed.
func (s *CloudStorageService) AcquireLease(ctx context.Context, loc br.ObjectLocator) (br.Lease, error) {
	obj := s.object(loc)

	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, br.WrapError(br.ENOTFOUND, err, "object %s not found", loc)
	} else if err != nil {
		return nil, classify(err, br.EINTERNAL, "attrs of %s", loc)
	}
	if attrs.TemporaryHold {
		return nil, br.Errorf(br.ECONFLICT, "object %s is already held", loc)
	}

	updated, err := obj.If(storage.Conditions{MetagenerationMatch: attrs.Metageneration}).
		Update(ctx, storage.ObjectAttrsToUpdate{TemporaryHold: true})
	if hasStatus(err, http.StatusPreconditionFailed) {
		return nil, br.WrapError(br.ECONFLICT, err, "object %s changed while taking the hold", loc)
	} else if err != nil {
		return nil, classify(err, br.EINTERNAL, "hold %s", loc)
	}

	return &hold{
		obj: obj,
		loc: loc,
		id:  fmt.Sprintf("%d.%d", updated.Generation, updated.Metageneration),
	}, nil
}

// Delegate signs a V4 GET URL for the object. V4 URLs are valid from the
// moment they are signed, so validFrom only bounds the reported window.
//
// Copy does not read through this URL: the rewrite runs with the client's own
// credentials. Here the token only carries the expiry Copy checks.
func (s *CloudStorageService) Delegate(ctx context.Context, loc br.ObjectLocator, validFrom, validUntil time.Time) (*br.DelegatedAccessToken, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodGet,
		GoogleAccessID: s.GCloudStorage.GoogleAccessID,
		PrivateKey:     s.GCloudStorage.PrivateKey,
		Expires:        validUntil,
	}
	u, err := s.GCloudStorage.SignedURL(loc.Host, objectName(loc), opts)
	if err != nil {
		return nil, br.WrapError(br.EINTERNAL, err, "storage.SignedURL: %s", loc)
	}
	return &br.DelegatedAccessToken{
		Source:      loc,
		ValidFrom:   validFrom,
		ValidUntil:  validUntil,
		Permissions: br.ReadPermission,
		URL:         u,
	}, nil
}

// Copy rewrites the token's object into dst. The rewrite runs inside the
// service and Run returns once every rewrite round has completed.
//
// token.URL is not used. The rewrite reads token.Source with the client's
// credentials, so the signed URL does not limit what is read; only an expired
// token is refused.
func (s *CloudStorageService) Copy(ctx context.Context, token *br.DelegatedAccessToken, dst br.ObjectLocator) error {
	if time.Now().After(token.ValidUntil) {
		return br.Errorf(br.ECOPYFAILED, "token for %s expired at %s", token.Source, token.ValidUntil)
	}

	attrs, err := s.object(dst).CopierFrom(s.object(token.Source)).Run(ctx)
	if err != nil {
		return classify(err, br.ECOPYFAILED, "copy %s to %s", token.Source, dst)
	}
	if s.Logger != nil {
		s.Logger.Debug("object rewritten", zap.Stringer("target", dst), zap.Int64("size", attrs.Size))
	}
	return nil
}

// Delete removes the object.
func (s *CloudStorageService) Delete(ctx context.Context, loc br.ObjectLocator) error {
	err := s.object(loc).Delete(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return br.WrapError(br.ENOTFOUND, err, "object %s not found", loc)
	case hasStatus(err, http.StatusForbidden):
		return br.WrapError(br.ECONFLICT, err, "object %s is held", loc)
	default:
		return classify(err, br.EINTERNAL, "delete %s", loc)
	}
}

// hold is a temporary hold acting as a lease.
type hold struct {
	obj *storage.ObjectHandle
	loc br.ObjectLocator
	id  string
}

func (h *hold) ID() string { return h.id }

func (h *hold) Release(ctx context.Context) error {
	_, err := h.obj.Update(ctx, storage.ObjectAttrsToUpdate{TemporaryHold: false})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return br.WrapError(br.ENOTFOUND, err, "object %s not found", h.loc)
	} else if err != nil {
		return classify(err, br.EINTERNAL, "release hold on %s", h.loc)
	}
	return nil
}
