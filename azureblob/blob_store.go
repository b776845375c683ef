package azureblob

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/google/uuid"
	"go.uber.org/zap"

	br "gitlab.com/secure-storage/blobrelocator"
)

// infiniteLeaseDuration requests a lease that never expires on its own.
const infiniteLeaseDuration = int32(-1)

// Ensure service implements interface.
var _ br.BlobStore = (*BlobStoreService)(nil)

// BlobStoreService implements br.BlobStore on Azure Blob Storage.
type BlobStoreService struct {
	AzureBlob *AzureBlob
	Logger    *zap.Logger

	CopyPollInterval time.Duration
}

// NewBlobStoreService returns a new instance of BlobStoreService.
func NewBlobStoreService(azureBlob *AzureBlob, logger *zap.Logger) *BlobStoreService {
	return &BlobStoreService{
		AzureBlob:        azureBlob,
		Logger:           logger,
		CopyPollInterval: DefaultCopyPollInterval,
	}
}

func (s *BlobStoreService) blobClient(loc br.ObjectLocator) (*blob.Client, error) {
	svc, err := s.AzureBlob.ServiceClient(loc)
	if err != nil {
		return nil, err
	}
	return svc.NewContainerClient(loc.Container).NewBlobClient(loc.Name), nil
}

// EnsureContainer creates the container of loc if it does not exist yet.
func (s *BlobStoreService) EnsureContainer(ctx context.Context, loc br.ObjectLocator) error {
	svc, err := s.AzureBlob.ServiceClient(loc)
	if err != nil {
		return err
	}

	_, err = svc.NewContainerClient(loc.Container).Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return classify(err, br.EUNREACHABLE, "create container %s", loc.Container)
	}
	return nil
}

// Exists reports whether the blob exists.
func (s *BlobStoreService) Exists(ctx context.Context, loc br.ObjectLocator) (bool, error) {
	bc, err := s.blobClient(loc)
	if err != nil {
		return false, err
	}

	_, err = bc.GetProperties(ctx, nil)
	switch {
	case err == nil:
		return true, nil
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return false, nil
	default:
		return false, classify(err, br.EINTERNAL, "get properties of %s", loc)
	}
}

// AcquireLease takes an infinite lease on the blob.
func (s *BlobStoreService) AcquireLease(ctx context.Context, loc br.ObjectLocator) (br.Lease, error) {
	bc, err := s.blobClient(loc)
	if err != nil {
		return nil, err
	}

	lc, err := lease.NewBlobClient(bc, &lease.BlobClientOptions{LeaseID: to.Ptr(uuid.NewString())})
	if err != nil {
		return nil, br.WrapError(br.EINTERNAL, err, "lease client for %s", loc)
	}

	if _, err := lc.AcquireLease(ctx, infiniteLeaseDuration, nil); err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return nil, br.WrapError(br.ECONFLICT, err, "blob %s already has a lease", loc)
		}
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, br.WrapError(br.ENOTFOUND, err, "blob %s not found", loc)
		}
		return nil, classify(err, br.EINTERNAL, "acquire lease on %s", loc)
	}
	return &blobLease{client: lc, loc: loc, logger: logger(s.Logger)}, nil
}

// Delegate signs a read-only SAS for the blob with a user delegation key
// requested for the same window.
func (s *BlobStoreService) Delegate(ctx context.Context, loc br.ObjectLocator, validFrom, validUntil time.Time) (*br.DelegatedAccessToken, error) {
	svc, err := s.AzureBlob.ServiceClient(loc)
	if err != nil {
		return nil, err
	}

	info := service.KeyInfo{
		Start:  to.Ptr(validFrom.UTC().Format(sas.TimeFormat)),
		Expiry: to.Ptr(validUntil.UTC().Format(sas.TimeFormat)),
	}
	cred, err := svc.GetUserDelegationCredential(ctx, info, nil)
	if err != nil {
		return nil, classify(err, br.EINTERNAL, "get user delegation key for %s", loc.Endpoint())
	}

	values := sasValues(loc, validFrom, validUntil)
	params, err := values.SignWithUserDelegation(cred)
	if err != nil {
		return nil, br.WrapError(br.EINTERNAL, err, "sign sas for %s", loc)
	}

	bc := svc.NewContainerClient(loc.Container).NewBlobClient(loc.Name)
	return &br.DelegatedAccessToken{
		Source:      loc,
		ValidFrom:   validFrom,
		ValidUntil:  validUntil,
		Permissions: values.Permissions,
		URL:         bc.URL() + "?" + params.Encode(),
	}, nil
}

// sasValues describes a read-only, https-only SAS scoped to one blob.
func sasValues(loc br.ObjectLocator, validFrom, validUntil time.Time) sas.BlobSignatureValues {
	return sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     validFrom.UTC(),
		ExpiryTime:    validUntil.UTC(),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: loc.Container,
		BlobName:      loc.Name,
	}
}

// Copy starts a server-side copy from the token URL and polls the destination
// until the copy leaves the pending state.
func (s *BlobStoreService) Copy(ctx context.Context, token *br.DelegatedAccessToken, dst br.ObjectLocator) error {
	bc, err := s.blobClient(dst)
	if err != nil {
		return err
	}

	resp, err := bc.StartCopyFromURL(ctx, token.URL, nil)
	if err != nil {
		return classify(err, br.ECOPYFAILED, "start copy to %s", dst)
	}

	status := to.Ptr(blob.CopyStatusTypePending)
	if resp.CopyStatus != nil {
		status = resp.CopyStatus
	}
	var description string
	if *status == blob.CopyStatusTypePending {
		if status, description, err = s.waitForCopy(ctx, bc, resp.CopyID); err != nil {
			return err
		}
	}

	if *status != blob.CopyStatusTypeSuccess {
		return br.Errorf(br.ECOPYFAILED, "copy to %s finished with status %s: %s", dst, *status, description)
	}
	return nil
}

func (s *BlobStoreService) waitForCopy(ctx context.Context, bc *blob.Client, copyID *string) (*blob.CopyStatusType, string, error) {
	interval := s.CopyPollInterval
	if interval <= 0 {
		interval = DefaultCopyPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-ticker.C:
		}

		props, err := bc.GetProperties(ctx, nil)
		if err != nil {
			return nil, "", classify(err, br.ECOPYFAILED, "poll copy status of %s", bc.URL())
		}
		if copyID != nil && props.CopyID != nil && *props.CopyID != *copyID {
			return nil, "", br.Errorf(br.ECOPYFAILED, "copy %s on %s was superseded by %s", *copyID, bc.URL(), *props.CopyID)
		}
		if props.CopyStatus == nil || *props.CopyStatus == blob.CopyStatusTypePending {
			logger(s.Logger).Debug("copy pending", zap.String("target", bc.URL()), zap.Stringp("progress", props.CopyProgress))
			continue
		}

		var description string
		if props.CopyStatusDescription != nil {
			description = *props.CopyStatusDescription
		}
		return props.CopyStatus, description, nil
	}
}

// Delete removes the blob together with its snapshots.
func (s *BlobStoreService) Delete(ctx context.Context, loc br.ObjectLocator) error {
	bc, err := s.blobClient(loc)
	if err != nil {
		return err
	}

	_, err = bc.Delete(ctx, &blob.DeleteOptions{DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude)})
	switch {
	case err == nil:
		return nil
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return br.WrapError(br.ENOTFOUND, err, "blob %s not found", loc)
	case bloberror.HasCode(err, bloberror.LeaseIDMissing, bloberror.LeaseIDMismatchWithBlobOperation):
		return br.WrapError(br.ECONFLICT, err, "blob %s has a lease", loc)
	default:
		return classify(err, br.EINTERNAL, "delete %s", loc)
	}
}

// blobLease is an acquired infinite lease.
type blobLease struct {
	client *lease.BlobClient
	loc    br.ObjectLocator
	logger *zap.Logger
}

func (l *blobLease) ID() string {
	if id := l.client.LeaseID(); id != nil {
		return *id
	}
	return ""
}

// Release gives the lease back. An infinite lease never expires, so when the
// release is refused the lease is broken immediately instead.
func (l *blobLease) Release(ctx context.Context) error {
	_, err := l.client.ReleaseLease(ctx, nil)
	if err == nil {
		return nil
	}

	l.logger.Warn("release refused, breaking lease",
		zap.Stringer("blob", l.loc),
		zap.String("lease", l.ID()),
		zap.Error(err),
	)
	if _, berr := l.client.BreakLease(ctx, &lease.BlobBreakOptions{BreakPeriod: to.Ptr(int32(0))}); berr != nil {
		return classify(fmt.Errorf("release: %v, break: %w", err, berr), br.EINTERNAL, "free lease on %s", l.loc)
	}
	return nil
}
