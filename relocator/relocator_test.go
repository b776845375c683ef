package relocator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	br "gitlab.com/secure-storage/blobrelocator"
	"gitlab.com/secure-storage/blobrelocator/inmem"
	"gitlab.com/secure-storage/blobrelocator/relocator"
)

const (
	sourceURI     = "https://dmzstoragesc.blob.core.windows.net/c1/f.txt"
	quarantineURL = "https://quarantinestoragesc.blob.core.windows.net"
	cleanURL      = "https://securestoragesc.blob.core.windows.net"
)

var (
	testNow     = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	testContent = []byte("X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR")
)

type fixture struct {
	store     *inmem.Store
	relocator *relocator.Relocator
	source    br.ObjectLocator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := inmem.NewStore()
	store.Now = func() time.Time { return testNow }

	source, err := br.ParseLocator(sourceURI)
	require.NoError(t, err)
	store.Put(source, testContent)

	r := relocator.NewRelocator(store, map[br.Destination]string{
		br.DestinationQuarantine: quarantineURL,
		br.DestinationClean:      cleanURL,
	}, zap.NewNop())
	r.Now = func() time.Time { return testNow }

	return &fixture{store: store, relocator: r, source: source}
}

func (f *fixture) target(t *testing.T, endpoint string) br.ObjectLocator {
	t.Helper()
	target, err := f.source.Rebase(endpoint)
	require.NoError(t, err)
	return target
}

func TestRelocator_Relocate(t *testing.T) {
	tests := []struct {
		name        string
		destination br.Destination
		endpoint    string
	}{
		{name: "malicious blob goes to quarantine", destination: br.DestinationQuarantine, endpoint: quarantineURL},
		{name: "clean blob goes to clean storage", destination: br.DestinationClean, endpoint: cleanURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			target := f.target(t, tt.endpoint)

			outcome, err := f.relocator.Relocate(context.Background(), f.source, tt.destination)
			require.NoError(t, err)
			assert.Equal(t, br.OutcomeMoved, outcome)

			assert.True(t, f.store.ContainerExists(target))
			got, ok := f.store.Get(target)
			require.True(t, ok, "object missing at %s", target)
			assert.Equal(t, testContent, got)
			assert.Equal(t, "c1", target.Container)
			assert.Equal(t, "f.txt", target.Name)

			_, ok = f.store.Get(f.source)
			assert.False(t, ok, "source still exists")
			assert.False(t, f.store.Leased(target))
		})
	}
}

func TestRelocator_SourceNotFound(t *testing.T) {
	f := newFixture(t)
	missing, err := br.ParseLocator("https://dmzstoragesc.blob.core.windows.net/c1/missing.txt")
	require.NoError(t, err)

	outcome, err := f.relocator.Relocate(context.Background(), missing, br.DestinationQuarantine)
	require.NoError(t, err)
	assert.Equal(t, br.OutcomeSourceNotFound, outcome)

	_, ok := f.store.Get(f.target(t, quarantineURL))
	assert.False(t, ok)
	got, ok := f.store.Get(f.source)
	require.True(t, ok)
	assert.Equal(t, testContent, got)
}

func TestRelocator_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.relocator.Relocate(ctx, f.source, br.DestinationQuarantine)
	require.NoError(t, err)
	second, err := f.relocator.Relocate(ctx, f.source, br.DestinationQuarantine)
	require.NoError(t, err)

	assert.Equal(t, []br.MoveOutcome{br.OutcomeMoved, br.OutcomeSourceNotFound}, []br.MoveOutcome{first, second})

	got, ok := f.store.Get(f.target(t, quarantineURL))
	require.True(t, ok)
	assert.Equal(t, testContent, got)
}

func TestRelocator_CopyFailure(t *testing.T) {
	tests := []struct {
		name           string
		copyErr        error
		retain         bool
		wantCode       string
		wantSourceKept bool
	}{
		{
			name:     "rejected copy still deletes the source",
			copyErr:  br.Errorf(br.ECOPYFAILED, "CannotVerifyCopySource"),
			wantCode: "",
		},
		{
			name:           "rejected copy keeps the source when retaining",
			copyErr:        br.Errorf(br.ECOPYFAILED, "CannotVerifyCopySource"),
			retain:         true,
			wantCode:       br.ECOPYFAILED,
			wantSourceKept: true,
		},
		{
			name:     "unreachable copy target is propagated after cleanup",
			copyErr:  br.WrapError(br.EUNREACHABLE, errors.New("dial tcp: i/o timeout"), "start copy"),
			wantCode: br.EUNREACHABLE,
		},
		{
			name:           "unreachable copy target keeps the source when retaining",
			copyErr:        br.WrapError(br.EUNREACHABLE, errors.New("dial tcp: i/o timeout"), "start copy"),
			retain:         true,
			wantCode:       br.EUNREACHABLE,
			wantSourceKept: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.relocator.RetainSourceOnCopyFailure = tt.retain
			f.store.CopyHook = func(src, dst br.ObjectLocator) error { return tt.copyErr }

			outcome, err := f.relocator.Relocate(context.Background(), f.source, br.DestinationQuarantine)
			assert.Equal(t, br.OutcomeCopyFailed, outcome)
			assert.Equal(t, tt.wantCode, br.ErrorCode(err))

			_, ok := f.store.Get(f.source)
			assert.Equal(t, tt.wantSourceKept, ok)
			assert.False(t, f.store.Leased(f.source), "lease still held")

			_, ok = f.store.Get(f.target(t, quarantineURL))
			assert.False(t, ok)
		})
	}
}

func TestRelocator_LeaseConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.AcquireLease(ctx, f.source)
	require.NoError(t, err)

	outcome, err := f.relocator.Relocate(ctx, f.source, br.DestinationClean)
	assert.Equal(t, br.ECONFLICT, br.ErrorCode(err))
	assert.Empty(t, outcome)

	got, ok := f.store.Get(f.source)
	require.True(t, ok)
	assert.Equal(t, testContent, got)
	_, ok = f.store.Get(f.target(t, cleanURL))
	assert.False(t, ok)

	// The other holder's lease is untouched and still releasable.
	require.NoError(t, other.Release(ctx))
}

func TestRelocator_DestinationUnreachable(t *testing.T) {
	f := newFixture(t)
	f.store.EnsureContainerHook = func(loc br.ObjectLocator) error {
		return errors.New("no such host")
	}

	outcome, err := f.relocator.Relocate(context.Background(), f.source, br.DestinationQuarantine)
	assert.Equal(t, br.EUNREACHABLE, br.ErrorCode(err))
	assert.Empty(t, outcome)

	_, ok := f.store.Get(f.source)
	assert.True(t, ok)
	assert.False(t, f.store.Leased(f.source))
}

func TestRelocator_UnknownDestination(t *testing.T) {
	f := newFixture(t)

	_, err := f.relocator.Relocate(context.Background(), f.source, br.Destination("archive"))
	assert.Equal(t, br.EINVALID, br.ErrorCode(err))

	_, ok := f.store.Get(f.source)
	assert.True(t, ok)
}

func TestRelocator_SourceAlreadyAtDestination(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		destination br.Destination
	}{
		{name: "clean blob scanned in clean storage", uri: cleanURL + "/c1/f.txt", destination: br.DestinationClean},
		{name: "endpoint case differs", uri: "https://QuarantineStorageSC.blob.core.windows.net/c1/f.txt", destination: br.DestinationQuarantine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			src, err := br.ParseLocator(tt.uri)
			require.NoError(t, err)
			f.store.Put(src, testContent)

			outcome, err := f.relocator.Relocate(context.Background(), src, tt.destination)
			assert.Equal(t, br.EINVALID, br.ErrorCode(err))
			assert.Empty(t, outcome)

			got, ok := f.store.Get(src)
			require.True(t, ok)
			assert.Equal(t, testContent, got)
			assert.False(t, f.store.Leased(src))
		})
	}
}

func TestRelocator_DeleteFailure(t *testing.T) {
	f := newFixture(t)
	f.store.DeleteHook = func(loc br.ObjectLocator) error {
		return br.Errorf(br.EINTERNAL, "service busy")
	}

	outcome, err := f.relocator.Relocate(context.Background(), f.source, br.DestinationQuarantine)
	require.Error(t, err)
	assert.Equal(t, br.OutcomeMoved, outcome)
	assert.Contains(t, err.Error(), "delete source")
	assert.False(t, f.store.Leased(f.source))

	_, ok := f.store.Get(f.target(t, quarantineURL))
	assert.True(t, ok)
}

func TestRelocator_PanicReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.store.CopyHook = func(src, dst br.ObjectLocator) error { panic("copy blew up") }

	assert.Panics(t, func() {
		f.relocator.Relocate(context.Background(), f.source, br.DestinationQuarantine)
	})

	assert.False(t, f.store.Leased(f.source), "lease still held")
	_, ok := f.store.Get(f.source)
	assert.True(t, ok, "source deleted without a finished copy")
}

func TestRelocator_IgnoresCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := f.relocator.Relocate(ctx, f.source, br.DestinationClean)
	require.NoError(t, err)
	assert.Equal(t, br.OutcomeMoved, outcome)
}

// tokenRecorder keeps the token handed to Copy.
type tokenRecorder struct {
	*inmem.Store
	token *br.DelegatedAccessToken
}

func (r *tokenRecorder) Copy(ctx context.Context, token *br.DelegatedAccessToken, dst br.ObjectLocator) error {
	r.token = token
	return r.Store.Copy(ctx, token, dst)
}

func TestRelocator_DelegatedTokenScope(t *testing.T) {
	f := newFixture(t)
	recorder := &tokenRecorder{Store: f.store}
	f.relocator.Store = recorder
	f.relocator.TokenTTL = 30 * time.Minute

	_, err := f.relocator.Relocate(context.Background(), f.source, br.DestinationQuarantine)
	require.NoError(t, err)

	token := recorder.token
	require.NotNil(t, token)
	assert.Equal(t, f.source, token.Source)
	assert.Equal(t, br.ReadPermission, token.Permissions)
	assert.Equal(t, testNow.Add(30*time.Minute), token.ValidUntil)
	assert.True(t, token.ValidFrom.Before(testNow))
	assert.True(t, token.Valid(testNow))
}
