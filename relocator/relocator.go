package relocator

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	br "gitlab.com/secure-storage/blobrelocator"
)

// Relocation metrics.
var (
	relocationCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobrelocator_relocations_total",
		Help: "Total number of relocation attempts by destination and outcome",
	}, []string{"destination", "outcome"})

	copySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blobrelocator_copy_duration_seconds",
		Help:    "Duration of server-side copies, in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"destination"})
)

const (
	// DefaultTokenTTL bounds how long a delegated read token stays valid.
	DefaultTokenTTL = time.Hour

	// tokenClockSkew backdates the token start so that a storage service with a
	// slightly slower clock accepts it.
	tokenClockSkew = 5 * time.Minute
)

// Ensure service implements interface.
var _ br.RelocationService = (*Relocator)(nil)

// Relocator moves objects between storage endpoints while holding a lease on
// the source for the duration of the copy.
type Relocator struct {
	Store  br.BlobStore
	Logger *zap.Logger

	// Destination endpoints, e.g. https://quarantinestoragesc.blob.core.windows.net.
	Destinations map[br.Destination]string

	TokenTTL time.Duration

	// When set, a failed copy leaves the source in place and the failure is
	// returned to the caller. Otherwise the source is deleted regardless.
	RetainSourceOnCopyFailure bool

	Now func() time.Time
}

// NewRelocator returns a new instance of Relocator.
func NewRelocator(store br.BlobStore, destinations map[br.Destination]string, logger *zap.Logger) *Relocator {
	return &Relocator{
		Store:        store,
		Logger:       logger,
		Destinations: destinations,
		TokenTTL:     DefaultTokenTTL,
		Now:          time.Now,
	}
}

// Relocate moves src under the endpoint configured for dst. Cancellation of ctx
// is ignored: once started, a relocation runs to completion or failure.
func (r *Relocator) Relocate(ctx context.Context, src br.ObjectLocator, dst br.Destination) (outcome br.MoveOutcome, err error) {
	ctx = context.WithoutCancel(ctx)
	defer func() { r.observe(dst, outcome, err) }()

	endpoint, ok := r.Destinations[dst]
	if !ok {
		return "", br.Errorf(br.EINVALID, "unknown destination %q", dst)
	}
	target, err := src.Rebase(endpoint)
	if err != nil {
		return "", err
	}
	// Copying an object onto itself and then deleting the source would
	// destroy the only copy.
	if target == src {
		return "", br.Errorf(br.EINVALID, "blob %s already lives in the %s destination", src, dst)
	}

	log := r.Logger.With(
		zap.Stringer("source", src),
		zap.Stringer("target", target),
		zap.String("destination", string(dst)),
	)

	log.Info("creating container if it doesn't exist", zap.String("container", target.Container))
	if err := r.Store.EnsureContainer(ctx, target); err != nil {
		return "", br.WrapError(br.EUNREACHABLE, err, "destination container %s unavailable at %s", target.Container, target.Endpoint())
	}

	exists, err := r.Store.Exists(ctx, src)
	if err != nil {
		return "", fmt.Errorf("check source %s: %w", src, err)
	}
	if !exists {
		log.Info("source blob doesn't exist")
		return br.OutcomeSourceNotFound, nil
	}

	return r.move(ctx, log, src, target, dst)
}

// move runs the leased copy. The deferred cleanup releases the lease on every
// path and deletes the source once the copy has returned.
func (r *Relocator) move(ctx context.Context, log *zap.Logger, src, target br.ObjectLocator, dst br.Destination) (outcome br.MoveOutcome, err error) {
	lease, err := r.Store.AcquireLease(ctx, src)
	if err != nil {
		return "", fmt.Errorf("acquire lease on %s: %w", src, err)
	}
	log = log.With(zap.String("lease", lease.ID()))

	var (
		copied  bool
		copyErr error
	)
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			log.Error("failed to release source lease", zap.Error(rerr))
			err = multierr.Append(err, fmt.Errorf("release lease on %s: %w", src, rerr))
			return
		}
		if !copied {
			return
		}
		if copyErr != nil && r.RetainSourceOnCopyFailure {
			log.Warn("keeping source blob after failed copy")
			return
		}

		log.Info("deleting source blob")
		if derr := r.Store.Delete(ctx, src); derr != nil {
			log.Error("failed to delete source blob", zap.Error(derr))
			err = multierr.Append(err, fmt.Errorf("delete source %s: %w", src, derr))
			return
		}
		log.Info("source blob removed", zap.String("outcome", string(outcome)))
	}()

	now := r.Now()
	token, err := r.Store.Delegate(ctx, src, now.Add(-tokenClockSkew), now.Add(r.TokenTTL))
	if err != nil {
		return "", fmt.Errorf("delegate read access to %s: %w", src, err)
	}

	log.Info("copying blob", zap.Time("tokenValidUntil", token.ValidUntil))
	start := time.Now()
	copyErr = r.Store.Copy(ctx, token, target)
	copied = true
	copySeconds.WithLabelValues(string(dst)).Observe(time.Since(start).Seconds())

	switch br.ErrorCode(copyErr) {
	case "":
		return br.OutcomeMoved, nil
	case br.ECOPYFAILED:
		log.Error("failed to move blob", zap.Error(copyErr))
		if r.RetainSourceOnCopyFailure {
			return br.OutcomeCopyFailed, copyErr
		}
		return br.OutcomeCopyFailed, nil
	default:
		log.Error("copy did not complete", zap.Error(copyErr))
		return br.OutcomeCopyFailed, fmt.Errorf("copy %s to %s: %w", src, target, copyErr)
	}
}

func (r *Relocator) observe(dst br.Destination, outcome br.MoveOutcome, err error) {
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	relocationCount.WithLabelValues(string(dst), label).Inc()
}
