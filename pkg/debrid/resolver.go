package debrid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/tomfle18/aiostreams/pkg/crypto"
	"github.com/tomfle18/aiostreams/pkg/lock"
	"github.com/tomfle18/aiostreams/pkg/metadata"
)

// ResolverOptions bound the resolver's behavior.
type ResolverOptions struct {
	// PerServiceConcurrency caps concurrent resolves per service, so a
	// click-storm doesn't trip provider rate limits.
	PerServiceConcurrency int
	// ResultTTL is how long a resolved URL is shared with concurrent and
	// following resolves of the same file.
	ResultTTL time.Duration
	// WaitPollInterval and WaitTimeout drive cache-and-play polling.
	WaitPollInterval time.Duration
	WaitTimeout      time.Duration
}

var DefaultResolverOpts = ResolverOptions{
	PerServiceConcurrency: 4,
	ResultTTL:             5 * time.Minute,
	WaitPollInterval:      3 * time.Second,
	WaitTimeout:           45 * time.Second,
}

// Resolver runs the playback state machine (C12):
//
//	CHECK -> PICK_FILE -> RESOLVE -> READY            (cached)
//	CHECK -> ADD -> IN_PROGRESS -> PICK_FILE -> ...   (uncached, wait)
//	CHECK -> ADD -> IN_PROGRESS -> DOWNLOADING        (uncached, no wait)
type Resolver struct {
	registry *Registry
	locker   lock.Locker
	opts     ResolverOptions
	logger   *zap.Logger

	mu    sync.Mutex
	pools map[string]*pool.Pool
}

func NewResolver(registry *Registry, locker lock.Locker, opts ResolverOptions, logger *zap.Logger) *Resolver {
	if opts.PerServiceConcurrency <= 0 {
		opts.PerServiceConcurrency = DefaultResolverOpts.PerServiceConcurrency
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResolverOpts.ResultTTL
	}
	if opts.WaitPollInterval <= 0 {
		opts.WaitPollInterval = DefaultResolverOpts.WaitPollInterval
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultResolverOpts.WaitTimeout
	}
	return &Resolver{
		registry: registry,
		locker:   locker,
		opts:     opts,
		logger:   logger,
		pools:    map[string]*pool.Pool{},
	}
}

// Resolve produces the final playable URL for a playback request. Concurrent
// resolves of the same (service, hash, index) share one upstream flight.
func (r *Resolver) Resolve(ctx context.Context, auth crypto.StoreAuth, fi crypto.FileInfo, meta metadata.Record, filename string) (string, error) {
	store, err := r.registry.Lookup(auth.ID)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("debridresolve:%s:%s:%d", auth.ID, strings.ToLower(fi.Hash), fi.Index)
	result, err := r.locker.WithLock(ctx, key, func(ctx context.Context) ([]byte, error) {
		streamURL, rerr := r.resolveOnce(ctx, store, auth, fi, meta, filename)
		if rerr != nil {
			return nil, rerr
		}
		return []byte(streamURL), nil
	}, lock.Options{
		TTL:     r.opts.ResultTTL,
		Timeout: r.opts.WaitTimeout + 15*time.Second,
	})
	if err != nil {
		return "", r.normalizeError(auth.ID, err)
	}
	return string(result.Data), nil
}

// normalizeError re-types errors that crossed the lock boundary as opaque
// strings, so the playback handler still maps them to placeholder videos.
func (r *Resolver) normalizeError(service string, err error) error {
	var derr *Error
	if errors.As(err, &derr) {
		return err
	}
	var dlErr *DownloadingError
	if errors.As(err, &dlErr) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "still downloading") {
		return &DownloadingError{Service: service}
	}
	for _, code := range []Code{
		CodeUnauthorized, CodeForbidden, CodePaymentRequired, CodeStoreLimitExceeded,
		CodeUnprocessableEntity, CodeStoreMagnetInvalid, CodeUnavailableForLegal,
		CodeNoMatchingFile, CodeUnsupportedService,
	} {
		if strings.Contains(msg, string(code)) {
			return &Error{Code: code, Service: service, Err: err}
		}
	}
	if errors.Is(err, lock.ErrLockTimeout) {
		return &Error{Code: CodeInternal, Service: service, Err: err}
	}
	return &Error{Code: CodeInternal, Service: service, Err: err}
}

// resolveOnce runs the state machine through the service's bounded pool, so a
// click-storm on one service queues instead of tripping its rate limits.
func (r *Resolver) resolveOnce(ctx context.Context, store Store, auth crypto.StoreAuth, fi crypto.FileInfo, meta metadata.Record, filename string) (string, error) {
	type outcome struct {
		url string
		err error
	}
	// Go blocks while the service's pool is saturated; that block IS the
	// per-service bound.
	done := make(chan outcome, 1)
	r.servicePool(store.ID()).Go(func() {
		url, err := r.resolveWithStore(ctx, store, auth, fi, meta, filename)
		done <- outcome{url: url, err: err}
	})
	select {
	case out := <-done:
		return out.url, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) resolveWithStore(ctx context.Context, store Store, auth crypto.StoreAuth, fi crypto.FileInfo, meta metadata.Record, filename string) (string, error) {
	zapFieldService := zap.String("service", store.ID())
	zapFieldHash := zap.String("hash", fi.Hash)

	// CHECK
	cached := false
	if fi.Type == "torrent" {
		availability, err := store.CheckInstant(ctx, auth.Credential, []string{fi.Hash})
		if err != nil {
			// Availability checks are best-effort; adding the job tells us
			// the truth anyway.
			r.logger.Warn("Couldn't check instant availability", zap.Error(err), zapFieldService, zapFieldHash)
		} else {
			cached = availability[strings.ToLower(fi.Hash)]
		}
	}

	// ADD (idempotent on every supported service: re-adding returns the
	// existing job)
	var jobID string
	var err error
	switch fi.Type {
	case "torrent":
		jobID, err = store.AddTorrent(ctx, auth.Credential, fi.Hash, fi.Sources)
	case "usenet":
		jobID, err = store.AddNZB(ctx, auth.Credential, fi.NZB, filename)
	default:
		return "", &Error{Code: CodeUnprocessableEntity, Service: store.ID(), Err: fmt.Errorf("unknown file info type %q", fi.Type)}
	}
	if err != nil {
		return "", err
	}

	job, err := store.GetJob(ctx, auth.Credential, jobID)
	if err != nil {
		return "", err
	}

	// IN_PROGRESS
	if job.Status != StatusReady {
		if !fi.CacheAndPlay {
			r.logger.Info("Job not ready and cache-and-play disabled, responding with downloading placeholder",
				zapFieldService, zapFieldHash, zap.String("jobID", jobID), zap.Bool("instantCheckSaidCached", cached))
			return "", &DownloadingError{Service: store.ID(), JobID: jobID}
		}
		// WAIT
		job, err = r.waitForReady(ctx, store, auth, jobID)
		if err != nil {
			return "", err
		}
	}

	// PICK_FILE
	chosenIndex := fi.Index
	file, err := PickFile(store.ID(), job.Files, meta, chosenIndex, filename)
	if err != nil {
		return "", err
	}

	// RESOLVE
	streamURL, err := store.Unrestrict(ctx, auth.Credential, file.Link)
	if err != nil {
		return "", err
	}
	r.logger.Debug("Resolved playable URL", zapFieldService, zapFieldHash, zap.String("file", file.Name))
	return streamURL, nil
}

// waitForReady polls the job until it's ready or the wait budget is spent.
func (r *Resolver) waitForReady(ctx context.Context, store Store, auth crypto.StoreAuth, jobID string) (*Job, error) {
	deadline := time.Now().Add(r.opts.WaitTimeout)
	ticker := time.NewTicker(r.opts.WaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			job, err := store.GetJob(ctx, auth.Credential, jobID)
			if err != nil {
				return nil, err
			}
			if job.Status == StatusReady {
				return job, nil
			}
			if time.Now().After(deadline) {
				return nil, &DownloadingError{Service: store.ID(), JobID: jobID}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// servicePool returns the service's long-lived bounded pool. Wait is never
// called on these pools: they live as wide as the process, and the bound
// comes from Go blocking at the goroutine limit.
func (r *Resolver) servicePool(serviceID string) *pool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[serviceID]
	if !ok {
		p = pool.New().WithMaxGoroutines(r.opts.PerServiceConcurrency)
		r.pools[serviceID] = p
	}
	return p
}
