package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// InstallRequest is one package of a batch
type InstallRequest struct {
	Path string
	// TitleType overrides the title type of a loose NCA. TitleUnknown derives it from the header.
	TitleType TitleType
}

// Batch installs packages one at a time. Each package is copied on a worker goroutine while
// the caller's goroutine polls the shared progress counter.
type Batch struct {
	Fs          afero.Fs
	Config      Config
	UserStore   ContentStore
	SystemStore ContentStore
	Backend     ContainerBackend

	// Observer receives (completed, total) blocks on every poll tick
	Observer DelegateProgressReport
	// OnPackageComplete is called on the caller's goroutine once per package
	OnPackageComplete DelegatePackageComplete
	// OnBlockCompleted is called on the worker goroutine after every copied block
	OnBlockCompleted DelegateBlockCompleted

	installer *Installer
	progress  ProgressCounter

	plannedMu sync.Mutex
	planned   map[string]bool
}

// NewBatch creates a batch reading packages from fsys and installing into the given stores.
// systemStore may be nil, in which case everything goes to userStore.
func NewBatch(fsys afero.Fs, cfg Config, userStore, systemStore ContentStore) *Batch {
	return &Batch{
		Fs:          fsys,
		Config:      cfg,
		UserStore:   userStore,
		SystemStore: systemStore,
		Backend:     AferoBackend{Fs: fsys},
		installer:   NewInstaller(cfg.BlockSize, NewWriteSpeedLimiter(cfg.MaxWriteBytesPerSecond)),
		planned:     make(map[string]bool),
	}
}

// OpenStores opens the user and system content stores named by cfg
func OpenStores(fsys afero.Fs, cfg Config) (*NandStore, *NandStore, error) {
	var opts []StoreOption
	if cfg.QuotaBytes > 0 {
		opts = append(opts, WithQuota(cfg.QuotaBytes))
	}
	user, err := NewNandStore(fsys, cfg.StoreRoot, append(opts, WithStoreName("user"))...)
	if err != nil {
		return nil, nil, err
	}
	system, err := NewNandStore(fsys, cfg.SystemStoreRoot, append(opts, WithStoreName("system"))...)
	if err != nil {
		return nil, nil, err
	}
	return user, system, nil
}

// Progress returns the batch progress counter
func (b *Batch) Progress() *ProgressCounter {
	return &b.progress
}

// Installer returns the block copier used by the batch
func (b *Batch) Installer() *Installer {
	return b.installer
}

func (b *Batch) pollInterval() time.Duration {
	if b.Config.PollInterval <= 0 {
		return 10 * time.Millisecond
	}
	return b.Config.PollInterval
}

func (b *Batch) report() {
	if b.Observer != nil {
		b.Observer(b.progress.Completed(), b.progress.Total())
	}
}

// destination picks the store a package is installed into
func (b *Batch) destination(titleType TitleType) ContentStore {
	if b.SystemStore != nil && (b.Config.InstallIntoSystemArea || titleType.IsSystem()) {
		return b.SystemStore
	}
	return b.UserStore
}

// hasBase reports whether the base application of baseTitleID is installed in any store
func (b *Batch) hasBase(baseTitleID uint64) bool {
	for _, store := range []ContentStore{b.UserStore, b.SystemStore} {
		if store != nil && store.HasTitle(baseTitleID, TitleApplication) {
			return true
		}
	}
	return false
}

func (b *Batch) readerOptions(req InstallRequest) ReaderOptions {
	return ReaderOptions{
		StrictBase: b.Config.StrictBase,
		HasBase:    b.hasBase,
		TitleType:  req.TitleType,
	}
}

// Plan opens every uncompressed package to total its block count. Compressed packages and
// packages that cannot be opened are counted once they are staged by Run.
func (b *Batch) Plan(requests []InstallRequest) uint64 {
	blockSize := b.installer.blockSize()
	var total uint64
	for _, req := range requests {
		if IsCompressedPackage(req.Path) {
			continue
		}
		pkg, err := ResolvePackagePath(b.Fs, req.Path)
		if err != nil {
			continue
		}
		container, err := b.Backend.Open(pkg, b.readerOptions(req))
		if err != nil {
			PushLogDebug("batch", fmt.Sprintf("Cannot plan %s: %v", req.Path, err))
			continue
		}
		for _, entry := range container.Entries() {
			total += entry.BlockCount(blockSize)
		}
		container.Close()

		b.plannedMu.Lock()
		b.planned[req.Path] = true
		b.plannedMu.Unlock()
	}
	return total
}

func (b *Batch) ensurePlanned(path string, entries []*ContentEntry) {
	b.plannedMu.Lock()
	defer b.plannedMu.Unlock()
	if b.planned[path] {
		return
	}
	b.planned[path] = true

	var blocks uint64
	for _, entry := range entries {
		blocks += entry.BlockCount(b.installer.blockSize())
	}
	b.progress.AddTotal(blocks)
}

// Run installs every request in order and returns one result per request. No error aborts the
// batch; once ctx is cancelled the remaining packages are recorded as cancelled without being opened.
func (b *Batch) Run(ctx context.Context, requests []InstallRequest) *Results {
	results := &Results{}
	b.progress.SetTotal(b.Plan(requests))
	b.report()

	for _, req := range requests {
		var result PackageResult
		if err := ctx.Err(); err != nil {
			result = PackageResult{
				Path:    req.Path,
				Outcome: OutcomeCancelled,
				State:   StatePending,
				Err:     WrapInstallError(err, CodeCancelled, "install of %s not started", req.Path),
			}
		} else {
			result = b.runPackage(ctx, req)
		}

		results.Append(result)
		if b.OnPackageComplete != nil {
			b.OnPackageComplete(result)
		}
	}

	b.report()
	newCount, overwritten, failed := results.Counts()
	PushLogInfo("batch", fmt.Sprintf("Batch finished: %d new, %d overwritten, %d failed", newCount, overwritten, failed))
	return results
}

// runPackage installs req on a worker goroutine and polls until it reaches a terminal state
func (b *Batch) runPackage(ctx context.Context, req InstallRequest) PackageResult {
	done := make(chan PackageResult, 1)
	go func() {
		result, attempts, _ := WaitForRetry(ctx, func(ctx context.Context, attempt int) (PackageResult, error) {
			if attempt > 1 {
				PushLogInfo("batch", fmt.Sprintf("Retrying %s (attempt %d)", req.Path, attempt))
			}
			tally := &blockTally{}
			r := b.installOne(ctx, req, tally)
			if r.Err != nil && tally.Count() > 0 {
				// The next attempt copies these blocks again
				b.progress.AddTotal(tally.Count())
			}
			return r, r.Err
		}, RetryOptions{
			Attempts: b.Config.RetryAttempts,
			Delay:    b.Config.RetryDelay,
			ShouldRetry: func(err error) bool {
				return CodeOf(err) == CodeIO
			},
		})
		result.Attempts = attempts
		done <- result
	}()

	ticker := time.NewTicker(b.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case result := <-done:
			b.report()
			return result
		case <-ticker.C:
			b.report()
		}
	}
}

// installOne walks a single package through Pending -> Opening -> Copying -> terminal
func (b *Batch) installOne(ctx context.Context, req InstallRequest, tally *blockTally) PackageResult {
	track := NewPackageInstall(req.Path)
	result := PackageResult{Path: req.Path}

	finish := func(err error, overwrite bool) PackageResult {
		result.State = track.finishWith(err, overwrite)
		result.Outcome = OutcomeForState(result.State)
		result.Err = err
		if err != nil {
			PushLogError("batch", fmt.Sprintf("%s: %s (%v)", req.Path, result.Outcome, err))
		} else {
			PushLogInfo("batch", fmt.Sprintf("%s: %s", req.Path, result.Outcome))
		}
		return result
	}

	if err := track.Advance(StateOpening); err != nil {
		return finish(err, false)
	}

	path, cleanup, err := StagePackage(ctx, b.Fs, req.Path, b.Config.StagingDir)
	defer cleanup()
	if err != nil {
		return finish(err, false)
	}

	pkg, err := ResolvePackagePath(b.Fs, path)
	if err != nil {
		return finish(err, false)
	}
	container, err := b.Backend.Open(pkg, b.readerOptions(req))
	if err != nil {
		return finish(err, false)
	}
	defer container.Close()

	entries := container.Entries()
	result.Entries = len(entries)
	b.ensurePlanned(req.Path, entries)

	titleType := req.TitleType
	if pkg.Kind != KindNCA {
		titleType = TitleUnknown
	}
	store := b.destination(titleType)

	resolution, err := ResolveConflicts(entries, store, b.Config.Policy())
	if err != nil {
		return finish(err, false)
	}

	if err := track.Advance(StateCopying); err != nil {
		return finish(err, false)
	}
	sink := multiSink{&b.progress, tally, b.OnBlockCompleted}
	for _, entry := range entries {
		if _, err := b.installer.InstallEntry(ctx, entry, store, sink); err != nil {
			return finish(err, false)
		}
	}
	if resolution.Overwrite {
		b.pruneSuperseded(store, entries)
	}
	return finish(nil, resolution.Overwrite)
}

type titleKey struct {
	titleID   uint64
	titleType TitleType
}

// pruneSuperseded removes the content a newly installed package replaces: entries of the same
// title and title type that the package did not install itself
func (b *Batch) pruneSuperseded(store ContentStore, entries []*ContentEntry) {
	pruner, ok := store.(TitlePruner)
	if !ok {
		return
	}

	ids := make([]ContentID, 0, len(entries))
	titles := make([]titleKey, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
		titles = append(titles, titleKey{entry.TitleID, entry.TitleType})
	}
	keep := ToSet(ids)

	for title := range ToSet(titles) {
		removed, err := pruner.PruneTitle(title.titleID, title.titleType, keep)
		if err != nil {
			PushLogWarning("batch", fmt.Sprintf("Cannot remove superseded content of %016x: %v", title.titleID, err))
			continue
		}
		if removed > 0 {
			PushLogInfo("batch", fmt.Sprintf("Replaced %d superseded content(s) of %016x (%s)", removed, title.titleID, title.titleType))
		}
	}
}
