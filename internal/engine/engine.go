// Package engine reconciles a local install tree against a version manifest
// and drives the sequential fetch/verify/install loop.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/patchup/patchup/internal/codec"
	"github.com/patchup/patchup/internal/manifest"
	"github.com/patchup/patchup/internal/remote"
	"github.com/patchup/patchup/internal/sigcheck"
)

// Options configures an engine. Uses a struct because the engine has too many
// collaborators for positional parameters.
type Options struct {
	InstallDir   string             // live install root
	StagingDir   string             // staging root, used in self-patch mode
	CacheDir     string             // download cache for packed objects
	BaseURL      string             // base URL the packed objects live under
	SelfPatch    bool               // install into StagingDir instead of InstallDir
	VerifyRemote bool               // pre-flight existence/size check before any transfer
	Source       remote.Source      // remote object access
	Decompressor codec.Decompressor // packed object codec
	Gate         remote.Gate        // readiness gate, optional
	Logger       *slog.Logger       // optional
}

// Engine performs one reconciliation run. A completed engine is not reusable;
// construct a new one for every attempt.
type Engine struct {
	opts   Options
	logger *slog.Logger
	status *Status
	ran    bool
}

// New creates an engine for a single run.
func New(opts Options) *Engine {
	if opts.Gate == nil {
		opts.Gate = remote.NoGate{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		opts:   opts,
		logger: logger,
		status: newStatus(),
	}
}

// Status returns the run state handle for this engine.
func (e *Engine) Status() *Status {
	return e.status
}

// runError carries a failure out of the run helpers. It never crosses the
// engine boundary; Run folds it into the Status handle.
type runError struct {
	reason Reason
	detail string
}

func (r *runError) Error() string {
	return string(r.reason) + ": " + r.detail
}

func failf(reason Reason, format string, args ...any) *runError {
	return &runError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// Run reconciles the install tree against m. All failure is reported through
// the returned Result plus the Status fields; no error value crosses this
// boundary. Nothing is retried within a run; the caller retries by building
// a fresh engine, and the idempotent selection phases skip files that are
// already good.
func (e *Engine) Run(ctx context.Context, m *manifest.Manifest) Result {
	if e.ran {
		return e.fail(failf(ReasonInternal, "engine already ran, construct a new engine per attempt"))
	}
	e.ran = true
	start := time.Now()

	// Entry guards
	if ctx.Err() != nil {
		return e.fail(failf(ReasonCancelled, "cancelled before start"))
	}
	if e.opts.Gate.UnderMaintenance(ctx) {
		return e.fail(failf(ReasonMaintenance, "update server is under maintenance"))
	}

	e.status.setStage(StageSelectingUpdates)
	updates, err := e.selectUpdates(ctx, m)
	if err != nil {
		return e.fail(err)
	}
	if len(updates) == 0 {
		e.logger.Info("already up to date", "version", m.Version)
		e.status.finish(ResultUpToDate)
		return ResultUpToDate
	}

	downloads, err := e.selectDownloads(ctx, updates)
	if err != nil {
		return e.fail(err)
	}
	e.logger.Info("reconciliation computed",
		"version", m.Version,
		"update", len(updates),
		"download", len(downloads))

	if e.opts.VerifyRemote && len(downloads) > 0 {
		e.status.setStage(StageVerifyingRemote)
		if err := e.verifyRemote(ctx, downloads); err != nil {
			return e.fail(err)
		}
	}

	if err := e.fetchAndInstall(ctx, updates, downloads); err != nil {
		return e.fail(err)
	}

	// Every item is installed; transient download state can go.
	if err := os.RemoveAll(e.opts.CacheDir); err != nil {
		e.logger.Warn("failed to purge download cache", "dir", e.opts.CacheDir, "error", err)
	}

	e.logger.Info("update complete",
		"version", m.Version,
		"files", len(updates),
		"elapsed", time.Since(start))
	e.status.finish(ResultSuccess)
	return ResultSuccess
}

// Plan computes the update and download sets without transferring or
// installing anything. Both slices alias the manifest's backing items, so the
// download set is an order-preserving subsequence of the update set sharing
// its elements.
func (e *Engine) Plan(ctx context.Context, m *manifest.Manifest) ([]*manifest.Item, []*manifest.Item, error) {
	updates, rerr := e.selectUpdates(ctx, m)
	if rerr != nil {
		return nil, nil, rerr
	}
	downloads, rerr := e.selectDownloads(ctx, updates)
	if rerr != nil {
		return nil, nil, rerr
	}
	return updates, downloads, nil
}

// selectUpdates walks the manifest in order and keeps every item whose
// installed copy does not match its signature. In self-patch mode a valid
// previously staged copy also satisfies an item.
func (e *Engine) selectUpdates(ctx context.Context, m *manifest.Manifest) ([]*manifest.Item, *runError) {
	var updates []*manifest.Item
	for idx := range m.Items {
		if ctx.Err() != nil {
			return nil, failf(ReasonCancelled, "cancelled while selecting files to update")
		}
		item := &m.Items[idx]
		if sigcheck.Matches(item.InstallPath(e.opts.InstallDir), item.Size, item.Digest) {
			continue
		}
		if e.opts.SelfPatch && sigcheck.Matches(item.InstallPath(e.opts.StagingDir), item.Size, item.Digest) {
			continue
		}
		updates = append(updates, item)
	}
	return updates, nil
}

// selectDownloads keeps the update items whose packed object is not already
// valid in the download cache. The cache holds packed payloads as delivered
// over the wire, so the check uses the packed signature.
func (e *Engine) selectDownloads(ctx context.Context, updates []*manifest.Item) ([]*manifest.Item, *runError) {
	var downloads []*manifest.Item
	for _, item := range updates {
		if ctx.Err() != nil {
			return nil, failf(ReasonCancelled, "cancelled while selecting files to download")
		}
		if sigcheck.Matches(e.cachePath(item), item.PackedSize, item.PackedDigest) {
			continue
		}
		downloads = append(downloads, item)
	}
	return downloads, nil
}

// verifyRemote checks that every object to download exists on the remote with
// the expected packed size before any transfer starts. Fail-fast: the first
// disagreement aborts the run. A zero or unknown advertised size counts as
// unverifiable and passes.
func (e *Engine) verifyRemote(ctx context.Context, downloads []*manifest.Item) *runError {
	for _, item := range downloads {
		url := manifest.DownloadURL(e.opts.BaseURL, item)
		exists, size, err := e.opts.Source.Stat(ctx, url)
		if err != nil {
			return failf(ReasonRemoteMissing, "failed to verify %s on remote: %v", item.Path, err)
		}
		if !exists {
			return failf(ReasonRemoteMissing, "object for %s is absent on remote", item.Path)
		}
		if size > 0 && size != item.PackedSize {
			return failf(ReasonRemoteInvalid, "object for %s has size %d on remote, expected %d", item.Path, size, item.PackedSize)
		}
	}
	return nil
}

// fetchAndInstall walks the update set once with a cursor into the download
// set, fetching where the cursor demands and installing every item in the
// same pass. Interleaving bounds the cache to one in-flight object and leaves
// a resumable tree behind when a later iteration fails.
func (e *Engine) fetchAndInstall(ctx context.Context, updates, downloads []*manifest.Item) *runError {
	di := 0
	for _, item := range updates {
		if ctx.Err() != nil {
			return failf(ReasonCancelled, "cancelled before downloading %s", item.Path)
		}

		cachePath := e.cachePath(item)
		if di < len(downloads) && downloads[di] == item {
			if err := e.fetchObject(ctx, item, cachePath); err != nil {
				return err
			}
			di++
		}

		// The fetch may have taken significant wall time; honor a
		// cancellation that arrived during the transfer before touching
		// the install tree.
		if ctx.Err() != nil {
			return failf(ReasonCancelled, "cancelled before installing %s", item.Path)
		}

		if err := e.installObject(item, cachePath); err != nil {
			return err
		}
	}
	return nil
}

// fetchObject downloads one packed object into the cache and verifies its
// packed signature. A corrupt download is terminal, never retried in-run.
func (e *Engine) fetchObject(ctx context.Context, item *manifest.Item, cachePath string) *runError {
	e.status.setStage(StageDownloading)
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return failf(ReasonDownloadFailed, "failed to create cache directory for %s: %v", item.Path, err)
	}

	url := manifest.DownloadURL(e.opts.BaseURL, item)
	if err := e.opts.Source.Fetch(ctx, url, cachePath, item.PackedSize); err != nil {
		return failf(ReasonDownloadFailed, "failed to download %s: %v", item.Path, err)
	}
	if !sigcheck.Matches(cachePath, item.PackedSize, item.PackedDigest) {
		return failf(ReasonCorruptDownload, "downloaded object for %s failed its signature check", item.Path)
	}

	e.logger.Info("downloaded",
		"path", item.Path,
		"packed_size", item.PackedSize,
		"elapsed", time.Since(start))
	return nil
}

// installObject decompresses a cached packed object into the install tree
// (the staging tree in self-patch mode) and drops the cached copy.
func (e *Engine) installObject(item *manifest.Item, cachePath string) *runError {
	e.status.setStage(StageInstalling)

	root := e.opts.InstallDir
	if e.opts.SelfPatch {
		root = e.opts.StagingDir
	}
	dest := item.InstallPath(root)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return failf(ReasonDecompressFailed, "failed to create directory for %s: %v", item.Path, err)
	}
	if err := e.opts.Decompressor.Decompress(cachePath, dest); err != nil {
		return failf(ReasonDecompressFailed, "failed to decompress %s: %v", item.Path, err)
	}
	if err := os.Remove(cachePath); err != nil {
		e.logger.Warn("failed to remove cached object", "path", cachePath, "error", err)
	}
	return nil
}

func (e *Engine) cachePath(item *manifest.Item) string {
	return filepath.Join(e.opts.CacheDir, filepath.FromSlash(item.ObjectName()))
}

func (e *Engine) fail(err *runError) Result {
	e.status.fail(err.reason, err.detail)
	e.logger.Error("update failed", "reason", string(err.reason), "detail", err.detail)
	return ResultFailed
}
