package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/patchup/patchup/internal/manifest"
)

const testBaseURL = "https://updates.example.com/v2"

// mockSource implements remote.Source for testing.
type mockSource struct {
	objects    map[string][]byte // url -> packed payload
	statSizes  map[string]int64  // url -> advertised size override
	statCalls  []string
	fetchCalls []string
	onFetch    func(url string)
}

func (m *mockSource) Stat(_ context.Context, url string) (bool, int64, error) {
	m.statCalls = append(m.statCalls, url)
	body, ok := m.objects[url]
	if !ok {
		return false, 0, nil
	}
	if size, overridden := m.statSizes[url]; overridden {
		return true, size, nil
	}
	return true, int64(len(body)), nil
}

func (m *mockSource) Fetch(_ context.Context, url, destPath string, _ int64) error {
	m.fetchCalls = append(m.fetchCalls, url)
	if m.onFetch != nil {
		m.onFetch(url)
	}
	body, ok := m.objects[url]
	if !ok {
		return fmt.Errorf("no object at %s", url)
	}
	return os.WriteFile(destPath, body, 0644)
}

const packedPrefix = "packed:"

// mockCodec implements codec.Decompressor by stripping the packed prefix.
type mockCodec struct {
	fail bool
}

func (m *mockCodec) Decompress(src, dest string) error {
	if m.fail {
		return fmt.Errorf("codec failure")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, []byte(packedPrefix)) {
		return fmt.Errorf("not a packed object")
	}
	return os.WriteFile(dest, data[len(packedPrefix):], 0644)
}

// mockGate implements remote.Gate for testing.
type mockGate struct {
	down bool
}

func (g mockGate) UnderMaintenance(context.Context) bool {
	return g.down
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pack(content string) []byte {
	return append([]byte(packedPrefix), content...)
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type fileSpec struct {
	path    string
	content string
}

// testEnv holds a manifest, its remote objects, and the three local roots an
// engine run touches.
type testEnv struct {
	installDir string
	stagingDir string
	cacheDir   string
	src        *mockSource
	man        *manifest.Manifest
	files      []fileSpec
}

func newTestEnv(t *testing.T, files []fileSpec) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()

	env := &testEnv{
		installDir: filepath.Join(tmpDir, "install"),
		stagingDir: filepath.Join(tmpDir, "staging"),
		cacheDir:   filepath.Join(tmpDir, "cache"),
		src:        &mockSource{objects: make(map[string][]byte), statSizes: make(map[string]int64)},
		files:      files,
	}
	for _, dir := range []string{env.installDir, env.stagingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	man := &manifest.Manifest{Version: "2.4.1"}
	for _, f := range files {
		packed := pack(f.content)
		man.Items = append(man.Items, manifest.Item{
			Path:         f.path,
			Size:         int64(len(f.content)),
			Digest:       digestOf([]byte(f.content)),
			PackedSize:   int64(len(packed)),
			PackedDigest: digestOf(packed),
		})
	}
	env.man = man

	for idx := range man.Items {
		env.src.objects[manifest.DownloadURL(testBaseURL, &man.Items[idx])] = pack(files[idx].content)
	}

	return env
}

func (env *testEnv) options() Options {
	return Options{
		InstallDir:   env.installDir,
		StagingDir:   env.stagingDir,
		CacheDir:     env.cacheDir,
		BaseURL:      testBaseURL,
		Source:       env.src,
		Decompressor: &mockCodec{},
		Logger:       testLogger(),
	}
}

func (env *testEnv) url(idx int) string {
	return manifest.DownloadURL(testBaseURL, &env.man.Items[idx])
}

// writeFile places content for the given manifest entry below root.
func (env *testEnv) writeFile(t *testing.T, root string, idx int, content string) {
	t.Helper()
	dest := env.man.Items[idx].InstallPath(root)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// installAll writes every manifest file below the install root, matching.
func (env *testEnv) installAll(t *testing.T) {
	t.Helper()
	for idx, f := range env.files {
		env.writeFile(t, env.installDir, idx, f.content)
	}
}

// writeCached places a valid packed object for the given entry in the cache.
func (env *testEnv) writeCached(t *testing.T, idx int) {
	t.Helper()
	item := &env.man.Items[idx]
	dest := filepath.Join(env.cacheDir, filepath.FromSlash(item.ObjectName()))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, pack(env.files[idx].content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) readInstalled(t *testing.T, root string, idx int) string {
	t.Helper()
	data, err := os.ReadFile(env.man.Items[idx].InstallPath(root))
	if err != nil {
		t.Fatalf("read installed file: %v", err)
	}
	return string(data)
}

func threeFiles() []fileSpec {
	return []fileSpec{
		{path: "app/bin/core.dll", content: "core v2"},
		{path: "app/data/strings.dat", content: "strings v2"},
		{path: "readme.txt", content: "readme v2"},
	}
}

func TestRun_UpToDate(t *testing.T) {
	env := newTestEnv(t, threeFiles())
	env.installAll(t)

	eng := New(env.options())
	result := eng.Run(context.Background(), env.man)

	if result != ResultUpToDate {
		t.Fatalf("expected up-to-date, got %s (%s)", result, eng.Status().FailDetail())
	}
	if len(env.src.statCalls) != 0 || len(env.src.fetchCalls) != 0 {
		t.Errorf("expected zero network calls, got %d stats and %d fetches",
			len(env.src.statCalls), len(env.src.fetchCalls))
	}
	if eng.Status().Stage() != StageDone {
		t.Errorf("expected stage done, got %s", eng.Status().Stage())
	}
	if eng.Status().Result() != ResultUpToDate {
		t.Errorf("status result = %s", eng.Status().Result())
	}
}

func TestRun_SingleStaleFile(t *testing.T) {
	env := newTestEnv(t, threeFiles())
	env.installAll(t)
	env.writeFile(t, env.installDir, 1, "strings v1")

	eng := New(env.options())
	result := eng.Run(context.Background(), env.man)

	if result != ResultSuccess {
		t.Fatalf("expected success, got %s (%s)", result, eng.Status().FailDetail())
	}
	if len(env.src.fetchCalls) != 1 {
		t.Fatalf("expected exactly one fetch, got %v", env.src.fetchCalls)
	}
	if env.src.fetchCalls[0] != env.url(1) {
		t.Errorf("fetched %s, expected %s", env.src.fetchCalls[0], env.url(1))
	}
	if got := env.readInstalled(t, env.installDir, 1); got != "strings v2" {
		t.Errorf("installed content = %q", got)
	}
	if _, err := os.Stat(env.cacheDir); !os.IsNotExist(err) {
		t.Errorf("expected cache directory to be purged, stat err = %v", err)
	}
}

func TestRun_Idempotent(t *testing.T) {
	env := newTestEnv(t, threeFiles())

	first := New(env.options()).Run(context.Background(), env.man)
	if first != ResultSuccess {
		t.Fatalf("first run: expected success, got %s", first)
	}

	second := New(env.options()).Run(context.Background(), env.man)
	if second != ResultUpToDate {
		t.Fatalf("second run: expected up-to-date, got %s", second)
	}
}

func TestRun_PreflightRemoteMissing(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/bin/core.dll", content: "core v2"}})
	delete(env.src.objects, env.url(0))

	opts := env.options()
	opts.VerifyRemote = true
	eng := New(opts)

	result := eng.Run(context.Background(), env.man)
	if result != ResultFailed {
		t.Fatalf("expected failed, got %s", result)
	}
	if reason := eng.Status().FailReason(); reason != ReasonRemoteMissing {
		t.Errorf("reason = %s, expected %s", reason, ReasonRemoteMissing)
	}
	if detail := eng.Status().FailDetail(); !strings.Contains(detail, "app/bin/core.dll") {
		t.Errorf("detail %q does not name the file", detail)
	}
	if len(env.src.fetchCalls) != 0 {
		t.Errorf("expected zero fetches, got %v", env.src.fetchCalls)
	}
}

func TestRun_PreflightRemoteSizeMismatch(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/bin/core.dll", content: "core v2"}})
	env.src.statSizes[env.url(0)] = 999

	opts := env.options()
	opts.VerifyRemote = true
	eng := New(opts)

	if result := eng.Run(context.Background(), env.man); result != ResultFailed {
		t.Fatalf("expected failed, got %s", result)
	}
	if reason := eng.Status().FailReason(); reason != ReasonRemoteInvalid {
		t.Errorf("reason = %s, expected %s", reason, ReasonRemoteInvalid)
	}
	if len(env.src.fetchCalls) != 0 {
		t.Errorf("expected zero fetches, got %v", env.src.fetchCalls)
	}
}

func TestRun_PreflightUnknownSizePasses(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/bin/core.dll", content: "core v2"}})
	// Remote cannot report a size; the check treats that as unverifiable.
	env.src.statSizes[env.url(0)] = 0

	opts := env.options()
	opts.VerifyRemote = true
	eng := New(opts)

	if result := eng.Run(context.Background(), env.man); result != ResultSuccess {
		t.Fatalf("expected success, got %s (%s)", result, eng.Status().FailDetail())
	}
}

func TestRun_CorruptDownload(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/bin/core.dll", content: "core v2"}})
	env.writeFile(t, env.installDir, 0, "core v1")
	// Same length as the real packed object so only the digest disagrees.
	env.src.objects[env.url(0)] = pack("core vX")

	eng := New(env.options())
	result := eng.Run(context.Background(), env.man)

	if result != ResultFailed {
		t.Fatalf("expected failed, got %s", result)
	}
	if reason := eng.Status().FailReason(); reason != ReasonCorruptDownload {
		t.Errorf("reason = %s, expected %s", reason, ReasonCorruptDownload)
	}
	if got := env.readInstalled(t, env.installDir, 0); got != "core v1" {
		t.Errorf("live file was touched: %q", got)
	}
}

func TestRun_CacheReuse(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/bin/core.dll", content: "core v2"}})
	env.writeCached(t, 0)

	eng := New(env.options())
	result := eng.Run(context.Background(), env.man)

	if result != ResultSuccess {
		t.Fatalf("expected success, got %s (%s)", result, eng.Status().FailDetail())
	}
	if len(env.src.fetchCalls) != 0 {
		t.Errorf("expected cached object to be reused, got fetches %v", env.src.fetchCalls)
	}
	if got := env.readInstalled(t, env.installDir, 0); got != "core v2" {
		t.Errorf("installed content = %q", got)
	}
}

func TestRun_SelfPatchInstallsToStaging(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/patchup.exe", content: "binary v2"}})
	env.writeFile(t, env.installDir, 0, "binary v1")

	opts := env.options()
	opts.SelfPatch = true
	eng := New(opts)

	if result := eng.Run(context.Background(), env.man); result != ResultSuccess {
		t.Fatalf("expected success, got %s (%s)", result, eng.Status().FailDetail())
	}
	if got := env.readInstalled(t, env.stagingDir, 0); got != "binary v2" {
		t.Errorf("staged content = %q", got)
	}
	if got := env.readInstalled(t, env.installDir, 0); got != "binary v1" {
		t.Errorf("live tree was touched in self-patch mode: %q", got)
	}
}

func TestRun_SelfPatchStagedCopySatisfies(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/patchup.exe", content: "binary v2"}})
	env.writeFile(t, env.installDir, 0, "binary v1")
	env.writeFile(t, env.stagingDir, 0, "binary v2")

	opts := env.options()
	opts.SelfPatch = true
	eng := New(opts)

	if result := eng.Run(context.Background(), env.man); result != ResultUpToDate {
		t.Fatalf("expected up-to-date, got %s", result)
	}
	if len(env.src.fetchCalls) != 0 {
		t.Errorf("expected zero fetches, got %v", env.src.fetchCalls)
	}
}

func TestRun_NormalModeIgnoresStagedCopy(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/patchup.exe", content: "binary v2"}})
	env.writeFile(t, env.installDir, 0, "binary v1")
	env.writeFile(t, env.stagingDir, 0, "binary v2")

	eng := New(env.options())
	if result := eng.Run(context.Background(), env.man); result != ResultSuccess {
		t.Fatalf("expected success, got %s (%s)", result, eng.Status().FailDetail())
	}
	if len(env.src.fetchCalls) != 1 {
		t.Errorf("expected one fetch, got %v", env.src.fetchCalls)
	}
	if got := env.readInstalled(t, env.installDir, 0); got != "binary v2" {
		t.Errorf("live content = %q", got)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	env := newTestEnv(t, threeFiles())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := New(env.options())
	if result := eng.Run(ctx, env.man); result != ResultFailed {
		t.Fatalf("expected failed, got %s", result)
	}
	if reason := eng.Status().FailReason(); reason != ReasonCancelled {
		t.Errorf("reason = %s, expected %s", reason, ReasonCancelled)
	}
	if len(env.src.statCalls) != 0 || len(env.src.fetchCalls) != 0 {
		t.Error("expected no network calls after early cancellation")
	}
}

func TestRun_CancelledDuringFetchPhase(t *testing.T) {
	env := newTestEnv(t, threeFiles())

	ctx, cancel := context.WithCancel(context.Background())
	env.src.onFetch = func(string) { cancel() }

	eng := New(env.options())
	if result := eng.Run(ctx, env.man); result != ResultFailed {
		t.Fatalf("expected failed, got %s", result)
	}
	if reason := eng.Status().FailReason(); reason != ReasonCancelled {
		t.Errorf("reason = %s, expected %s", reason, ReasonCancelled)
	}
	if len(env.src.fetchCalls) != 1 {
		t.Errorf("expected the loop to stop after one fetch, got %v", env.src.fetchCalls)
	}
	// The cancellation arrived between fetch and install, so nothing may
	// have been installed at all.
	for idx := range env.man.Items {
		if _, err := os.Stat(env.man.Items[idx].InstallPath(env.installDir)); !os.IsNotExist(err) {
			t.Errorf("file %s was installed after cancellation", env.man.Items[idx].Path)
		}
	}
}

func TestRun_Maintenance(t *testing.T) {
	env := newTestEnv(t, threeFiles())

	opts := env.options()
	opts.Gate = mockGate{down: true}
	eng := New(opts)

	if result := eng.Run(context.Background(), env.man); result != ResultFailed {
		t.Fatalf("expected failed, got %s", result)
	}
	if reason := eng.Status().FailReason(); reason != ReasonMaintenance {
		t.Errorf("reason = %s, expected %s", reason, ReasonMaintenance)
	}
}

func TestRun_NotReentrant(t *testing.T) {
	env := newTestEnv(t, threeFiles())
	env.installAll(t)

	eng := New(env.options())
	if result := eng.Run(context.Background(), env.man); result != ResultUpToDate {
		t.Fatalf("first run: %s", result)
	}
	if result := eng.Run(context.Background(), env.man); result != ResultFailed {
		t.Fatalf("second run: expected failed, got %s", result)
	}
	if reason := eng.Status().FailReason(); reason != ReasonInternal {
		t.Errorf("reason = %s, expected %s", reason, ReasonInternal)
	}
}

func TestRun_DecompressFailure(t *testing.T) {
	env := newTestEnv(t, []fileSpec{{path: "app/bin/core.dll", content: "core v2"}})

	opts := env.options()
	opts.Decompressor = &mockCodec{fail: true}
	eng := New(opts)

	if result := eng.Run(context.Background(), env.man); result != ResultFailed {
		t.Fatalf("expected failed, got %s", result)
	}
	if reason := eng.Status().FailReason(); reason != ReasonDecompressFailed {
		t.Errorf("reason = %s, expected %s", reason, ReasonDecompressFailed)
	}
	if _, err := os.Stat(env.man.Items[0].InstallPath(env.installDir)); !os.IsNotExist(err) {
		t.Error("file was installed despite decompression failure")
	}
}

func TestPlan_DownloadSetIsSubsequenceOfUpdateSet(t *testing.T) {
	env := newTestEnv(t, threeFiles())
	// One of the three stale items already has a valid cached object.
	env.writeCached(t, 1)

	eng := New(env.options())
	updates, downloads, err := eng.Plan(context.Background(), env.man)
	if err != nil {
		t.Fatal(err)
	}

	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	if len(downloads) != 2 {
		t.Fatalf("expected 2 downloads, got %d", len(downloads))
	}

	// Every download entry must appear in the update set, in order, as the
	// same underlying item.
	ui := 0
	for _, d := range downloads {
		for ui < len(updates) && updates[ui] != d {
			ui++
		}
		if ui == len(updates) {
			t.Fatalf("download %s is not an in-order member of the update set", d.Path)
		}
		ui++
	}
}
