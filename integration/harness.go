//go:build integration

package integration

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"

	"github.com/patchup/patchup/internal/codec"
	"github.com/patchup/patchup/internal/engine"
	"github.com/patchup/patchup/internal/manifest"
	"github.com/patchup/patchup/internal/remote"
)

// File is one file of a published version.
type File struct {
	Path    string
	Content string
}

// Harness publishes a version (manifest plus xz-packed objects) on an
// httptest server and owns the local roots an engine run touches.
type Harness struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	objects     map[string][]byte // request path -> body
	maintenance bool

	InstallDir string
	StagingDir string
	CacheDir   string
	Manifest   *manifest.Manifest
}

// NewHarness creates a harness with empty local roots and no published version.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	tmpDir := t.TempDir()

	h := &Harness{
		t:          t,
		objects:    make(map[string][]byte),
		InstallDir: filepath.Join(tmpDir, "install"),
		StagingDir: filepath.Join(tmpDir, "staging"),
		CacheDir:   filepath.Join(tmpDir, "cache"),
	}
	for _, dir := range []string{h.InstallDir, h.StagingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *Harness) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r.URL.Path == "/maintenance" {
		if h.maintenance {
			_, _ = w.Write([]byte("1"))
			return
		}
		http.NotFound(w, r)
		return
	}

	body, ok := h.objects[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(body)
}

// PublishVersion packs the given files with xz, computes their signatures and
// publishes manifest and objects on the server.
func (h *Harness) PublishVersion(version string, files []File) {
	h.t.Helper()

	man := &manifest.Manifest{Version: version}
	objects := make(map[string][]byte)
	for _, f := range files {
		packed := xzPack(h.t, []byte(f.Content))
		item := manifest.Item{
			Path:         f.Path,
			Size:         int64(len(f.Content)),
			Digest:       digestOf([]byte(f.Content)),
			PackedSize:   int64(len(packed)),
			PackedDigest: digestOf(packed),
		}
		man.Items = append(man.Items, item)
		objects["/objects/"+item.ObjectName()] = packed
	}

	manifestBytes, err := yaml.Marshal(man)
	if err != nil {
		h.t.Fatal(err)
	}
	objects["/manifest.yaml"] = manifestBytes

	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects = objects
	h.Manifest = man
}

// RemoveObject unpublishes the packed object for the given manifest path.
func (h *Harness) RemoveObject(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	item := manifest.Item{Path: path}
	delete(h.objects, "/objects/"+item.ObjectName())
}

// CorruptObject replaces the packed object for the given manifest path with
// same-length garbage, so only the digest disagrees.
func (h *Harness) CorruptObject(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	item := manifest.Item{Path: path}
	key := "/objects/" + item.ObjectName()
	body, ok := h.objects[key]
	if !ok {
		h.t.Fatalf("no published object for %s", path)
	}
	garbage := bytes.Repeat([]byte{0x5a}, len(body))
	h.objects[key] = garbage
}

// SetMaintenance toggles the maintenance sentinel.
func (h *Harness) SetMaintenance(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maintenance = down
}

// BaseURL returns the base URL packed objects are served under.
func (h *Harness) BaseURL() string {
	return h.srv.URL + "/objects"
}

// Engine builds an engine wired with the real HTTP source, xz codec and
// maintenance probe against this harness.
func (h *Harness) Engine(selfPatch, verifyRemote bool) *engine.Engine {
	src := remote.NewHTTPSource(0)
	return engine.New(engine.Options{
		InstallDir:   h.InstallDir,
		StagingDir:   h.StagingDir,
		CacheDir:     h.CacheDir,
		BaseURL:      h.BaseURL(),
		SelfPatch:    selfPatch,
		VerifyRemote: verifyRemote,
		Source:       src,
		Decompressor: codec.XZ{},
		Gate:         remote.NewProbeGate(src, h.srv.URL+"/maintenance"),
	})
}

// ReadInstalled returns the content of path below the given root.
func (h *Harness) ReadInstalled(root, path string) string {
	h.t.Helper()
	item := manifest.Item{Path: path}
	data, err := os.ReadFile(item.InstallPath(root))
	if err != nil {
		h.t.Fatalf("read installed file: %v", err)
	}
	return string(data)
}

func xzPack(t *testing.T, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
