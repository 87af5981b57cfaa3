package manifest

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Item describes one file of the target version. Sizes and digests cover both
// the file as installed and the packed (xz) object as delivered over the wire.
type Item struct {
	Path         string `yaml:"path"`
	Size         int64  `yaml:"size"`
	Digest       string `yaml:"sha256"`
	PackedSize   int64  `yaml:"packed_size"`
	PackedDigest string `yaml:"packed_sha256"`
}

// ObjectName returns the name of the packed object for this item. It is used
// both as the cache key and as the path component of the download URL.
func (i *Item) ObjectName() string {
	return path.Clean(filepath.ToSlash(i.Path)) + ".xz"
}

// InstallPath returns the absolute path of this item below root.
func (i *Item) InstallPath(root string) string {
	return filepath.Join(root, filepath.FromSlash(i.Path))
}

// Manifest is the ordered list of files making up a target version.
type Manifest struct {
	Version string `yaml:"version"`
	Items   []Item `yaml:"files"`
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses manifest bytes and validates every entry.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	for idx := range m.Items {
		item := &m.Items[idx]
		if err := validatePath(item.Path); err != nil {
			return fmt.Errorf("files[%d]: %w", idx, err)
		}
		if item.Size < 0 || item.PackedSize < 0 {
			return fmt.Errorf("files[%d] %s: negative size", idx, item.Path)
		}
		if item.Digest == "" || item.PackedDigest == "" {
			return fmt.Errorf("files[%d] %s: missing digest", idx, item.Path)
		}
	}
	return nil
}

// validatePath rejects entries that would escape the install root.
func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return fmt.Errorf("absolute path not allowed: %s", p)
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path escapes install root: %s", p)
	}
	return nil
}

// DownloadURL maps an item to the URL of its packed object below baseURL.
func DownloadURL(baseURL string, item *Item) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + item.ObjectName()
}
