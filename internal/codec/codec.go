// Package codec turns packed update objects back into their installed form.
package codec

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// Decompressor produces the uncompressed form of a packed object.
type Decompressor interface {
	Decompress(src, dest string) error
}

// XZ decompresses xz (LZMA2) objects.
type XZ struct{}

// Decompress streams the xz object at src into dest. The output is staged in
// a temp file and renamed, so dest never holds a truncated result.
func (XZ) Decompress(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open packed object: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	r, err := xz.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read xz stream: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".patchup-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to decompress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dest)
}
