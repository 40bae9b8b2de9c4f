package rtach

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// HelperSource supplies the helper binary for a normalized architecture
// ("x86_64" or "aarch64").
type HelperSource interface {
	Open(arch string) (io.ReadCloser, error)
}

// DirSource serves rtach-<arch>.zst, or the uncompressed rtach-<arch>, from
// a local directory.
type DirSource string

func (d DirSource) Open(arch string) (io.ReadCloser, error) {
	base := filepath.Join(string(d), "rtach-"+arch)
	f, err := os.Open(base + ".zst")
	if err == nil {
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s.zst: %v", ErrHelperUnavailable, base, err)
		}
		return &zstdFile{Decoder: dec, f: f}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrHelperUnavailable, err)
	}
	f, err = os.Open(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHelperUnavailable, arch, err)
	}
	return f, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

// StaticSource serves in-memory binaries keyed by architecture.
type StaticSource map[string][]byte

func (s StaticSource) Open(arch string) (io.ReadCloser, error) {
	b, ok := s[arch]
	if !ok {
		return nil, fmt.Errorf("%w: no binary for %s", ErrHelperUnavailable, arch)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
