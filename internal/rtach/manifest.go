package rtach

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// ManifestFile is the optional description of a helper asset directory.
const ManifestFile = "manifest.json"

// Manifest pins the helper version and the checksum of each build.
//
//	{"version": "1.4.0", "sha256": {"x86_64": "<hex>", "aarch64": "<hex>"}}
//
// Checksums cover the uncompressed binary.
type Manifest struct {
	Version string            `json:"version"`
	SHA256  map[string]string `json:"sha256"`
}

var (
	versionRe = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+_-]{0,63}$`)
	sha256Re  = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// LoadManifest reads dir/manifest.json. A directory without one returns
// (nil, nil).
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHelperUnavailable, ManifestFile, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHelperUnavailable, ManifestFile, err)
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("version is required")
	}
	if !versionRe.MatchString(m.Version) {
		return fmt.Errorf("version %q has unexpected characters", m.Version)
	}
	if len(m.SHA256) == 0 {
		return errors.New("sha256 must list at least one architecture")
	}
	for arch, sum := range m.SHA256 {
		if arch != ArchX86_64 && arch != ArchAarch64 {
			return fmt.Errorf("sha256: unknown architecture %q", arch)
		}
		if !sha256Re.MatchString(sum) {
			return fmt.Errorf("sha256[%s]: want 64 lowercase hex digits", arch)
		}
	}
	return nil
}

// VerifiedSource checks each binary from Source against the manifest.
type VerifiedSource struct {
	Source   HelperSource
	Manifest *Manifest
}

func (v VerifiedSource) Open(arch string) (io.ReadCloser, error) {
	want, ok := v.Manifest.SHA256[arch]
	if !ok {
		return nil, fmt.Errorf("%w: manifest has no %s build", ErrHelperUnavailable, arch)
	}
	rc, err := v.Source.Open(arch)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	bin, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s helper: %v", ErrHelperUnavailable, arch, err)
	}
	sum := sha256.Sum256(bin)
	if got := hex.EncodeToString(sum[:]); got != want {
		return nil, fmt.Errorf("%w: %s helper checksum %s does not match manifest", ErrHelperUnavailable, arch, got)
	}
	return io.NopCloser(bytes.NewReader(bin)), nil
}

// OpenAssets returns a source for dir, checked against its manifest when
// one is present, and the manifest's version ("" without one).
func OpenAssets(dir string) (HelperSource, string, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, "", err
	}
	if m == nil {
		return DirSource(dir), "", nil
	}
	return VerifiedSource{Source: DirSource(dir), Manifest: m}, m.Version, nil
}
