package rtach

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const (
	ArchX86_64  = "x86_64"
	ArchAarch64 = "aarch64"
)

// normalizeArch maps `uname -m` output onto the helper build names.
func normalizeArch(raw string) (string, error) {
	switch a := strings.ToLower(strings.TrimSpace(raw)); a {
	case "x86_64", "amd64", "x64":
		return ArchX86_64, nil
	case "aarch64", "arm64", "armv8l":
		return ArchAarch64, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, a)
	}
}

// EnsureDeployed installs or replaces the helper when it is missing or
// reports a different version. It uploads nothing when the installed
// helper is current.
func (d *Deployer) EnsureDeployed(ctx context.Context) error {
	d.deployMu.Lock()
	defer d.deployMu.Unlock()

	out, err := d.exec.Execute(ctx, "uname -m")
	if err != nil {
		return fmt.Errorf("probe architecture: %w", err)
	}
	arch, err := normalizeArch(out)
	if err != nil {
		return err
	}

	installed, err := d.installedVersion(ctx)
	if err != nil {
		return err
	}
	if installed != "" && d.current(installed) {
		d.logger.Debug("helper current", "arch", arch, "version", installed)
		return nil
	}
	d.logger.Info("deploying helper", "arch", arch, "installed", installed, "want", d.cfg.HelperVersion)

	if d.cfg.Source == nil {
		return fmt.Errorf("%w: no helper source configured", ErrHelperUnavailable)
	}
	rc, err := d.cfg.Source.Open(arch)
	if err != nil {
		return err
	}
	bin, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("%w: read %s helper: %v", ErrHelperUnavailable, arch, err)
	}

	p := d.paths
	upload := "mkdir -p " + p.binDir() +
		" && cat > " + p.binTmp() +
		" && chmod +x " + p.binTmp() +
		" && mv -f " + p.binTmp() + " " + p.bin()
	if err := d.exec.ExecuteWithInput(ctx, upload, bin); err != nil {
		return fmt.Errorf("%w: upload: %v", ErrDeploymentFailed, err)
	}

	after, err := d.installedVersion(ctx)
	if err != nil {
		return fmt.Errorf("%w: verify: %v", ErrDeploymentFailed, err)
	}
	if after == "" {
		return fmt.Errorf("%w: helper missing after upload", ErrDeploymentFailed)
	}
	if !d.current(after) {
		d.logger.Warn("helper reports unexpected version after upload", "version", after, "want", d.cfg.HelperVersion)
	}
	d.logger.Info("helper deployed", "arch", arch, "bytes", len(bin))
	return nil
}

// installedVersion returns "" when no executable helper is present.
func (d *Deployer) installedVersion(ctx context.Context) (string, error) {
	bin := d.paths.bin()
	probe := "if [ -x " + bin + " ]; then " + bin + " --version 2>/dev/null || echo unknown; else echo missing; fi"
	out, err := d.exec.Execute(ctx, probe)
	if err != nil {
		return "", fmt.Errorf("probe helper version: %w", err)
	}
	v := lastLine(out)
	if v == "missing" {
		return "", nil
	}
	return v, nil
}

// current accepts either the bare version or "rtach <version>".
func (d *Deployer) current(installed string) bool {
	want := d.cfg.HelperVersion
	if want == "" {
		return true
	}
	fields := strings.Fields(installed)
	return len(fields) > 0 && fields[len(fields)-1] == want
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
