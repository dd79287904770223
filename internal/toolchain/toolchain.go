// Package toolchain converts between the decomposed source layout and the
// metadata API layout.
package toolchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ProjectFile marks the root of a source layout project.
const ProjectFile = "sfdx-project.json"

// ErrUnavailable is returned when a conversion needs the sf CLI and it is
// not installed.
var ErrUnavailable = errors.New("toolchain not available")

// Toolchain converts metadata trees between layouts. Every operation is
// directory in, directory out.
type Toolchain interface {
	// IsSourceFormat reports whether dir is a source layout project.
	IsSourceFormat(dir string) bool
	// SourceToMetadata converts the project in srcDir into an MDAPI tree in outDir.
	SourceToMetadata(ctx context.Context, srcDir, outDir string) error
	// MetadataToSource replaces the default package directory of the
	// project in projectDir with the converted MDAPI tree mdDir.
	MetadataToSource(ctx context.Context, mdDir, projectDir string) error
	// CreateProject scaffolds an empty source layout project in dir/name.
	CreateProject(ctx context.Context, dir, name string) error
}

// IsSourceFormat reports whether dir carries a project file.
func IsSourceFormat(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ProjectFile))
	return err == nil && !info.IsDir()
}

// CLI implements Toolchain by shelling out to the sf command
type CLI struct {
	binary string
	logger *slog.Logger
}

// NewCLI creates a toolchain backed by the given sf binary ("sf" when empty).
func NewCLI(binary string, logger *slog.Logger) *CLI {
	if binary == "" {
		binary = "sf"
	}
	return &CLI{binary: binary, logger: logger}
}

// IsAvailable checks if the sf binary can be found
func (c *CLI) IsAvailable() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

func (c *CLI) IsSourceFormat(dir string) bool {
	return IsSourceFormat(dir)
}

// SourceToMetadata runs "sf project convert source" inside srcDir.
func (c *CLI) SourceToMetadata(ctx context.Context, srcDir, outDir string) error {
	if err := os.RemoveAll(outDir); err != nil {
		return fmt.Errorf("failed to clear output directory: %w", err)
	}
	return c.run(ctx, srcDir, "project", "convert", "source", "--output-dir", outDir)
}

// MetadataToSource clears the default package directory and runs
// "sf project convert mdapi" into it.
func (c *CLI) MetadataToSource(ctx context.Context, mdDir, projectDir string) error {
	pkgDir, err := DefaultPackageDir(projectDir)
	if err != nil {
		return err
	}
	target := filepath.Join(projectDir, pkgDir)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to clear package directory: %w", err)
	}
	return c.run(ctx, projectDir, "project", "convert", "mdapi", "--root-dir", mdDir, "--output-dir", target)
}

// CreateProject runs "sf project generate".
func (c *CLI) CreateProject(ctx context.Context, dir, name string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project parent: %w", err)
	}
	return c.run(ctx, dir, "project", "generate", "--name", name, "--output-dir", dir)
}

func (c *CLI) run(ctx context.Context, dir string, args ...string) error {
	if !c.IsAvailable() {
		return fmt.Errorf("%w: %s not found in PATH", ErrUnavailable, c.binary)
	}
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "SF_DISABLE_TELEMETRY=true", "SF_AUTOUPDATE_DISABLE=true")

	c.logger.Debug("running toolchain", "cmd", c.binary+" "+strings.Join(args, " "), "dir", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", c.binary, strings.Join(args[:3], " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// DefaultPackageDir returns the path of the default package directory
// declared in the project file of projectDir.
func DefaultPackageDir(projectDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, ProjectFile))
	if err != nil {
		return "", fmt.Errorf("failed to read project file: %w", err)
	}
	var project struct {
		PackageDirectories []struct {
			Path    string `json:"path"`
			Default bool   `json:"default"`
		} `json:"packageDirectories"`
	}
	if err := json.Unmarshal(data, &project); err != nil {
		return "", fmt.Errorf("invalid project file: %w", err)
	}
	if len(project.PackageDirectories) == 0 {
		return "", fmt.Errorf("project file declares no package directories")
	}
	pkg := project.PackageDirectories[0].Path
	for _, d := range project.PackageDirectories {
		if d.Default {
			pkg = d.Path
			break
		}
	}
	pkg = filepath.Clean(filepath.FromSlash(pkg))
	if filepath.IsAbs(pkg) || pkg == ".." || strings.HasPrefix(pkg, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("package directory %q escapes the project", pkg)
	}
	return pkg, nil
}

// Copy is the Toolchain used when no sf CLI is configured. It handles MDAPI
// layout repositories only.
type Copy struct{}

func (Copy) IsSourceFormat(dir string) bool {
	return IsSourceFormat(dir)
}

func (Copy) SourceToMetadata(context.Context, string, string) error {
	return fmt.Errorf("%w: source layout conversion needs the sf CLI", ErrUnavailable)
}

func (Copy) MetadataToSource(context.Context, string, string) error {
	return fmt.Errorf("%w: source layout conversion needs the sf CLI", ErrUnavailable)
}

func (Copy) CreateProject(context.Context, string, string) error {
	return fmt.Errorf("%w: project scaffolding needs the sf CLI", ErrUnavailable)
}

// skipEntry reports whether a tree entry is version control or tool state.
func skipEntry(name string) bool {
	return strings.HasPrefix(name, ".")
}

// CopyTree copies every non-hidden file below src into dst.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != src && skipEntry(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

// SyncTree makes dst mirror src: files missing from src are removed from
// dst and everything else is copied over. Hidden entries of dst are kept.
func SyncTree(src, dst string) error {
	var stale []string
	err := filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dst {
			return nil
		}
		if skipEntry(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(filepath.Join(src, rel)); errors.Is(err, fs.ErrNotExist) {
			stale = append(stale, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", dst, err)
	}
	for _, p := range stale {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return CopyTree(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
