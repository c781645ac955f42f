// Package builder cross-compiles the gate runtime for remote platforms and
// caches the executables between runs.
package builder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/gologger"
	fileutil "github.com/projectdiscovery/utils/file"
)

const (
	// DefaultPackage is the gate runtime main package, relative to SourceDir.
	DefaultPackage = "./cmd/plumbgate-gate"
	manifestName   = "build-manifest.json"
	binaryPrefix   = "plumbgate_gate_"
)

// Options configures a Builder.
type Options struct {
	// CacheDir holds built executables and the manifest. Defaults to ~/.plumbgate.
	CacheDir string
	// SourceDir is the module root the gate is built from.
	SourceDir string
	Package   string
	// Prebuilt is returned for every platform without building.
	Prebuilt string
	Force    bool
	Version  string
}

// manifestEntry records metadata about a built gate executable.
type manifestEntry struct {
	Sha256  string `json:"sha256"`
	Source  string `json:"source"`
	Target  string `json:"target"`
	BuiltAt string `json:"builtAt"`
}

// Builder hands out gate executables per GOOS/GOARCH.
type Builder struct {
	opts Options
	mu   sync.Mutex
}

// New returns a Builder with defaults applied.
func New(opts Options) (*Builder, error) {
	if opts.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache dir: %w", err)
		}
		opts.CacheDir = filepath.Join(home, ".plumbgate")
	}
	if opts.SourceDir == "" {
		opts.SourceDir = "."
	}
	if opts.Package == "" {
		opts.Package = DefaultPackage
	}
	return &Builder{opts: opts}, nil
}

// Binary returns the path of a gate executable for goos/goarch, building it
// when the cache has no matching copy.
func (b *Builder) Binary(ctx context.Context, goos, goarch string) (string, error) {
	if b.opts.Prebuilt != "" {
		if !fileutil.FileExists(b.opts.Prebuilt) {
			return "", fmt.Errorf("prebuilt gate %s does not exist", b.opts.Prebuilt)
		}
		return b.opts.Prebuilt, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key, err := b.Key(goos, goarch)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(b.opts.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}
	binPath := filepath.Join(b.opts.CacheDir, binaryPrefix+key)
	manifest := b.loadManifest()

	if entry, ok := manifest[key]; ok && !b.opts.Force {
		if sha, err := fileSha256(binPath); err == nil && sha == entry.Sha256 {
			gologger.Debug().Msgf("Skipping gate build for %s/%s (unchanged)", goos, goarch)
			return binPath, nil
		}
	}

	gologger.Info().Msgf("Building gate for %s/%s", goos, goarch)
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "go", "build", "-ldflags", "-s -w", "-o", binPath, b.opts.Package)
	cmd.Env = append(os.Environ(), "GOOS="+goos, "GOARCH="+goarch, "CGO_ENABLED=0")
	cmd.Dir = b.opts.SourceDir
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build gate %s/%s: %w: %s", goos, goarch, err, strings.TrimSpace(out.String()))
	}

	sha, err := fileSha256(binPath)
	if err != nil {
		return "", fmt.Errorf("open built binary: %w", err)
	}
	manifest[key] = manifestEntry{
		Sha256:  sha,
		Source:  b.opts.SourceDir,
		Target:  goos + "/" + goarch,
		BuiltAt: time.Now().Format(time.RFC3339),
	}
	if err := b.saveManifest(manifest); err != nil {
		return "", err
	}
	gologger.Verbose().Msgf("Built %s", binPath)
	return binPath, nil
}

// Key identifies a gate build: platform, version and the Go sources it is
// compiled from.
func (b *Builder) Key(goos, goarch string) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s/%s\x00%s\x00%s\x00", goos, goarch, b.opts.Version, b.opts.Package)

	var files []string
	err := filepath.WalkDir(b.opts.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != b.opts.SourceDir && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if (strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go")) || name == "go.mod" || name == "go.sum" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash gate sources: %w", err)
	}
	sort.Strings(files)
	for _, path := range files {
		rel, _ := filepath.Rel(b.opts.SourceDir, path)
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("hash gate sources: %w", err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash gate sources: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:32], nil
}

func (b *Builder) loadManifest() map[string]manifestEntry {
	manifest := map[string]manifestEntry{}
	if f, err := os.Open(filepath.Join(b.opts.CacheDir, manifestName)); err == nil {
		defer f.Close()
		_ = json.NewDecoder(f).Decode(&manifest)
	}
	return manifest
}

func (b *Builder) saveManifest(manifest map[string]manifestEntry) error {
	mf, err := os.Create(filepath.Join(b.opts.CacheDir, manifestName))
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	defer mf.Close()
	enc := json.NewEncoder(mf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return nil
}

func fileSha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
