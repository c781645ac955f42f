package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/gate\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cmd", "gate"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmd", "gate", "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	return dir
}

func TestKey(t *testing.T) {
	src := newSourceTree(t)
	b, err := New(Options{CacheDir: t.TempDir(), SourceDir: src, Version: "v1"})
	require.NoError(t, err)

	linux, err := b.Key("linux", "amd64")
	require.NoError(t, err)
	again, err := b.Key("linux", "amd64")
	require.NoError(t, err)
	require.Equal(t, linux, again)

	arm, err := b.Key("linux", "arm64")
	require.NoError(t, err)
	require.NotEqual(t, linux, arm)

	// tests and hidden dirs do not affect the key
	require.NoError(t, os.WriteFile(filepath.Join(src, "cmd", "gate", "main_test.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "x.go"), []byte("package x\n"), 0o644))
	unchanged, err := b.Key("linux", "amd64")
	require.NoError(t, err)
	require.Equal(t, linux, unchanged)

	require.NoError(t, os.WriteFile(filepath.Join(src, "cmd", "gate", "main.go"), []byte("package main\n\nfunc main() { println() }\n"), 0o644))
	changed, err := b.Key("linux", "amd64")
	require.NoError(t, err)
	require.NotEqual(t, linux, changed)
}

func TestBinarySkipsUnchangedBuild(t *testing.T) {
	cache := t.TempDir()
	// a package that does not exist makes any real build fail
	b, err := New(Options{CacheDir: cache, SourceDir: newSourceTree(t), Package: "./does/not/exist"})
	require.NoError(t, err)

	key, err := b.Key("linux", "amd64")
	require.NoError(t, err)
	binPath := filepath.Join(cache, binaryPrefix+key)
	content := []byte("cached gate")
	require.NoError(t, os.WriteFile(binPath, content, 0o755))
	sum := sha256.Sum256(content)
	manifest := map[string]manifestEntry{key: {Sha256: hex.EncodeToString(sum[:]), Target: "linux/amd64"}}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cache, manifestName), data, 0o644))

	got, err := b.Binary(context.Background(), "linux", "amd64")
	require.NoError(t, err)
	require.Equal(t, binPath, got)

	// a tampered binary no longer matches the manifest
	require.NoError(t, os.WriteFile(binPath, []byte("tampered"), 0o755))
	_, err = b.Binary(context.Background(), "linux", "amd64")
	require.Error(t, err)
}

func TestBinaryForceRebuilds(t *testing.T) {
	cache := t.TempDir()
	b, err := New(Options{CacheDir: cache, SourceDir: newSourceTree(t), Package: "./does/not/exist", Force: true})
	require.NoError(t, err)

	key, err := b.Key("linux", "amd64")
	require.NoError(t, err)
	binPath := filepath.Join(cache, binaryPrefix+key)
	require.NoError(t, os.WriteFile(binPath, []byte("cached"), 0o755))
	sum := sha256.Sum256([]byte("cached"))
	data, _ := json.Marshal(map[string]manifestEntry{key: {Sha256: hex.EncodeToString(sum[:])}})
	require.NoError(t, os.WriteFile(filepath.Join(cache, manifestName), data, 0o644))

	_, err = b.Binary(context.Background(), "linux", "amd64")
	require.Error(t, err)
}

func TestPrebuilt(t *testing.T) {
	gate := filepath.Join(t.TempDir(), "gate")
	require.NoError(t, os.WriteFile(gate, []byte("bin"), 0o755))

	b, err := New(Options{CacheDir: t.TempDir(), Prebuilt: gate})
	require.NoError(t, err)
	got, err := b.Binary(context.Background(), "linux", "arm64")
	require.NoError(t, err)
	require.Equal(t, gate, got)

	b, err = New(Options{CacheDir: t.TempDir(), Prebuilt: gate + ".missing"})
	require.NoError(t, err)
	_, err = b.Binary(context.Background(), "linux", "arm64")
	require.Error(t, err)
}
