package packager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eniac111/plumbgate/internal/modules"
	_ "github.com/eniac111/plumbgate/internal/modules/builtin"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/projectdiscovery/gcache"
	fileutil "github.com/projectdiscovery/utils/file"
)

// ErrModuleNotFound is returned when a module is neither on disk nor native.
var ErrModuleNotFound = errors.New("module not found")

var sourceCache = gcache.New[string, []byte](256).
	LRU().
	Expiration(5 * time.Minute).
	Build()

// Find looks for <name>.py and then <name> in each directory, in order.
func Find(dirs []string, name string) (string, bool) {
	for _, candidate := range []string{name + ".py", name} {
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			path := filepath.Join(dir, candidate)
			if fileutil.FileExists(path) {
				return path, true
			}
		}
	}
	return "", false
}

// Load resolves name to a module reference. Files in dirs win over native
// modules of the same name.
func Load(dirs []string, name string) (types.ModuleRef, error) {
	if path, ok := Find(dirs, name); ok {
		src, err := readSource(path)
		if err != nil {
			return types.ModuleRef{}, err
		}
		return types.ModuleRef{Name: name, Path: path, Source: src}, nil
	}
	if _, ok := modules.Lookup(name); ok {
		return types.ModuleRef{Name: name, Native: true}, nil
	}
	return types.ModuleRef{}, fmt.Errorf("%w: %s in %v", ErrModuleNotFound, name, dirs)
}

// LoadNative returns a reference to a native module, bypassing the module dirs.
func LoadNative(name string) (types.ModuleRef, error) {
	if _, ok := modules.Lookup(name); !ok {
		return types.ModuleRef{}, fmt.Errorf("%w: no native module %s (have %v)", ErrModuleNotFound, name, modules.Names())
	}
	return types.ModuleRef{Name: name, Native: true}, nil
}

func readSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat module: %w", err)
	}
	key := fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
	if src, err := sourceCache.Get(key); err == nil {
		return src, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	_ = sourceCache.Set(key, src)
	return src, nil
}
