package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eniac111/plumbgate/internal/modules"
)

func init() {
	modules.Register("file", FileModule{})
}

// FileModule manages files, directories and links on the target.
type FileModule struct{}

// Run reads the parameters and performs the requested file operation.
func (fm FileModule) Run(ctx context.Context, args modules.Args) modules.Result {
	res := modules.Result{}

	// 1. Gather parameters
	path := args.String("path")
	state := args.String("state")
	src := args.String("src")
	dest := args.String("dest")
	owner := args.String("owner")
	group := args.String("group")
	modeStr := args.String("mode")
	recurse := args.Bool("recurse")
	modTimeParam := args.String("modification_time")
	accTimeParam := args.String("access_time")

	if state == "" {
		state = "file"
	}

	if (state == "link" || state == "hard") && dest == "" {
		dest = path
	}
	if path == "" && (state == "file" || state == "touch" || state == "directory" || state == "absent") {
		return modules.Fail(res, "Missing 'path' parameter")
	}
	if (state == "link" || state == "hard") && (dest == "" || src == "") {
		return modules.Fail(res, "For link/hard link state, both 'src' and 'dest' (or 'path') are required")
	}
	if path == "" {
		path = dest
	}
	res.Extra = map[string]any{"path": path, "state": state}

	// 2. Dispatch by state
	var (
		changed bool
		err     error
	)
	switch state {
	case "file":
		changed, err = ensureFile(path, false)
		res.Msg = fmt.Sprintf("File '%s' present", path)
	case "touch":
		changed, err = ensureFile(path, true)
		res.Msg = fmt.Sprintf("File '%s' touched", path)
	case "directory":
		changed, err = ensureDirectory(path)
		res.Msg = fmt.Sprintf("Directory '%s' present", path)
	case "absent":
		changed, err = removePath(path)
		res.Msg = fmt.Sprintf("Removed '%s'", path)
	case "link":
		changed, err = ensureSymlink(src, dest)
		res.Msg = fmt.Sprintf("Symlink %s -> %s", dest, src)
	case "hard":
		changed, err = ensureHardLink(src, dest)
		res.Msg = fmt.Sprintf("Hard link %s -> %s", dest, src)
	default:
		return modules.Fail(res, fmt.Sprintf("Unknown state '%s'", state))
	}
	if err != nil {
		return modules.Fail(res, err.Error())
	}
	res.Changed = changed

	// 3. If not absent, set ownership, permissions and times
	if state != "absent" && state != "link" {
		attrChanged, err := setFileAttributes(path, owner, group, modeStr, recurse, modTimeParam, accTimeParam)
		if err != nil {
			return modules.Fail(res, err.Error())
		}
		res.Changed = res.Changed || attrChanged
	}

	return res
}

// ---------------------------------------------------------
//  Helper Functions
// ---------------------------------------------------------

func ensureFile(path string, forceTouch bool) (bool, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		if !forceTouch {
			return false, fmt.Errorf("file '%s' is absent, use state=touch to create it", path)
		}
		f, createErr := os.Create(path)
		if createErr != nil {
			return false, createErr
		}
		_ = f.Close()
		return true, nil
	} else if err != nil {
		return false, err
	}

	if info.IsDir() {
		return false, fmt.Errorf("'%s' exists but is a directory", path)
	}
	if forceTouch {
		now := time.Now()
		return true, os.Chtimes(path, now, now)
	}
	return false, nil
}

func ensureDirectory(path string) (bool, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return false, err
		}
		return true, nil
	} else if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("'%s' exists but is not a directory", path)
	}
	return false, nil
}

func removePath(path string) (bool, error) {
	_, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	if err := os.RemoveAll(path); err != nil {
		return true, err
	}
	return true, nil
}

func ensureSymlink(src, dest string) (bool, error) {
	current, err := os.Readlink(dest)
	if err == nil && current == src {
		return false, nil
	}
	if err == nil {
		if err := os.Remove(dest); err != nil {
			return false, err
		}
	} else if _, statErr := os.Lstat(dest); statErr == nil {
		return false, fmt.Errorf("'%s' exists and is not a symlink", dest)
	}
	if err := os.Symlink(src, dest); err != nil {
		return false, err
	}
	return true, nil
}

func ensureHardLink(src, dest string) (bool, error) {
	destInfo, err := os.Lstat(dest)
	if err == nil {
		srcInfo, srcErr := os.Stat(src)
		if srcErr != nil {
			return false, srcErr
		}
		if os.SameFile(srcInfo, destInfo) {
			return false, nil
		}
		return false, fmt.Errorf("'%s' exists and is not a link to '%s'", dest, src)
	}
	if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.Link(src, dest); err != nil {
		return false, err
	}
	return true, nil
}

func setFileAttributes(path, owner, group, modeStr string, recurse bool, modTimeParam, accTimeParam string) (bool, error) {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return false, fmt.Errorf("unknown owner '%s': %w", owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return false, fmt.Errorf("unknown group '%s': %w", group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}

	var mode fs.FileMode
	if modeStr != "" {
		m, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return false, fmt.Errorf("invalid mode '%s': %w", modeStr, err)
		}
		mode = fs.FileMode(m)
	}

	apply := func(p string) (bool, error) {
		changed := false
		info, err := os.Lstat(p)
		if err != nil {
			return false, err
		}
		if modeStr != "" && info.Mode().Perm() != mode.Perm() {
			if err := os.Chmod(p, mode); err != nil {
				return false, err
			}
			changed = true
		}
		if uid != -1 || gid != -1 {
			if err := os.Lchown(p, uid, gid); err != nil {
				return false, err
			}
			changed = true
		}
		return changed, nil
	}

	changed := false
	if recurse {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			c, err := apply(p)
			changed = changed || c
			return err
		})
		if err != nil {
			return changed, err
		}
	} else {
		c, err := apply(path)
		if err != nil {
			return false, err
		}
		changed = c
	}

	if modTimeParam != "" || accTimeParam != "" {
		mtime, err := parseTime(modTimeParam)
		if err != nil {
			return changed, err
		}
		atime, err := parseTime(accTimeParam)
		if err != nil {
			return changed, err
		}
		if err := os.Chtimes(path, atime, mtime); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// parseTime accepts "now", "" (zero time, left unchanged by Chtimes) or
// ansible's default YYYYmmddHHMM.SS format.
func parseTime(value string) (time.Time, error) {
	switch value {
	case "":
		return time.Time{}, nil
	case "now":
		return time.Now(), nil
	}
	t, err := time.ParseInLocation("200601021504.05", value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time '%s': %w", value, err)
	}
	return t, nil
}
