package gateloop

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eniac111/plumbgate/internal/message"
	"github.com/projectdiscovery/gologger"
)

// killGrace bounds how long a killed module may keep its output pipes open
// through orphaned children.
const killGrace = 2 * time.Second

func (s *server) runModule(ctx context.Context, req message.ModuleRequest) error {
	modulePath, err := s.stageModule(req)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.send(message.TypeModuleNotFound, message.ErrorBody{
				ID:      req.ID,
				Message: fmt.Sprintf("Module %s not found in gate bundle.", req.ModuleName),
			})
		}
		return s.send(message.TypeGateSystemError, message.ErrorBody{ID: req.ID, Message: err.Error()})
	}

	scratch, err := os.MkdirTemp(s.dir, "invocation-")
	if err != nil {
		return s.send(message.TypeGateSystemError, message.ErrorBody{ID: req.ID, Message: err.Error()})
	}
	defer os.RemoveAll(scratch)

	gologger.Debug().Msgf("gate: module %s (%s, id %d)", req.ModuleName, req.Style, req.ID)
	stdout, stderr, rc := s.execute(ctx, req, modulePath, scratch)
	return s.send(message.TypeModuleResult, message.ModuleResult{
		ID:     req.ID,
		Stdout: stdout,
		Stderr: stderr,
		RC:     rc,
	})
}

// stageModule writes shipped source into the hash keyed cache, or finds a
// previously shipped copy. A miss is reported as os.ErrNotExist.
func (s *server) stageModule(req message.ModuleRequest) (string, error) {
	if req.ModuleHash == "" || strings.ContainsAny(req.ModuleHash, `/\.`) {
		return "", fmt.Errorf("invalid module hash %q", req.ModuleHash)
	}
	name := filepath.Base(req.ModuleName)
	if name == "." || name == string(filepath.Separator) {
		name = "module"
	}
	dir := filepath.Join(s.dir, "modules", req.ModuleHash)
	path := filepath.Join(dir, name)

	if req.Module == "" {
		if _, err := os.Stat(path); err != nil {
			return "", os.ErrNotExist
		}
		return path, nil
	}

	src, err := base64.StdEncoding.DecodeString(req.Module)
	if err != nil {
		return "", fmt.Errorf("decode module %s: %w", req.ModuleName, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, src, 0o700); err != nil {
		return "", fmt.Errorf("write module %s: %w", req.ModuleName, err)
	}
	return path, nil
}

// execute runs the module with the argument convention of its style and
// returns the captured output and exit code.
func (s *server) execute(ctx context.Context, req message.ModuleRequest, modulePath, scratch string) (string, string, int) {
	interpreter := req.Interpreter
	if interpreter == "" {
		interpreter = s.opts.Interpreter
	}
	argv := commandFor(modulePath, req.Style, interpreter)

	var stdin []byte
	switch req.Style {
	case message.StyleNewStyle:
		data, err := json.Marshal(map[string]any{"ANSIBLE_MODULE_ARGS": req.ModuleArgs})
		if err != nil {
			return "", err.Error(), 1
		}
		stdin = data
	case message.StyleOldStyle:
		argsFile, err := writeArgs(scratch, []byte(oldStyleArgs(req.ModuleArgs)))
		if err != nil {
			return "", err.Error(), 1
		}
		argv = append(argv, argsFile)
	default:
		data, err := json.Marshal(req.ModuleArgs)
		if err != nil {
			return "", err.Error(), 1
		}
		argsFile, err := writeArgs(scratch, data)
		if err != nil {
			return "", err.Error(), 1
		}
		argv = append(argv, argsFile)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.WaitDelay = killGrace
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	rc := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rc = exitErr.ExitCode()
		} else {
			rc = 1
			fmt.Fprintf(&stderr, "\nExecution error: %v", err)
		}
		if ctx.Err() != nil {
			fmt.Fprintf(&stderr, "\nmodule killed: %v", ctx.Err())
		}
	}
	return stdout.String(), stderr.String(), rc
}

// commandFor picks how to start the module: binaries and scripts with a
// non-python shebang run directly, everything else through interpreter.
func commandFor(modulePath, style, interpreter string) []string {
	if style == message.StyleBinary {
		return []string{modulePath}
	}
	if shebang := readShebang(modulePath); shebang != "" && !strings.Contains(shebang, "python") {
		return []string{modulePath}
	}
	return append(strings.Fields(interpreter), modulePath)
}

func readShebang(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	line := string(buf[:n])
	if !strings.HasPrefix(line, "#!") {
		return ""
	}
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line[2:])
}

func writeArgs(dir string, data []byte) (string, error) {
	path := filepath.Join(dir, "args")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write args: %w", err)
	}
	return path, nil
}

// oldStyleArgs renders key=value pairs separated by spaces, keys sorted.
func oldStyleArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(pairs, " ")
}
