package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/eniac111/plumbgate/internal/modules"
)

// waitDelay stops a killed command's orphaned children from holding Run open.
const waitDelay = 2 * time.Second

func init() {
	modules.Register("shell", ShellModule{})
}

// ShellModule runs a command through /bin/sh on the target.
type ShellModule struct{}

func (sm ShellModule) Run(ctx context.Context, args modules.Args) modules.Result {
	res := modules.Result{}

	cmdString := args.String("cmd")
	if cmdString == "" {
		cmdString = args.String("_raw_params")
	}
	if cmdString == "" {
		return modules.Fail(res, "Missing 'cmd' parameter for shell module")
	}

	executable := args.String("executable")
	if executable == "" {
		executable = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, executable, "-c", cmdString) // On Windows you'd do "cmd /C"
	cmd.WaitDelay = waitDelay
	if dir := args.String("chdir"); dir != "" {
		cmd.Dir = dir
	}
	if stdin := args.String("stdin"); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res.Stdout = strings.TrimRight(outBuf.String(), "\n")
	res.Stderr = strings.TrimRight(errBuf.String(), "\n")
	res.Extra = map[string]any{"cmd": cmdString}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.RC = exitErr.ExitCode()
		} else {
			res.RC = 1
		}
		return modules.Fail(res, "non-zero return code")
	}

	// A command that ran is always reported as a change, like ansible's shell module.
	res.Changed = true
	return res
}
