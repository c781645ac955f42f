package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/eniac111/plumbgate/internal/gateloop"
	"github.com/projectdiscovery/gologger"
)

const (
	// closeGrace is how long a gate may take to say Goodbye before it is killed.
	closeGrace = 5 * time.Second
	stderrTail = 8 * 1024
)

// Local reaches a gate runtime on this machine. Without GatePath the runtime
// loop runs in a goroutine of the current process.
type Local struct {
	ID          string
	GatePath    string
	Interpreter string
}

type localChannel struct {
	*Stream
	tmp string
}

// Open starts a gate runtime and returns a channel to it.
func (l *Local) Open(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Target: l.ID, Err: err}
	}
	tmp, err := os.MkdirTemp("", "plumbgate-")
	if err != nil {
		return nil, &ConnectionError{Target: l.ID, Err: err}
	}
	var ch Channel
	if l.GatePath != "" {
		ch, err = l.openProcess(tmp)
	} else {
		ch = l.openInProcess(tmp)
	}
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, &ConnectionError{Target: l.ID, Err: err}
	}
	return ch, nil
}

func (l *Local) openInProcess(tmp string) Channel {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := gateloop.Serve(ctx, reqR, respW, gateloop.Options{
			Dir:         filepath.Join(tmp, "gate"),
			Interpreter: l.Interpreter,
		})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			gologger.Debug().Msgf("%s: gate loop ended: %v", l.ID, err)
		}
		_ = respW.CloseWithError(err)
		_ = reqR.Close()
	}()

	closeFn := func() error {
		_ = reqW.Close()
		_ = respR.Close()
		cancel()
		<-done
		return os.RemoveAll(tmp)
	}
	return &localChannel{Stream: newStream(l.ID, respR, reqW, nil, closeFn), tmp: tmp}
}

func (l *Local) openProcess(tmp string) (Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	args := []string{"-dir", filepath.Join(tmp, "gate")}
	if l.Interpreter != "" {
		args = append(args, "-interpreter", l.Interpreter)
	}
	cmd := exec.CommandContext(ctx, l.GatePath, args...)
	cmd.WaitDelay = closeGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	// stdout is a plain os.Pipe so Wait never closes it under the reader
	pr, pw, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, err
	}
	cmd.Stdout = pw
	stderr := newTailBuffer(stderrTail)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start gate %s: %w", l.GatePath, err)
	}
	_ = pw.Close()
	gologger.Debug().Msgf("%s: started gate process %d", l.ID, cmd.Process.Pid)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	closeFn := func() error {
		_ = stdin.Close()
		select {
		case <-exited:
		case <-time.After(closeGrace):
			cancel()
			<-exited
		}
		cancel()
		_ = pr.Close()
		return os.RemoveAll(tmp)
	}
	return &localChannel{Stream: newStream(l.ID, pr, stdin, stderr, closeFn), tmp: tmp}, nil
}

func (c *localChannel) TempDir() string { return c.tmp }

// CopyTo copies local to remote on this machine, keeping the file mode.
func (c *localChannel) CopyTo(ctx context.Context, local, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !filepath.IsAbs(remote) {
		remote = filepath.Join(c.tmp, remote)
	}
	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("copy %s: %w", local, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("copy %s: %w", local, err)
	}
	if err := writeLocal(remote, src, info.Mode().Perm()); err != nil {
		return fmt.Errorf("copy %s: %w", local, err)
	}
	return nil
}

// WriteFile writes data to remote on this machine.
func (c *localChannel) WriteFile(ctx context.Context, data []byte, remote string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !filepath.IsAbs(remote) {
		remote = filepath.Join(c.tmp, remote)
	}
	if err := writeLocal(remote, bytes.NewReader(data), mode); err != nil {
		return fmt.Errorf("write %s: %w", remote, err)
	}
	return nil
}

func writeLocal(path string, src io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// Exec runs cmd with /bin/sh.
func (c *localChannel) Exec(ctx context.Context, cmd string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	proc := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	proc.Dir = c.tmp
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	proc.WaitDelay = closeGrace
	err := proc.Run()
	return stdout.String(), stderr.String(), err
}
