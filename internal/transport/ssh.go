package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	sshutil "github.com/eniac111/plumbgate/internal/ssh"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/pkg/sftp"
	"github.com/projectdiscovery/gologger"
	"golang.org/x/crypto/ssh"
)

// RemoteGatePrefix names uploaded gate executables, suffixed with their hash.
const RemoteGatePrefix = "/tmp/plumbgate_gate_"

const remoteTempPrefix = "/tmp/plumbgate."

// SSH reaches a gate runtime uploaded to a remote target.
type SSH struct {
	Target         types.Target
	Gates          GateBinaries
	ConnectTimeout time.Duration
}

type sshChannel struct {
	*Stream
	client *ssh.Client
	sftp   *sftp.Client
	tmp    string
}

// Open connects, makes sure the gate executable for the remote platform is
// in place and starts it in a session.
func (s *SSH) Open(ctx context.Context) (Channel, error) {
	if s.Gates == nil {
		return nil, &ConnectionError{Target: s.Target.ID, Err: errors.New("no gate executables configured for remote targets")}
	}
	client, err := sshutil.Connect(ctx, s.Target, s.ConnectTimeout)
	if err != nil {
		return nil, &ConnectionError{Target: s.Target.ID, Err: err}
	}
	ch, err := s.start(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, &ConnectionError{Target: s.Target.ID, Err: err}
	}
	return ch, nil
}

func (s *SSH) start(ctx context.Context, client *ssh.Client) (*sshChannel, error) {
	uname, _, err := sshutil.RunCommand(ctx, client, "uname -sm")
	if err != nil {
		return nil, fmt.Errorf("detect platform: %w", err)
	}
	goos, goarch, err := sshutil.Platform(uname)
	if err != nil {
		return nil, err
	}
	local, err := s.Gates.Binary(ctx, goos, goarch)
	if err != nil {
		return nil, fmt.Errorf("gate for %s/%s: %w", goos, goarch, err)
	}
	hash, err := fileHash(local)
	if err != nil {
		return nil, err
	}

	sc, err := sshutil.NewSFTP(client)
	if err != nil {
		return nil, err
	}
	remoteGate := RemoteGatePrefix + hash
	if size, ok := sshutil.RemoteSize(sc, remoteGate); !ok || size == 0 {
		gologger.Verbose().Msgf("%s: uploading gate %s", s.Target.ID, remoteGate)
		if err := sshutil.UploadFile(sc, local, remoteGate, 0o700); err != nil {
			_ = sc.Close()
			return nil, fmt.Errorf("upload gate: %w", err)
		}
	} else if err := sc.Chmod(remoteGate, 0o700); err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("chmod gate: %w", err)
	}

	out, _, err := sshutil.RunCommand(ctx, client, "mktemp -d "+remoteTempPrefix+"XXXXXXXX")
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("create remote temp dir: %w", err)
	}
	tmp := strings.TrimSpace(out)
	run := runner(client)
	started := false
	defer func() {
		if started {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		if err := removeTempDir(cleanupCtx, run, tmp); err != nil {
			gologger.Debug().Msgf("%s: %v", s.Target.ID, err)
		}
		_ = sc.Close()
	}()

	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stderr := newTailBuffer(stderrTail)
	session.Stderr = stderr

	cmd := fmt.Sprintf("%s -dir %s", sshutil.Quote(remoteGate), sshutil.Quote(path.Join(tmp, "gate")))
	if s.Target.Interpreter != "" {
		cmd += " -interpreter " + sshutil.Quote(s.Target.Interpreter)
	}
	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start gate: %w", err)
	}
	started = true
	gologger.Debug().Msgf("%s: gate started in %s", s.Target.ID, tmp)

	ch := &sshChannel{client: client, sftp: sc, tmp: tmp}
	ch.Stream = newStream(s.Target.ID, stdout, stdin, stderr, func() error {
		_ = stdin.Close()
		waited := make(chan struct{})
		go func() {
			_ = session.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(closeGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		_ = session.Close()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		rmErr := removeTempDir(cleanupCtx, run, tmp)
		_ = sc.Close()
		if err := client.Close(); err != nil && rmErr == nil {
			return err
		}
		return rmErr
	})
	return ch, nil
}

func (c *sshChannel) TempDir() string { return c.tmp }

// CopyTo uploads local over SFTP, keeping the file mode.
func (c *sshChannel) CopyTo(ctx context.Context, local, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !path.IsAbs(remote) {
		remote = path.Join(c.tmp, remote)
	}
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("copy %s: %w", local, err)
	}
	return sshutil.UploadFile(c.sftp, local, remote, info.Mode().Perm())
}

// WriteFile uploads data over SFTP.
func (c *sshChannel) WriteFile(ctx context.Context, data []byte, remote string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !path.IsAbs(remote) {
		remote = path.Join(c.tmp, remote)
	}
	return sshutil.UploadBytes(c.sftp, data, remote, mode)
}

// Exec runs cmd in its own session.
func (c *sshChannel) Exec(ctx context.Context, cmd string) (string, string, error) {
	return sshutil.RunCommand(ctx, c.client, cmd)
}

// runCommand runs a shell command on the target.
type runCommand func(ctx context.Context, cmd string) error

func runner(client *ssh.Client) runCommand {
	return func(ctx context.Context, cmd string) error {
		_, _, err := sshutil.RunCommand(ctx, client, cmd)
		return err
	}
}

// removeTempDir deletes a directory created by mktemp for a gate. Anything
// outside /tmp/plumbgate.* is left alone.
func removeTempDir(ctx context.Context, run runCommand, dir string) error {
	if !strings.HasPrefix(dir, remoteTempPrefix) || strings.Contains(dir, "/..") || dir == remoteTempPrefix {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	if err := run(ctx, "rm -rf "+sshutil.Quote(dir)); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

func fileHash(path string) (string, error) {
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
