package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/eniac111/plumbgate/internal/types"
	"github.com/pkg/sftp"
	"github.com/projectdiscovery/gologger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// DefaultConnectTimeout bounds dialing and the SSH handshake.
const DefaultConnectTimeout = 10 * time.Second

// AuthMethods collects password, key file, default key and agent auth for
// target. The returned cleanup closes the agent connection, if any.
func AuthMethods(target types.Target) ([]ssh.AuthMethod, func(), error) {
	var authMethods []ssh.AuthMethod
	cleanup := func() {}

	if target.Password != "" {
		authMethods = append(authMethods, ssh.Password(target.Password))
	}

	if target.KeyPath != "" {
		signer, err := loadSigner(target.KeyPath)
		if err != nil {
			return nil, cleanup, err
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	// Always try to use the default SSH key if no key path is provided
	if target.KeyPath == "" {
		if usr, err := user.Current(); err == nil {
			defaultKeyPath := filepath.Join(usr.HomeDir, ".ssh", "id_rsa")
			if signer, err := loadSigner(defaultKeyPath); err == nil {
				authMethods = append(authMethods, ssh.PublicKeys(signer))
				gologger.Debug().Msgf("%s: using default SSH key %s", target.ID, defaultKeyPath)
			} else {
				gologger.Debug().Msgf("%s: default SSH key unavailable: %v", target.ID, err)
			}
		}
	}

	// Always try to use the SSH agent
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			cleanup = func() { _ = conn.Close() }
			gologger.Debug().Msgf("%s: using SSH agent", target.ID)
		} else {
			gologger.Debug().Msgf("%s: failed to connect to SSH agent: %v", target.ID, err)
		}
	}

	if len(authMethods) == 0 {
		return nil, cleanup, fmt.Errorf("no authentication methods available")
	}
	return authMethods, cleanup, nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}
	return signer, nil
}

// Connect opens an SSH connection to target. Dialing and the handshake
// both give up when ctx is done or timeout elapses.
func Connect(ctx context.Context, target types.Target, timeout time.Duration) (*ssh.Client, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	authMethods, cleanup, err := AuthMethods(target)
	if err != nil {
		return nil, err
	}

	username := target.User
	if username == "" {
		if usr, err := user.Current(); err == nil {
			username = usr.Username
		}
	}
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // host keys are not pinned
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := target.Address()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	// the handshake has no context of its own
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stop()
	cleanup()
	if err != nil {
		_ = conn.Close()
		if dialCtx.Err() != nil {
			return nil, fmt.Errorf("SSH handshake with %s: %w", addr, dialCtx.Err())
		}
		return nil, fmt.Errorf("SSH handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// NewSFTP opens an SFTP session on an existing connection.
func NewSFTP(sshClient *ssh.Client) (*sftp.Client, error) {
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("failed to start SFTP: %w", err)
	}
	return sftpClient, nil
}

// UploadFile uses SFTP to copy a local file to a remote path and applies mode.
func UploadFile(sftpClient *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	srcFile, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()
	return upload(sftpClient, srcFile, remotePath, mode)
}

// UploadBytes uses SFTP to copy in-memory bytes to a remote file.
func UploadBytes(sftpClient *sftp.Client, data []byte, remotePath string, mode os.FileMode) error {
	return upload(sftpClient, bytes.NewReader(data), remotePath, mode)
}

func upload(sftpClient *sftp.Client, src io.Reader, remotePath string, mode os.FileMode) error {
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	dstFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dstFile, src); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := dstFile.Close(); err != nil {
		return err
	}
	if mode != 0 {
		return sftpClient.Chmod(remotePath, mode)
	}
	return nil
}

// RemoteSize returns the size of a remote file and whether it exists.
func RemoteSize(sftpClient *sftp.Client, remotePath string) (int64, bool) {
	info, err := sftpClient.Stat(remotePath)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// RunCommand executes a command on the remote host via SSH. The session is
// torn down when ctx is done.
func RunCommand(ctx context.Context, sshClient *ssh.Client, cmd string) (string, string, error) {
	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	stop := context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
	})
	defer stop()

	err = session.Run(cmd)
	if ctx.Err() != nil {
		return stdout.String(), stderr.String(), ctx.Err()
	}
	return stdout.String(), stderr.String(), err
}

// Platform maps `uname -sm` output to GOOS and GOARCH.
func Platform(uname string) (string, string, error) {
	fields := strings.Fields(uname)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("unexpected uname output %q", uname)
	}

	var goos string
	switch strings.ToLower(fields[0]) {
	case "linux":
		goos = "linux"
	case "darwin":
		goos = "darwin"
	case "freebsd":
		goos = "freebsd"
	case "openbsd":
		goos = "openbsd"
	case "netbsd":
		goos = "netbsd"
	default:
		return "", "", fmt.Errorf("unsupported operating system %q", fields[0])
	}

	var goarch string
	switch machine := strings.ToLower(fields[1]); {
	case machine == "x86_64" || machine == "amd64":
		goarch = "amd64"
	case machine == "aarch64" || machine == "arm64":
		goarch = "arm64"
	case machine == "i386" || machine == "i686" || machine == "i586":
		goarch = "386"
	case strings.HasPrefix(machine, "armv"):
		goarch = "arm"
	case machine == "ppc64le":
		goarch = "ppc64le"
	case machine == "s390x":
		goarch = "s390x"
	case machine == "riscv64":
		goarch = "riscv64"
	default:
		return "", "", fmt.Errorf("unsupported architecture %q", fields[1])
	}
	return goos, goarch, nil
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
