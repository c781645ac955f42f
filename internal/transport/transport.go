// Package transport opens byte channels to a gate runtime, either in this
// process, in a local subprocess or over SSH.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/eniac111/plumbgate/internal/types"
)

// ErrClosed is returned by Send and Receive once a channel is closed or the
// far end has gone away.
var ErrClosed = errors.New("channel closed")

// Transport opens channels to one target.
type Transport interface {
	Open(ctx context.Context) (Channel, error)
}

// Channel is a bidirectional stream of framed payloads to one gate runtime
// plus the side operations a gate needs on the same target.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	// CopyTo stages a local file on the target. Relative remote paths are
	// placed under TempDir.
	CopyTo(ctx context.Context, local, remote string) error
	// WriteFile stages generated content on the target, resolving remote
	// like CopyTo.
	WriteFile(ctx context.Context, data []byte, remote string, mode os.FileMode) error
	// Exec runs a shell command on the target outside the gate runtime.
	Exec(ctx context.Context, cmd string) (string, string, error)
	// TempDir is a scratch directory on the target, removed by Close.
	TempDir() string
	Close() error
}

// ConnectionError reports that a channel could not be established.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Error reports a failure on an established channel.
type Error struct {
	Target string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// GateBinaries supplies a gate runtime executable built for a platform.
type GateBinaries interface {
	Binary(ctx context.Context, goos, goarch string) (string, error)
}

// Options selects and configures the transport for a target.
type Options struct {
	// GatePath runs local targets through this gate executable instead of
	// in-process.
	GatePath string
	// Gates provides executables for remote targets.
	Gates          GateBinaries
	ConnectTimeout time.Duration
	Interpreter    string
}

// ForTarget picks the transport for target.
func ForTarget(target types.Target, opts Options) Transport {
	interpreter := target.Interpreter
	if interpreter == "" {
		interpreter = opts.Interpreter
	}
	if target.IsLocal() {
		return &Local{ID: target.ID, GatePath: opts.GatePath, Interpreter: interpreter}
	}
	return &SSH{Target: target, Gates: opts.Gates, ConnectTimeout: opts.ConnectTimeout}
}
