// Package gate keeps one persistent runtime open on a target and runs module
// invocations through it one at a time.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eniac111/plumbgate/internal/message"
	"github.com/eniac111/plumbgate/internal/metrics"
	"github.com/eniac111/plumbgate/internal/transport"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/projectdiscovery/gologger"
	"github.com/rs/xid"
)

// DefaultInterpreter installs requirements when neither the target nor the
// options name an interpreter.
const DefaultInterpreter = "python3"

// drainTimeout bounds Close waiting for an in-flight invocation and for the
// Goodbye answering Shutdown.
const drainTimeout = 5 * time.Second

var (
	// ErrGateClosed is returned for invocations on a gate that is draining,
	// closed or dead.
	ErrGateClosed = errors.New("gate is closed")
	// ErrInvocationTimeout is returned when no response arrives in time.
	ErrInvocationTimeout = errors.New("invocation timed out")
)

// OpenError reports that a gate runtime could not be brought up.
type OpenError struct {
	Target string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open gate on %s: %v", e.Target, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// State is the lifecycle position of a gate.
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures gates.
type Options struct {
	// Timeout bounds each invocation, zero means only ctx applies.
	Timeout time.Duration
	// Requirements are pip installed once when the gate opens.
	Requirements []string
	Interpreter  string
}

// Gate is a single-owner handle on a persistent runtime.
type Gate struct {
	ID     string
	target types.Target
	ch     transport.Channel
	opts   Options

	// sem admits one invocation at a time
	sem chan struct{}

	mu    sync.Mutex
	state State

	// guarded by sem
	counter uint64
	sent    map[string]bool
}

// Open establishes the channel, performs the Hello handshake and installs
// requirements. The channel is closed again on any failure.
func Open(ctx context.Context, target types.Target, tr transport.Transport, opts Options) (*Gate, error) {
	g := &Gate{
		ID:     xid.New().String(),
		target: target,
		opts:   opts,
		sem:    make(chan struct{}, 1),
		state:  StateUnopened,
		sent:   map[string]bool{},
	}
	if err := g.open(ctx, tr); err != nil {
		metrics.GateOpens.WithLabelValues("failed").Inc()
		return nil, &OpenError{Target: target.ID, Err: err}
	}
	metrics.GateOpens.WithLabelValues("ok").Inc()
	metrics.LiveGates.Inc()
	gologger.Verbose().Msgf("%s: gate %s open", target.ID, g.ID)
	return g, nil
}

func (g *Gate) open(ctx context.Context, tr transport.Transport) error {
	ch, err := tr.Open(ctx)
	if err != nil {
		return err
	}
	g.ch = ch

	hctx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	if err := g.hello(hctx); err != nil {
		_ = ch.Close()
		return err
	}
	if len(g.opts.Requirements) > 0 {
		if err := g.installRequirements(ctx); err != nil {
			_ = ch.Close()
			return err
		}
	}
	g.state = StateOpen
	return nil
}

func (g *Gate) hello(ctx context.Context) error {
	payload, err := message.Marshal(message.TypeHello, nil)
	if err != nil {
		return err
	}
	if err := g.ch.Send(ctx, payload); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	raw, err := g.ch.Receive(ctx)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	msg, err := message.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if msg.Type != message.TypeHello {
		return &message.ProtocolError{Reason: fmt.Sprintf("expected Hello, got %s", msg.Type), Data: msg.Body}
	}
	return nil
}

func (g *Gate) installRequirements(ctx context.Context) error {
	quoted := make([]string, 0, len(g.opts.Requirements))
	for _, req := range g.opts.Requirements {
		quoted = append(quoted, shellQuote(req))
	}
	cmd := fmt.Sprintf("%s -m pip install --user %s", g.interpreter(), strings.Join(quoted, " "))
	gologger.Verbose().Msgf("%s: installing requirements: %s", g.target.ID, strings.Join(g.opts.Requirements, ", "))
	if _, stderr, err := g.ch.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("install requirements: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (g *Gate) interpreter() string {
	if g.target.Interpreter != "" {
		return g.target.Interpreter
	}
	if g.opts.Interpreter != "" {
		return g.opts.Interpreter
	}
	return DefaultInterpreter
}

// State returns the current lifecycle state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Dead reports whether the gate can no longer run invocations.
func (g *Gate) Dead() bool {
	return g.State() != StateOpen
}

// Target returns the target the gate is bound to.
func (g *Gate) Target() types.Target { return g.target }

func (g *Gate) transition(from, to State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != from {
		return false
	}
	g.state = to
	return true
}

// markDead closes the channel after a failed invocation.
func (g *Gate) markDead(cause error) {
	if !g.transition(StateOpen, StateClosed) {
		return
	}
	gologger.Verbose().Msgf("%s: gate %s discarded: %v", g.target.ID, g.ID, cause)
	_ = g.ch.Close()
	metrics.LiveGates.Dec()
}

// Close sends Shutdown, waits briefly for Goodbye and closes the channel.
// Errors on the close frames are ignored. Calling Close again is a no-op.
func (g *Gate) Close() error {
	if !g.transition(StateOpen, StateDraining) {
		return nil
	}
	select {
	case g.sem <- struct{}{}:
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		g.shutdown(ctx)
		cancel()
		<-g.sem
	case <-time.After(drainTimeout):
		gologger.Debug().Msgf("%s: gate %s still busy, closing anyway", g.target.ID, g.ID)
	}

	g.mu.Lock()
	g.state = StateClosed
	g.mu.Unlock()
	err := g.ch.Close()
	metrics.LiveGates.Dec()
	gologger.Verbose().Msgf("%s: gate %s closed", g.target.ID, g.ID)
	return err
}

func (g *Gate) shutdown(ctx context.Context) {
	payload, err := message.Marshal(message.TypeShutdown, nil)
	if err != nil {
		return
	}
	if err := g.ch.Send(ctx, payload); err != nil {
		return
	}
	if raw, err := g.ch.Receive(ctx); err == nil {
		if msg, err := message.Unmarshal(raw); err == nil && msg.Type != message.TypeGoodbye {
			gologger.Debug().Msgf("%s: expected Goodbye, got %s", g.target.ID, msg.Type)
		}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
