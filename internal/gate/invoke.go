package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eniac111/plumbgate/internal/message"
	"github.com/eniac111/plumbgate/internal/metrics"
	"github.com/eniac111/plumbgate/internal/packager"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/projectdiscovery/gologger"
)

// Invoke runs inv on the gate and always returns a terminal result. Calls
// are admitted one at a time; a caller waiting for its turn gives up when
// ctx is done. Transport failures, protocol violations and timeouts leave
// the gate dead.
func (g *Gate) Invoke(ctx context.Context, inv types.ModuleInvocation) types.InvocationResult {
	start := time.Now()
	res := g.invoke(ctx, inv)
	res.Target = g.target.ID
	res.Duration = time.Since(start)

	metrics.Invocations.WithLabelValues(string(res.Status)).Inc()
	metrics.InvocationDuration.Observe(res.Duration.Seconds())
	return res
}

func (g *Gate) invoke(ctx context.Context, inv types.ModuleInvocation) types.InvocationResult {
	if err := ctx.Err(); err != nil {
		return types.ErrorResult(g.target.ID, statusFor(err), fmt.Errorf("waiting for gate: %w", err))
	}
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return types.ErrorResult(g.target.ID, statusFor(ctx.Err()), fmt.Errorf("waiting for gate: %w", ctx.Err()))
	}
	defer func() { <-g.sem }()

	if g.Dead() {
		return types.ErrorResult(g.target.ID, types.StatusTransportError, ErrGateClosed)
	}

	ictx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	for _, f := range inv.Files {
		var err error
		if f.Content != nil {
			err = g.ch.WriteFile(ictx, f.Content, f.Remote, 0o600)
		} else {
			err = g.ch.CopyTo(ictx, f.Local, f.Remote)
		}
		if err != nil {
			return g.fail(ictx, fmt.Errorf("stage %s: %w", f.Remote, err))
		}
	}

	hash := ""
	if !inv.Module.Native {
		hash = packager.Hash(inv.Module.Source)
	}
	withSource := false
	for {
		g.counter++
		id := g.counter
		payload, err := packager.Pack(id, inv, g.packInterpreter(), withSource)
		if err != nil {
			return types.ErrorResult(g.target.ID, types.StatusModuleError, err)
		}
		msg, err := g.roundTrip(ictx, id, payload)
		if err != nil {
			return g.fail(ictx, err)
		}

		res, err := packager.Unpack(g.target.ID, msg)
		if errors.Is(err, packager.ErrModuleNotFound) {
			if inv.Module.Native || withSource {
				return types.ErrorResult(g.target.ID, types.StatusModuleError, err)
			}
			if g.sent[hash] {
				gologger.Debug().Msgf("%s: gate %s lost module %s, sending it again", g.target.ID, g.ID, inv.Module.Name)
			}
			withSource = true
			continue
		}
		if err != nil {
			return g.fail(ictx, err)
		}
		if withSource {
			g.sent[hash] = true
			metrics.ModuleUploads.Inc()
		}
		return res
	}
}

func (g *Gate) packInterpreter() string {
	if g.target.Interpreter != "" {
		return g.target.Interpreter
	}
	return g.opts.Interpreter
}

// roundTrip sends one request and reads the response correlated with id.
func (g *Gate) roundTrip(ctx context.Context, id uint64, payload []byte) (message.Message, error) {
	if err := g.ch.Send(ctx, payload); err != nil {
		return message.Message{}, err
	}
	raw, err := g.ch.Receive(ctx)
	if err != nil {
		return message.Message{}, err
	}
	msg, err := message.Unmarshal(raw)
	if err != nil {
		return message.Message{}, err
	}
	// Error responses to undecodable requests carry no id
	if got := packager.ResponseID(msg); got != id && !(msg.Type == message.TypeError && got == 0) {
		return message.Message{}, &message.ProtocolError{
			Reason: fmt.Sprintf("response id %d does not match request %d", got, id),
			Data:   raw,
		}
	}
	return msg, nil
}

func (g *Gate) fail(ctx context.Context, err error) types.InvocationResult {
	status := statusFor(err)
	if status != types.StatusTimeout && ctx.Err() != nil {
		status = statusFor(ctx.Err())
	}
	if status == types.StatusTimeout {
		err = fmt.Errorf("%w: %v", ErrInvocationTimeout, err)
	}
	g.markDead(err)
	return types.ErrorResult(g.target.ID, status, err)
}

func statusFor(err error) types.Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrInvocationTimeout) {
		return types.StatusTimeout
	}
	return types.StatusTransportError
}
