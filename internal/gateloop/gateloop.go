// Package gateloop is the persistent runtime that lives on a target for the
// lifetime of a gate. It reads framed requests from the engine, runs one
// module at a time and answers each request with exactly one response, in
// the order the requests arrived.
package gateloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"

	"github.com/eniac111/plumbgate/internal/message"
	"github.com/eniac111/plumbgate/internal/modules"
	_ "github.com/eniac111/plumbgate/internal/modules/builtin"
	"github.com/projectdiscovery/gologger"
)

// DefaultInterpreter runs compatibility modules that carry no usable shebang.
const DefaultInterpreter = "python3"

// Options configures a runtime loop.
type Options struct {
	// Dir holds cached module sources and per-invocation scratch dirs. A
	// temporary directory is created and removed when empty.
	Dir string
	// Interpreter is used when a request does not name one.
	Interpreter string
}

type server struct {
	w    io.Writer
	wmu  sync.Mutex
	dir  string
	opts Options
}

type readResult struct {
	msg message.Message
	err error
}

// Serve runs the loop until Shutdown, end of input or a framing error.
// Closing the input stream kills the module that is currently running.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts Options) error {
	if opts.Interpreter == "" {
		opts.Interpreter = DefaultInterpreter
	}
	dir := opts.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "plumbgate-gate-")
		if err != nil {
			return fmt.Errorf("create gate dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create gate dir: %w", err)
	}

	s := &server{w: w, dir: dir, opts: opts}

	// Module processes are bound to runCtx, which is cancelled as soon as
	// the engine hangs up, even while a module is still running.
	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	requests := make(chan readResult)
	go func() {
		defer close(requests)
		br := message.NewReader(r)
		for {
			msg, err := message.Read(br)
			if err != nil {
				abort()
			}
			select {
			case requests <- readResult{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var rr readResult
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rr, ok = <-requests:
		}
		if !ok {
			return nil
		}
		if rr.err != nil {
			if errors.Is(rr.err, io.EOF) {
				gologger.Debug().Msgf("gate: end of input")
				_ = s.send(message.TypeGoodbye, nil)
				return nil
			}
			_ = s.send(message.TypeError, message.ErrorBody{Message: rr.err.Error()})
			return rr.err
		}

		done, err := s.handle(runCtx, rr.msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *server) handle(ctx context.Context, msg message.Message) (bool, error) {
	switch msg.Type {
	case message.TypeHello:
		gologger.Debug().Msgf("gate: hello")
		return false, s.sendRaw(message.TypeHello, msg.Body)

	case message.TypeShutdown:
		gologger.Debug().Msgf("gate: shutdown")
		return true, s.send(message.TypeGoodbye, nil)

	case message.TypeModule:
		var req message.ModuleRequest
		if err := msg.Decode(&req); err != nil {
			return false, s.send(message.TypeError, message.ErrorBody{Message: err.Error()})
		}
		return false, s.runModule(ctx, req)

	case message.TypeNativeModule:
		var req message.NativeModuleRequest
		if err := msg.Decode(&req); err != nil {
			return false, s.send(message.TypeError, message.ErrorBody{Message: err.Error()})
		}
		return false, s.runNative(ctx, req)

	default:
		return false, s.send(message.TypeError, message.ErrorBody{Message: fmt.Sprintf("Unknown message type %s", msg.Type)})
	}
}

func (s *server) runNative(ctx context.Context, req message.NativeModuleRequest) error {
	m, ok := modules.Lookup(req.ModuleName)
	if !ok {
		return s.send(message.TypeModuleNotFound, message.ErrorBody{
			ID:      req.ID,
			Message: fmt.Sprintf("Module %s not found in gate bundle.", req.ModuleName),
		})
	}
	gologger.Debug().Msgf("gate: native module %s (id %d)", req.ModuleName, req.ID)

	result, panicMsg := callNative(ctx, m, modules.Args(req.ModuleArgs))
	if panicMsg != "" {
		return s.send(message.TypeGateSystemError, message.ErrorBody{
			ID:      req.ID,
			Message: fmt.Sprintf("panic in %s: %s", req.ModuleName, panicMsg),
		})
	}
	return s.send(message.TypeNativeModuleResult, message.NativeModuleResult{ID: req.ID, Result: result.Map()})
}

func callNative(ctx context.Context, m modules.Module, args modules.Args) (res modules.Result, panicMsg string) {
	defer func() {
		if r := recover(); r != nil {
			panicMsg = fmt.Sprintf("%v\n%s", r, debug.Stack())
		}
	}()
	return m.Run(ctx, args), ""
}

func (s *server) send(t message.Type, body any) error {
	payload, err := message.Marshal(t, body)
	if err != nil {
		return err
	}
	return s.write(payload)
}

func (s *server) sendRaw(t message.Type, body []byte) error {
	if len(body) == 0 {
		return s.send(t, nil)
	}
	payload := make([]byte, 0, len(t)+len(body)+5)
	payload = fmt.Appendf(payload, "[%q,", string(t))
	payload = append(payload, body...)
	payload = append(payload, ']')
	return s.write(payload)
}

func (s *server) write(payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := message.WriteFrame(s.w, payload); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
