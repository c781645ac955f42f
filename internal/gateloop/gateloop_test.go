package gateloop

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/eniac111/plumbgate/internal/message"
	"github.com/eniac111/plumbgate/internal/packager"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/stretchr/testify/require"
)

type harness struct {
	in   *io.PipeWriter
	out  *bufio.Reader
	done chan error
}

func startGate(t *testing.T) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{in: inW, out: message.NewReader(outR), done: make(chan error, 1)}
	go func() {
		err := Serve(context.Background(), inR, outW, Options{Dir: t.TempDir()})
		_ = outW.Close()
		h.done <- err
	}()
	t.Cleanup(func() {
		_ = inW.Close()
		go func() { _, _ = io.Copy(io.Discard, outR) }()
	})
	return h
}

func (h *harness) sendPayload(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, message.WriteFrame(h.in, payload))
}

func (h *harness) send(t *testing.T, typ message.Type, body any) {
	t.Helper()
	require.NoError(t, message.Write(h.in, typ, body))
}

func (h *harness) recv(t *testing.T) message.Message {
	t.Helper()
	msg, err := message.Read(h.out)
	require.NoError(t, err)
	return msg
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("gate loop did not exit")
		return nil
	}
}

func (h *harness) invoke(t *testing.T, id uint64, src string, args map[string]any, withSource bool) message.Message {
	t.Helper()
	payload, err := packager.Pack(id, types.ModuleInvocation{
		Module: types.ModuleRef{Name: "probe", Source: []byte(src)},
		Args:   args,
	}, "", withSource)
	require.NoError(t, err)
	h.sendPayload(t, payload)
	return h.recv(t)
}

func moduleResult(t *testing.T, msg message.Message) message.ModuleResult {
	t.Helper()
	require.Equal(t, message.TypeModuleResult, msg.Type, string(msg.Body))
	var res message.ModuleResult
	require.NoError(t, msg.Decode(&res))
	return res
}

func TestHelloEcho(t *testing.T) {
	h := startGate(t)
	h.send(t, message.TypeHello, map[string]any{"engine": "plumbgate"})

	msg := h.recv(t)
	require.Equal(t, message.TypeHello, msg.Type)
	require.JSONEq(t, `{"engine":"plumbgate"}`, string(msg.Body))

	h.send(t, message.TypeShutdown, nil)
	require.Equal(t, message.TypeGoodbye, h.recv(t).Type)
	require.NoError(t, h.wait(t))
}

func TestModuleStyles(t *testing.T) {
	tests := []struct {
		name string
		src  string
		args map[string]any
		want string
	}{
		{
			name: "want json reads an args file",
			src:  "#!/bin/sh\n# WANT_JSON\ncat \"$1\"\n",
			args: map[string]any{"cmd": "uptime"},
			want: `{"cmd":"uptime"}`,
		},
		{
			name: "new style reads stdin",
			src:  "#!/bin/sh\n# AnsibleModule(\ncat\n",
			args: map[string]any{"name": "nginx"},
			want: `{"ANSIBLE_MODULE_ARGS":{"name":"nginx"}}`,
		},
		{
			name: "old style reads sorted key value pairs",
			src:  "#!/bin/sh\ncat \"$1\"\n",
			args: map[string]any{"state": "present", "count": 2},
			want: "count=2 state=present",
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startGate(t)
			res := moduleResult(t, h.invoke(t, uint64(i+1), tt.src, tt.args, true))
			require.Equal(t, uint64(i+1), res.ID)
			require.Equal(t, 0, res.RC)
			require.Equal(t, tt.want, res.Stdout)
		})
	}
}

func TestModuleExitCode(t *testing.T) {
	h := startGate(t)
	src := "#!/bin/sh\n# WANT_JSON\necho '{\"failed\": true}'\necho oops >&2\nexit 3\n"
	res := moduleResult(t, h.invoke(t, 1, src, nil, true))
	require.Equal(t, 3, res.RC)
	require.Equal(t, "{\"failed\": true}\n", res.Stdout)
	require.Equal(t, "oops\n", res.Stderr)
}

func TestModuleCachedByHash(t *testing.T) {
	h := startGate(t)
	src := "#!/bin/sh\n# WANT_JSON\necho '{\"changed\": false}'\n"

	// unknown hash without source
	msg := h.invoke(t, 1, src, nil, false)
	require.Equal(t, message.TypeModuleNotFound, msg.Type)
	var nf message.ErrorBody
	require.NoError(t, msg.Decode(&nf))
	require.Equal(t, uint64(1), nf.ID)

	res := moduleResult(t, h.invoke(t, 2, src, nil, true))
	require.Equal(t, uint64(2), res.ID)

	// the gate kept the source from the previous request
	res = moduleResult(t, h.invoke(t, 3, src, nil, false))
	require.Equal(t, uint64(3), res.ID)
	require.Equal(t, "{\"changed\": false}\n", res.Stdout)
}

func TestNativeModule(t *testing.T) {
	h := startGate(t)
	h.send(t, message.TypeNativeModule, message.NativeModuleRequest{
		ID:         4,
		ModuleName: "shell",
		ModuleArgs: map[string]any{"cmd": "echo hi"},
	})
	msg := h.recv(t)
	require.Equal(t, message.TypeNativeModuleResult, msg.Type)
	var res message.NativeModuleResult
	require.NoError(t, msg.Decode(&res))
	require.Equal(t, uint64(4), res.ID)
	require.Equal(t, "hi", res.Result["stdout"])
	require.Equal(t, float64(0), res.Result["rc"])

	h.send(t, message.TypeNativeModule, message.NativeModuleRequest{ID: 5, ModuleName: "nope"})
	require.Equal(t, message.TypeModuleNotFound, h.recv(t).Type)
}

func TestUnknownTypeKeepsServing(t *testing.T) {
	h := startGate(t)
	h.send(t, message.Type("Bogus"), nil)
	msg := h.recv(t)
	require.Equal(t, message.TypeError, msg.Type)

	h.send(t, message.TypeHello, nil)
	require.Equal(t, message.TypeHello, h.recv(t).Type)
}

func TestEndOfInputSaysGoodbye(t *testing.T) {
	h := startGate(t)
	require.NoError(t, h.in.Close())
	require.Equal(t, message.TypeGoodbye, h.recv(t).Type)
	require.NoError(t, h.wait(t))
}

func TestMalformedFrameEndsLoop(t *testing.T) {
	h := startGate(t)
	_, err := h.in.Write([]byte("zzzzzzzz"))
	require.NoError(t, err)
	require.Equal(t, message.TypeError, h.recv(t).Type)
	require.Error(t, h.wait(t))
}

func TestHangupKillsRunningModule(t *testing.T) {
	h := startGate(t)
	payload, err := packager.Pack(1, types.ModuleInvocation{
		Module: types.ModuleRef{Name: "hang", Source: []byte("#!/bin/sh\n# WANT_JSON\nexec sleep 30\n")},
	}, "", true)
	require.NoError(t, err)
	h.sendPayload(t, payload)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, h.in.Close())

	go func() {
		for {
			if _, err := message.Read(h.out); err != nil {
				return
			}
		}
	}()
	start := time.Now()
	require.NoError(t, h.wait(t))
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestOldStyleArgs(t *testing.T) {
	got := oldStyleArgs(map[string]any{"b": "2", "a": true})
	require.Equal(t, "a=true b=2", got)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"n": 1}`), &decoded))
	require.Equal(t, "n=1", oldStyleArgs(decoded))
}
