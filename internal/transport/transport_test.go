package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eniac111/plumbgate/internal/message"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/stretchr/testify/require"
)

type fakeGates struct{ path string }

func (f fakeGates) Binary(context.Context, string, string) (string, error) { return f.path, nil }

func openLocal(t *testing.T) Channel {
	t.Helper()
	ch, err := (&Local{ID: "local"}).Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestLocalHello(t *testing.T) {
	ch := openLocal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := message.Marshal(message.TypeHello, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, payload))

	resp, err := ch.Receive(ctx)
	require.NoError(t, err)
	msg, err := message.Unmarshal(resp)
	require.NoError(t, err)
	require.Equal(t, message.TypeHello, msg.Type)
}

func TestLocalReceiveHonoursContext(t *testing.T) {
	ch := openLocal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ch.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalCloseIsIdempotent(t *testing.T) {
	ch, err := (&Local{ID: "local"}).Open(context.Background())
	require.NoError(t, err)
	tmp := ch.TempDir()
	require.DirExists(t, tmp)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.NoDirExists(t, tmp)

	payload, _ := message.Marshal(message.TypeHello, nil)
	err = ch.Send(context.Background(), payload)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.ErrorIs(t, err, ErrClosed)

	_, err = ch.Receive(context.Background())
	require.ErrorAs(t, err, &terr)
}

func TestLocalCopyToAndExec(t *testing.T) {
	ch := openLocal(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(src, []byte("staged"), 0o640))
	require.NoError(t, ch.CopyTo(ctx, src, "files/payload.txt"))

	staged := filepath.Join(ch.TempDir(), "files", "payload.txt")
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.Equal(t, "staged", string(data))

	stdout, _, err := ch.Exec(ctx, "cat files/payload.txt")
	require.NoError(t, err)
	require.Equal(t, "staged", stdout)

	_, _, err = ch.Exec(ctx, "exit 4")
	require.Error(t, err)

	require.NoError(t, ch.WriteFile(ctx, []byte("generated"), "files/gen.txt", 0o600))
	stdout, _, err = ch.Exec(ctx, "cat files/gen.txt")
	require.NoError(t, err)
	require.Equal(t, "generated", stdout)
	info, err := os.Stat(filepath.Join(ch.TempDir(), "files", "gen.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLocalMissingGateExecutable(t *testing.T) {
	_, err := (&Local{ID: "local", GatePath: filepath.Join(t.TempDir(), "absent")}).Open(context.Background())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "local", cerr.Target)
}

func TestSSHUnreachable(t *testing.T) {
	target := types.Target{ID: "web1", Host: "127.0.0.1", Port: 1, Password: "secret"}
	tr := ForTarget(target, Options{Gates: fakeGates{path: "/bin/true"}, ConnectTimeout: time.Second})
	require.IsType(t, &SSH{}, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tr.Open(ctx)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "web1", cerr.Target)
}

func TestSSHWithoutGates(t *testing.T) {
	_, err := (&SSH{Target: types.Target{ID: "web1"}}).Open(context.Background())
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
}

func TestForTarget(t *testing.T) {
	tr := ForTarget(types.Target{ID: "me", Mode: types.ModeLocal, Interpreter: "python3.11"}, Options{Interpreter: "python3"})
	local, ok := tr.(*Local)
	require.True(t, ok)
	require.Equal(t, "python3.11", local.Interpreter)

	tr = ForTarget(types.Target{ID: "me", Mode: types.ModeLocal}, Options{GatePath: "/opt/gate", Interpreter: "python3"})
	local = tr.(*Local)
	require.Equal(t, "/opt/gate", local.GatePath)
	require.Equal(t, "python3", local.Interpreter)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(5)
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defgh"))
	require.Equal(t, "defgh", tb.String())
}

func TestRemoveTempDir(t *testing.T) {
	var ran []string
	run := func(_ context.Context, cmd string) error {
		ran = append(ran, cmd)
		return nil
	}

	require.NoError(t, removeTempDir(context.Background(), run, "/tmp/plumbgate.Ab12Cd34"))
	require.Equal(t, []string{"rm -rf '/tmp/plumbgate.Ab12Cd34'"}, ran)

	for _, dir := range []string{"", "/", "/tmp", "/tmp/plumbgate.", "/tmp/plumbgate.x/../../etc", "/home/user"} {
		require.Error(t, removeTempDir(context.Background(), run, dir), dir)
	}
	require.Len(t, ran, 1)

	failing := func(context.Context, string) error { return errors.New("session closed") }
	require.ErrorContains(t, removeTempDir(context.Background(), failing, "/tmp/plumbgate.Ab12Cd34"), "session closed")
}
