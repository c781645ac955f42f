package message

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFrameHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, TypeHello, nil))
	require.Equal(t, `0000000c["Hello",{}]`, buf.String())
}

func TestReadSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, TypeModule, ModuleRequest{ID: 1, ModuleName: "ping", ModuleArgs: map[string]any{"cmd": "uptime"}}))
	// empty frames between messages are ignored
	buf.WriteString("00000000")
	require.NoError(t, Write(&buf, TypeShutdown, nil))

	msg, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeModule, msg.Type)
	var req ModuleRequest
	require.NoError(t, msg.Decode(&req))
	require.Equal(t, uint64(1), req.ID)
	require.Equal(t, "uptime", req.ModuleArgs["cmd"])

	msg, err = Read(&buf)
	require.NoError(t, err)
	require.Equal(t, TypeShutdown, msg.Type)

	_, err = Read(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "bad header", input: "zzzzzzzz{}"},
		{name: "short header", input: "0000"},
		{name: "truncated payload", input: "00000010[\"Hello\""},
		{name: "not an array", input: "00000002{}"},
		{name: "wrong arity", input: "00000009[\"Hello\"]"},
		{name: "type not string", input: "00000006[1,{}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.input))
			require.Error(t, err)
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "got %T: %v", err, err)
		})
	}
}

func TestDecodeBadBody(t *testing.T) {
	msg, err := Unmarshal([]byte(`["ModuleResult", "oops"]`))
	require.NoError(t, err)
	var res ModuleResult
	err = msg.Decode(&res)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}
