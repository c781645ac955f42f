// Package message implements the framed byte protocol spoken between the
// engine and the gate runtime. A frame is eight lowercase hex digits giving
// the payload length followed by the payload, a JSON array [type, body].
package message

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Type names a message kind.
type Type string

const (
	TypeHello        Type = "Hello"
	TypeModule       Type = "Module"
	TypeNativeModule Type = "NativeModule"
	TypeShutdown     Type = "Shutdown"

	TypeModuleResult       Type = "ModuleResult"
	TypeNativeModuleResult Type = "NativeModuleResult"
	TypeModuleNotFound     Type = "ModuleNotFound"
	TypeGateSystemError    Type = "GateSystemError"
	TypeError              Type = "Error"
	TypeGoodbye            Type = "Goodbye"
)

const (
	headerLen = 8
	// MaxPayload is the largest payload an eight digit hex header can carry.
	MaxPayload = 1<<32 - 1
)

// ProtocolError reports a frame or message that does not follow the wire format.
type ProtocolError struct {
	Reason string
	Data   []byte
}

func (e *ProtocolError) Error() string {
	if len(e.Data) == 0 {
		return "protocol error: " + e.Reason
	}
	data := e.Data
	if len(data) > 64 {
		data = data[:64]
	}
	return fmt.Sprintf("protocol error: %s: %q", e.Reason, data)
}

// Message is a decoded payload. Body stays raw until the receiver knows
// which struct to decode it into.
type Message struct {
	Type Type
	Body json.RawMessage
}

// Decode unmarshals the body into v. An absent body leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Body) == 0 || string(m.Body) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("bad %s body: %v", m.Type, err), Data: m.Body}
	}
	return nil
}

// Marshal encodes a message payload (without the frame header).
func Marshal(t Type, body any) ([]byte, error) {
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal([]any{t, body})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	return payload, nil
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(payload []byte) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil {
		return Message{}, &ProtocolError{Reason: "payload is not a JSON array", Data: payload}
	}
	if len(parts) != 2 {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("expected [type, body], got %d elements", len(parts)), Data: payload}
	}
	var t string
	if err := json.Unmarshal(parts[0], &t); err != nil {
		return Message{}, &ProtocolError{Reason: "message type is not a string", Data: payload}
	}
	return Message{Type: Type(t), Body: parts[1]}, nil
}

// WriteFrame writes the length header and payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > MaxPayload {
		return fmt.Errorf("payload of %d bytes is too big for one frame", len(payload))
	}
	buf := make([]byte, 0, headerLen+len(payload))
	buf = fmt.Appendf(buf, "%08x", len(payload))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. It returns io.EOF only when the stream ends
// cleanly between frames. Empty frames are skipped.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerLen)
	for {
		n, err := io.ReadFull(r, header)
		if err != nil {
			if errors.Is(err, io.EOF) && n == 0 {
				return nil, io.EOF
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &ProtocolError{Reason: "truncated frame header", Data: header[:n]}
			}
			return nil, err
		}
		size, err := strconv.ParseUint(strings.TrimSpace(string(header)), 16, 32)
		if err != nil {
			return nil, &ProtocolError{Reason: "invalid frame header", Data: header}
		}
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &ProtocolError{Reason: fmt.Sprintf("truncated frame, want %d bytes", size)}
			}
			return nil, err
		}
		return payload, nil
	}
}

// Write marshals and frames a message in one call.
func Write(w io.Writer, t Type, body any) error {
	payload, err := Marshal(t, body)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// Read reads and decodes one message.
func Read(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Unmarshal(payload)
}

// NewReader wraps r in a buffered reader sized for typical frames.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}
