package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/eniac111/plumbgate/internal/message"
)

type frame struct {
	payload []byte
	err     error
}

// Stream carries framed payloads over a reader/writer pair. Frames are read
// by a background goroutine so Receive can honour its context.
type Stream struct {
	target string
	w      io.Writer
	r      *bufio.Reader
	stderr *tailBuffer

	wmu     sync.Mutex
	frames  chan frame
	closed  chan struct{}
	once    sync.Once
	closeFn func() error
	err     error
}

// newStream starts reading frames from r. closeFn releases the underlying
// pipes or process and is called exactly once.
func newStream(target string, r io.Reader, w io.Writer, stderr *tailBuffer, closeFn func() error) *Stream {
	s := &Stream{
		target:  target,
		w:       w,
		r:       message.NewReader(r),
		stderr:  stderr,
		frames:  make(chan frame),
		closed:  make(chan struct{}),
		closeFn: closeFn,
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.frames)
	for {
		payload, err := message.ReadFrame(s.r)
		select {
		case s.frames <- frame{payload: payload, err: err}:
		case <-s.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// Send writes one frame.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return &Error{Target: s.target, Op: "send", Err: ErrClosed}
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := message.WriteFrame(s.w, payload); err != nil {
		return &Error{Target: s.target, Op: "send", Err: s.withStderr(err)}
	}
	return nil
}

// Receive returns the next frame, or ctx.Err() when ctx is done first.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return nil, &Error{Target: s.target, Op: "receive", Err: ErrClosed}
		}
		if f.err != nil {
			if errors.Is(f.err, io.EOF) || errors.Is(f.err, io.ErrClosedPipe) {
				f.err = fmt.Errorf("%w: %v", ErrClosed, f.err)
			}
			return nil, &Error{Target: s.target, Op: "receive", Err: s.withStderr(f.err)}
		}
		return f.payload, nil
	}
}

// Close releases the stream. Repeated calls return the first result.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if s.closeFn != nil {
			s.err = s.closeFn()
		}
	})
	return s.err
}

func (s *Stream) withStderr(err error) error {
	if s.stderr == nil {
		return err
	}
	if tail := strings.TrimSpace(s.stderr.String()); tail != "" {
		return fmt.Errorf("%w (gate stderr: %s)", err, tail)
	}
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
