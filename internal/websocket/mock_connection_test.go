package websocket

import (
	"errors"
	"sync"
	"time"
)

type writtenFrame struct {
	Type int
	Data []byte
}

// fakeConn is an in-memory Connection. ReadMessage blocks until a frame is
// queued or the connection is closed.
type fakeConn struct {
	mu      sync.Mutex
	written []writtenFrame
	closed  bool

	reads     chan []byte
	closeOnce sync.Once
	done      chan struct{}
	failWrite bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 8), done: make(chan struct{})}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failWrite {
		return errors.New("connection closed")
	}
	f.written = append(f.written, writtenFrame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.reads:
		return 1, msg, nil
	case <-f.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadLimit(int64) {}
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) RemoteAddr() string { return "127.0.0.1:5555" }

func (f *fakeConn) frames() []writtenFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writtenFrame(nil), f.written...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
