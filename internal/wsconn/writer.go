package wsconn

import (
	"log/slog"
	"sync"
)

type item struct {
	text   []byte
	binary []byte
	pair   bool

	close  bool
	code   uint16
	reason string
}

// Writer is the single writer of a Conn. Frames are queued without bound and
// written in order by one goroutine, so producers never block on the socket.
type Writer struct {
	conn *Conn

	mu     sync.Mutex
	items  []item
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewWriter starts the writer goroutine for conn.
func NewWriter(conn *Conn) *Writer {
	w := &Writer{
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Text queues a text frame. It reports false once the writer has stopped.
func (w *Writer) Text(p []byte) bool {
	return w.push(item{text: p})
}

// Pair queues a text frame and the binary frame it announces as one unit.
func (w *Writer) Pair(text, binary []byte) bool {
	return w.push(item{text: text, binary: binary, pair: true})
}

// CloseWith queues a close frame after everything already queued and stops
// accepting frames.
func (w *Writer) CloseWith(code uint16, reason string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.items = append(w.items, item{close: true, code: code, reason: reason})
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

// Stop discards queued frames and closes the socket.
func (w *Writer) Stop() {
	w.mu.Lock()
	w.items = nil
	w.closed = true
	w.mu.Unlock()
	w.conn.Close()
	w.signal()
}

// Done is closed when the writer goroutine exits.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Pending returns the number of queued frames.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

func (w *Writer) push(it item) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.items = append(w.items, it)
	w.mu.Unlock()
	w.signal()
	return true
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if len(w.items) == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.wake
			continue
		}
		it := w.items[0]
		w.items[0] = item{}
		w.items = w.items[1:]
		w.mu.Unlock()

		var err error
		switch {
		case it.close:
			err = w.conn.CloseWith(it.code, it.reason)
			w.mu.Lock()
			w.items = nil
			w.mu.Unlock()
			return
		case it.pair:
			err = w.conn.WritePair(it.text, it.binary)
		default:
			err = w.conn.WriteText(it.text)
		}
		if err != nil {
			slog.Debug("wsconn write failed", "remote", w.conn.RemoteAddr(), "error", err)
			w.mu.Lock()
			w.items = nil
			w.closed = true
			w.mu.Unlock()
			w.conn.Close()
			return
		}
	}
}
