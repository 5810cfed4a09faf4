// Package wsconn wraps gobwas/ws connections with a serialised writer so that
// data frames from a writer goroutine and control replies from the reader never
// interleave on the wire.
package wsconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one side of a WebSocket.
type Conn struct {
	raw   net.Conn
	src   io.Reader
	state ws.State

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// DialOptions tune Dial.
type DialOptions struct {
	Header       http.Header
	WriteTimeout time.Duration
}

// Dial opens a client connection. ctx bounds the TCP and HTTP handshake only.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	d := ws.Dialer{}
	if len(opts.Header) > 0 {
		d.Header = ws.HandshakeHeaderHTTP(opts.Header)
	}
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}
	c := &Conn{raw: conn, src: conn, state: ws.StateClientSide, writeTimeout: opts.WriteTimeout}
	// Frames sent right after the handshake may already sit in br.
	if br != nil && br.Buffered() > 0 {
		c.src = io.MultiReader(br, conn)
	}
	return c, nil
}

// Upgrade accepts a server connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}
	return &Conn{raw: conn, src: conn, state: ws.StateServerSide}, nil
}

// SetWriteTimeout bounds each frame write.
func (c *Conn) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

// Read returns the next text or binary message, answering pings and close
// frames along the way. A peer close surfaces as wsutil.ClosedError.
func (c *Conn) Read() ([]byte, ws.OpCode, error) {
	rd := &wsutil.Reader{
		Source:          c.src,
		State:           c.state,
		CheckUTF8:       true,
		SkipHeaderCheck: false,
		OnIntermediate:  c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, 0, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				return nil, 0, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, 0, err
			}
			continue
		}
		data, err := io.ReadAll(rd)
		return data, hdr.OpCode, err
	}
}

func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	h := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &reply,
		State:               c.state,
		DisableSrcCiphering: true,
	}
	herr := h.Handle(hdr)
	if reply.Len() > 0 {
		if err := c.writeRaw(reply.Bytes()); err != nil && herr == nil {
			herr = err
		}
	}
	return herr
}

// WriteText sends one text frame.
func (c *Conn) WriteText(p []byte) error { return c.write(ws.OpText, p) }

// WriteBinary sends one binary frame.
func (c *Conn) WriteBinary(p []byte) error { return c.write(ws.OpBinary, p) }

// WritePair sends a text frame immediately followed by a binary frame with no
// other frame in between.
func (c *Conn) WritePair(text, binary []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.armDeadline()
	if err := wsutil.WriteMessage(c.raw, c.state, ws.OpText, text); err != nil {
		return err
	}
	return wsutil.WriteMessage(c.raw, c.state, ws.OpBinary, binary)
}

// CloseWith sends a close frame with code and reason, then closes the socket.
func (c *Conn) CloseWith(code uint16, reason string) error {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	err := c.write(ws.OpClose, body)
	if cerr := c.raw.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the socket without a close frame.
func (c *Conn) Close() error { return c.raw.Close() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) write(op ws.OpCode, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.armDeadline()
	return wsutil.WriteMessage(c.raw, c.state, op, p)
}

func (c *Conn) writeRaw(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.armDeadline()
	_, err := c.raw.Write(p)
	return err
}

func (c *Conn) armDeadline() {
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// CloseCode extracts the peer's close code and reason from a Read error.
func CloseCode(err error) (uint16, string, bool) {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return uint16(closed.Code), closed.Reason, true
	}
	return 0, "", false
}
