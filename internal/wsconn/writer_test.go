package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

func serve(t *testing.T, fn func(*Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, DialOptions{WriteTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWriterKeepsOrderAndPairs(t *testing.T) {
	accepted := make(chan bool, 1)
	url := serve(t, func(conn *Conn) {
		w := NewWriter(conn)
		w.Text([]byte(`{"n":1}`))
		w.Pair([]byte(`{"method":"recordingData"}`), []byte{0xff, 0xd8})
		w.Text([]byte(`{"n":2}`))
		w.CloseWith(4001, "replaced")
		accepted <- w.Text([]byte(`{"n":3}`))
		<-w.Done()
	})
	c := dialTest(t, url)

	want := []struct {
		op   ws.OpCode
		data string
	}{
		{ws.OpText, `{"n":1}`},
		{ws.OpText, `{"method":"recordingData"}`},
		{ws.OpBinary, "\xff\xd8"},
		{ws.OpText, `{"n":2}`},
	}
	for i, w := range want {
		data, op, err := c.Read()
		if err != nil {
			t.Fatalf("Read() #%d error = %v", i, err)
		}
		if op != w.op || string(data) != w.data {
			t.Fatalf("Read() #%d = %v %q; want %v %q", i, op, data, w.op, w.data)
		}
	}
	_, _, err := c.Read()
	code, reason, ok := CloseCode(err)
	if !ok || code != 4001 || reason != "replaced" {
		t.Fatalf("CloseCode(%v) = %d %q %v; want 4001 replaced", err, code, reason, ok)
	}
	if <-accepted {
		t.Fatal("Text() after CloseWith was accepted")
	}
}

func TestWriterStopDiscardsQueue(t *testing.T) {
	stopped := make(chan struct{})
	url := serve(t, func(conn *Conn) {
		w := NewWriter(conn)
		w.Stop()
		if w.Text([]byte("late")) {
			t.Error("Text() after Stop was accepted")
		}
		<-w.Done()
		close(stopped)
	})
	c := dialTest(t, url)
	if _, _, err := c.Read(); err == nil {
		t.Fatal("Read() after Stop succeeded")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit")
	}
}
