package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/tab_relay/internal/hub"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/recording"
)

func startHub(t *testing.T) string {
	t.Helper()
	store, err := recording.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	h, err := hub.New(hub.Options{Store: store})
	if err != nil {
		t.Fatalf("hub.New() error = %v", err)
	}
	srv := httptest.NewServer(hub.NewHandler(h))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestStatusCommand(t *testing.T) {
	url := startHub(t)
	var out bytes.Buffer
	if err := run([]string{"--hub", url, "status"}, &out); err != nil {
		t.Fatalf("run(status) error = %v", err)
	}
	var st protocol.Status
	if err := json.Unmarshal(out.Bytes(), &st); err != nil || st.Connected {
		t.Fatalf("status output = %s", out.String())
	}
}

func TestCallCommand(t *testing.T) {
	url := startHub(t)
	var out bytes.Buffer
	if err := run([]string{"--hub", url, "call", "Browser.getVersion"}, &out); err != nil {
		t.Fatalf("run(call) error = %v", err)
	}
	if !strings.Contains(out.String(), `"protocolVersion"`) {
		t.Fatalf("call output = %s", out.String())
	}
}

func TestCallWithoutAgentFails(t *testing.T) {
	url := startHub(t)
	err := run([]string{"--hub", url, "--session", "pw-tab-1", "call", "Runtime.evaluate", `{"expression":"1"}`}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("run(call) without an agent succeeded")
	}
}

func TestUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"bogus"},
		{"call"},
		{"call", "Runtime.evaluate", "{not json"},
		{"record-start"},
	} {
		if err := run(args, &bytes.Buffer{}); err == nil {
			t.Fatalf("run(%q) succeeded; want error", args)
		}
	}
}
