// Package testutil provides testing utilities for docmesh tests.
package testutil

import (
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/docmesh/internal/protocol"
)

// DefaultWait bounds WaitFor and ReadMessage.
const DefaultWait = 3 * time.Second

// WaitFor polls cond until it returns true, failing the test after
// DefaultWait.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(DefaultWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// RequireEnv returns the value of key or skips the test when it is unset.
// Tests against real brokers use it so they only run when one is provided.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()

	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set, skipping test", key)
	}
	return v
}

// SkipIfNoGolangciLint skips the test if golangci-lint is not installed.
func SkipIfNoGolangciLint(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("golangci-lint"); err != nil {
		t.Skip("golangci-lint not found in PATH, skipping test")
	}
}

// DialDocument opens a websocket to the document endpoint of srv. The
// connection is closed when the test completes.
func DialDocument(t *testing.T, srv *httptest.Server, document string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + document
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReadMessage reads frames from conn until match accepts one, failing the
// test after DefaultWait.
func ReadMessage(t *testing.T, conn *websocket.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(DefaultWait))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed before a matching message arrived: %v", err)
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("server sent an unparseable frame: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

// IsSync matches sync messages of the given sub-type.
func IsSync(st protocol.SyncType) func(protocol.Message) bool {
	return func(m protocol.Message) bool {
		if m.Type != protocol.TypeSync {
			return false
		}
		got, _, err := protocol.ParseSync(m.Body)
		return err == nil && got == st
	}
}

// SendFrame writes a binary frame to conn.
func SendFrame(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()

	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}
