package emulator

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/keychainctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Device, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dev, err := New(Config{StatusInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	srv := httptest.NewServer(NewServer(dev, []string{"http://localhost:5173"}).Handler())
	t.Cleanup(srv.Close)
	return dev, srv
}

func TestGenerateAndReadAccount(t *testing.T) {
	testlog.Start(t)
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/accounts", "application/json", strings.NewReader(`{"index":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate status=%d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/accounts?index=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var acct struct {
		Index int   `json:"index"`
		PK    []int `json:"pk"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acct.Index != 1 || len(acct.PK) != 64 {
		t.Fatalf("unexpected account %+v", acct)
	}
	allFF := true
	for _, b := range acct.PK {
		allFF = allFF && b == 0xFF
	}
	if allFF {
		t.Fatalf("generated account still uninitialized")
	}
}

func TestAccountsRejectsBadSlot(t *testing.T) {
	testlog.Start(t)
	_, srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/accounts", "application/json", strings.NewReader(`{"index":9}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSignatureDecisionWithoutPrompt(t *testing.T) {
	testlog.Start(t)
	_, srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/signature", "application/json", bytes.NewReader([]byte(`{"approve":false}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestStatusStream(t *testing.T) {
	testlog.Start(t)
	dev, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "0" {
		t.Fatalf("unexpected initial status %q", msg)
	}

	dev.SetSender("0x2a")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) == "4" {
			return
		}
	}
}
