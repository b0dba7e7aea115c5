package emulator

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/keychainctl/internal/protocol/command"
	"github.com/danmuck/keychainctl/internal/protocol/frame"
	"github.com/danmuck/keychainctl/internal/testutil/testlog"
)

// rawLink runs dev on one end of a pipe and returns the other end.
func rawLink(t *testing.T, dev *Device) net.Conn {
	t.Helper()
	host, devSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dev.Serve(ctx, devSide)
	}()
	t.Cleanup(func() {
		cancel()
		_ = host.Close()
		_ = devSide.Close()
		<-done
	})
	return host
}

// readLines collects segments from conn until want lines are complete.
func readLines(t *testing.T, conn net.Conn, want int) [][]byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	acc := frame.NewAccumulator()
	var lines [][]byte
	buf := make([]byte, 256)
	for len(lines) < want {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v (have %d lines)", err, len(lines))
		}
		lines = append(lines, acc.Feed(buf[:n])...)
	}
	return lines
}

func TestServeWritesNoiseThenResponse(t *testing.T) {
	testlog.Start(t)
	dev, err := New(Config{ChunkSize: 3, Noise: []string{"heap 81234"}})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	host := rawLink(t, dev)

	if _, err := host.Write([]byte("{\"type\":8,\"data\":{}}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := readLines(t, host, 2)
	if string(lines[0]) != "heap 81234\r\n" {
		t.Fatalf("expected noise line first, got %q", lines[0])
	}
	if !bytes.HasSuffix(lines[1], []byte("\r\n")) {
		t.Fatalf("response should end with CRLF, got %q", lines[1])
	}
	resp, err := command.Decode(lines[1])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	f, ok := resp.Data.(command.Failure)
	if !ok || f.Error != MsgUnexpectedSender {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestServeIgnoresGarbageAndAnswersAccount(t *testing.T) {
	testlog.Start(t)
	dev, err := New(Config{})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	host := rawLink(t, dev)

	if _, err := host.Write([]byte("not json\n{\"type\":3,\"data\":{\"index\":9}}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := readLines(t, host, 1)
	resp, err := command.Decode(lines[0])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if f, ok := resp.Data.(command.Failure); !ok || f.Error != MsgInvalidIndex {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSelectionPromptWaitsForDecision(t *testing.T) {
	testlog.Start(t)
	dev, err := New(Config{})
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if _, err := dev.GenerateAccount(2); err != nil {
		t.Fatalf("generate: %v", err)
	}
	host := rawLink(t, dev)

	if _, err := host.Write([]byte("{\"type\":3,\"data\":{\"index\":-1}}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dev.WaitStatus(ctx, StatusSelectingAccount); err != nil {
		t.Fatalf("wait for selection: %v", err)
	}

	// The decision writes to the pipe, which blocks until the host reads.
	errc := make(chan error, 1)
	go func() { errc <- dev.ResolveSelection(2) }()
	lines := readLines(t, host, 1)
	if err := <-errc; err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resp, err := command.Decode(lines[0])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	acct, ok := resp.Data.(command.Account)
	if !ok || acct.Index != 2 || !acct.Initialized() {
		t.Fatalf("unexpected response %v", resp)
	}
	if len(acct.ContractClassID) != 0 {
		t.Fatalf("account response should not carry the contract class id")
	}
	if dev.Status() != StatusIdle {
		t.Fatalf("status after decision = %d", dev.Status())
	}
	if err := dev.ResolveSelection(2); err != ErrNoPrompt {
		t.Fatalf("second decision err=%v", err)
	}
}
