//go:build linux

package reactor

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tiras-j/smokesignal/internal/wire"
)

type recordingHandler struct {
	mu           sync.Mutex
	messages     []wire.Message
	disconnects  int
	onMessage    chan struct{}
	onDisconnect chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		onMessage:    make(chan struct{}, 16),
		onDisconnect: make(chan struct{}, 16),
	}
}

func (h *recordingHandler) HandleMessage(conn *Conn, msg wire.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	h.onMessage <- struct{}{}
}

func (h *recordingHandler) HandleDisconnect(conn *Conn) {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
	h.onDisconnect <- struct{}{}
}

func (h *recordingHandler) snapshot() []wire.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]wire.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func startTestReactor(t *testing.T, handler Handler) (addr string, stop func()) {
	t.Helper()
	r := New(0, handler)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	var port int
	select {
	case port = <-r.Ready():
	case err := <-errCh:
		t.Fatalf("reactor exited before becoming ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("reactor never became ready")
	}

	stop = func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("reactor did not shut down")
		}
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), stop
}

func TestAcceptAndDecodeJoinMessage(t *testing.T) {
	handler := newRecordingHandler()
	addr, stop := startTestReactor(t, handler)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	body, err := wire.EncodeJoinOrLeave(wire.JoinGroup, "g1", "1.2.3.4:80")
	if err != nil {
		t.Fatalf("EncodeJoinOrLeave: %v", err)
	}
	if _, err := conn.Write(wire.EncodeFrame(body)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-handler.onMessage:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never received a message")
	}

	msgs := handler.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if msgs[0].Type != wire.JoinGroup || msgs[0].Group != "g1" || msgs[0].Peer != "1.2.3.4:80" {
		t.Fatalf("message: got %+v", msgs[0])
	}
}

func TestDisconnectNotifiesHandler(t *testing.T) {
	handler := newRecordingHandler()
	addr, stop := startTestReactor(t, handler)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	body, _ := wire.EncodeGroupOnly(wire.Subscribe, "g1")
	if _, err := conn.Write(wire.EncodeFrame(body)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case <-handler.onMessage:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never received the subscribe message")
	}

	conn.Close()

	select {
	case <-handler.onDisconnect:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler was never notified of disconnect")
	}
}

func TestFragmentedFrameAcrossMultipleWrites(t *testing.T) {
	handler := newRecordingHandler()
	addr, stop := startTestReactor(t, handler)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	body, _ := wire.EncodeJoinOrLeave(wire.JoinGroup, "g1", "5.6.7.8:90")
	frame := wire.EncodeFrame(body)

	for _, b := range frame {
		if _, err := conn.Write([]byte{b}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-handler.onMessage:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never received the fragmented message")
	}

	msgs := handler.snapshot()
	if len(msgs) != 1 || msgs[0].Peer != "5.6.7.8:90" {
		t.Fatalf("messages: got %+v", msgs)
	}
}
