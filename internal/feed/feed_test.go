package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"

	"threadbridge/internal/bridge"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(0, log.New(os.Stderr, "[test] ", 0))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	time.Sleep(100 * time.Millisecond)
	return s
}

func dialFeed(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.Addr()), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return msg
}

func TestServerHealthEndpoint(t *testing.T) {
	s := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.Addr()))
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Health body = %v", body)
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	s := startTestServer(t)

	if s.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d before any connection", s.ClientCount())
	}

	conn := dialFeed(t, s)
	time.Sleep(100 * time.Millisecond)
	if s.ClientCount() != 1 {
		t.Errorf("ClientCount = %d after connect, want 1", s.ClientCount())
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.After(2 * time.Second)
	for s.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("ClientCount never dropped after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPublishSyncResultReachesClient(t *testing.T) {
	s := startTestServer(t)
	conn := dialFeed(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	time.Sleep(100 * time.Millisecond)

	s.PublishSyncResult(&bridge.SyncResult{ThreadsCreated: 2, Warnings: 1})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Message type = %s", msg.Type)
	}
	var result bridge.SyncResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		t.Fatalf("Unmarshal data failed: %v", err)
	}
	if result.ThreadsCreated != 2 || result.Warnings != 1 {
		t.Errorf("Result = %+v", result)
	}
}

func TestPublishGuardActionReachesClient(t *testing.T) {
	s := startTestServer(t)
	conn := dialFeed(t, s)
	defer conn.Close(websocket.StatusNormalClosure, "")
	time.Sleep(100 * time.Millisecond)

	s.PublishGuardAction("thread-9", "rejected")

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeGuardAction {
		t.Fatalf("Message type = %s", msg.Type)
	}
	var data GuardActionData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Unmarshal data failed: %v", err)
	}
	if data.ThreadID != "thread-9" || data.Action != "rejected" {
		t.Errorf("Guard action = %+v", data)
	}
}

func TestPublishWithoutClientsDoesNotBlock(t *testing.T) {
	s := startTestServer(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			s.PublishTagMapReloaded(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with no clients connected")
	}
}

func TestStopClosesClients(t *testing.T) {
	s := NewServer(0, log.New(os.Stderr, "[test] ", 0))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := dialFeed(t, s)
	time.Sleep(100 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("Connection should be closed after Stop")
	}
}
