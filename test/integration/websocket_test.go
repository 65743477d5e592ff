// Package integration contains integration tests for the DriftChat server.
//
// These tests verify that multiple components work together correctly by
// testing the complete system behavior with real HTTP servers, real
// WebSocket connections, and end-to-end broadcast delivery. The external
// bus is faked so the suite runs without live infrastructure.
package integration

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftlabs/driftchat/internal/server"
	"github.com/driftlabs/driftchat/test/testhelpers"
)

// failingPublisher simulates an unreachable external bus.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, server.Message) error {
	return errors.New("bus unreachable")
}

func configureServerForTest(t *testing.T, baseURL string, customize func(cfg *server.Config)) {
	t.Helper()
	cfg := server.NewConfig()
	cfg.AllowedOrigins = append([]string{baseURL}, cfg.AllowedOrigins...)
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)
	t.Cleanup(func() {
		server.SetConfig(nil)
	})
}

// startChatServer brings up a hub and HTTP server wired together, with the
// test server's own URL added to the allowed origins.
func startChatServer(t *testing.T, publisher server.Publisher) *httptest.Server {
	t.Helper()

	hub := server.NewHub(publisher)
	go hub.Run()

	mux := server.SetupRoutes(hub, nil)
	testServer := httptest.NewServer(mux)
	configureServerForTest(t, testServer.URL, nil)

	t.Cleanup(func() {
		testServer.Close()
		_ = hub.Shutdown(2 * time.Second)
	})

	return testServer
}

// TestEchoRoundTrip verifies the basic send/receive path: a participant
// sends a text frame and receives it back with a server-stamped identity
// and a non-zero timestamp.
func TestEchoRoundTrip(t *testing.T) {
	testServer := startChatServer(t, nil)

	conn, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "alice"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := testhelpers.SendText(conn, "Hello World"); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	frame := testhelpers.ReceiveFrame(t, conn, 2*time.Second)
	testhelpers.AssertFrame(t, frame, "alice", "Hello World")
}

// TestDefaultParticipant verifies that a connection without a participant
// query parameter is assigned the anonymous identifier, and that the
// identifier appears on every message from that session.
func TestDefaultParticipant(t *testing.T) {
	testServer := startChatServer(t, nil)

	conn, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, ""), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	for _, text := range []string{"first", "second"} {
		if err := testhelpers.SendText(conn, text); err != nil {
			t.Fatalf("Failed to send message: %v", err)
		}
		frame := testhelpers.ReceiveFrame(t, conn, 2*time.Second)
		testhelpers.AssertFrame(t, frame, "anonymous", text)
	}
}

// TestSpoofedIdentityOverwritten verifies that client-supplied
// participantId and timestamp fields are discarded and replaced
// server-side before broadcast.
func TestSpoofedIdentityOverwritten(t *testing.T) {
	testServer := startChatServer(t, nil)

	conn, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "mallory"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	spoofed := map[string]interface{}{
		"participantId": "admin",
		"text":          "impersonation attempt",
		"timestamp":     1,
	}
	if err := conn.WriteJSON(spoofed); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	frame := testhelpers.ReceiveFrame(t, conn, 2*time.Second)
	if frame.ParticipantID != "mallory" {
		t.Errorf("Spoofed participantId survived: got %q", frame.ParticipantID)
	}
	if frame.Timestamp == 1 {
		t.Error("Spoofed timestamp survived")
	}
}

// TestBroadcastReachesBothClients verifies that a message from one client
// is delivered to every connected client, including the sender.
func TestBroadcastReachesBothClients(t *testing.T) {
	testServer := startChatServer(t, nil)

	user1, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "user1"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect user1: %v", err)
	}
	defer func() { _ = user1.Close() }()

	user2, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "user2"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect user2: %v", err)
	}
	defer func() { _ = user2.Close() }()

	// Give both registrations time to reach the hub before broadcasting.
	time.Sleep(100 * time.Millisecond)

	if err := testhelpers.SendText(user1, "hello everyone"); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	frame1 := testhelpers.ReceiveFrame(t, user1, 2*time.Second)
	testhelpers.AssertFrame(t, frame1, "user1", "hello everyone")

	frame2 := testhelpers.ReceiveFrame(t, user2, 2*time.Second)
	testhelpers.AssertFrame(t, frame2, "user1", "hello everyone")
}

// TestDisconnectDoesNotAffectOthers verifies that one client dropping its
// connection never prevents delivery between the remaining clients.
func TestDisconnectDoesNotAffectOthers(t *testing.T) {
	testServer := startChatServer(t, nil)

	leaver, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "leaver"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect leaver: %v", err)
	}

	stayer, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "stayer"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect stayer: %v", err)
	}
	defer func() { _ = stayer.Close() }()

	time.Sleep(100 * time.Millisecond)

	if err := testhelpers.CloseWebSocket(leaver); err != nil {
		t.Fatalf("Failed to close leaver: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := testhelpers.SendText(stayer, "still broadcasting"); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	frame := testhelpers.ReceiveFrame(t, stayer, 2*time.Second)
	testhelpers.AssertFrame(t, frame, "stayer", "still broadcasting")
}

// TestLocalBroadcastWithFailingBus verifies degraded operation: when the
// external bus rejects every publish, local clients still connect and
// broadcast between each other.
func TestLocalBroadcastWithFailingBus(t *testing.T) {
	testServer := startChatServer(t, failingPublisher{})

	user1, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "user1"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect user1: %v", err)
	}
	defer func() { _ = user1.Close() }()

	user2, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "user2"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect user2: %v", err)
	}
	defer func() { _ = user2.Close() }()

	time.Sleep(100 * time.Millisecond)

	if err := testhelpers.SendText(user1, "works without the bus"); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	frame1 := testhelpers.ReceiveFrame(t, user1, 2*time.Second)
	testhelpers.AssertFrame(t, frame1, "user1", "works without the bus")

	frame2 := testhelpers.ReceiveFrame(t, user2, 2*time.Second)
	testhelpers.AssertFrame(t, frame2, "user1", "works without the bus")
}

// TestPerClientDeliveryOrder verifies that one client observes messages in
// the order the hub routed them.
func TestPerClientDeliveryOrder(t *testing.T) {
	testServer := startChatServer(t, nil)

	conn, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "alice"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	texts := []string{"one", "two", "three"}
	for _, text := range texts {
		if err := testhelpers.SendText(conn, text); err != nil {
			t.Fatalf("Failed to send %q: %v", text, err)
		}
	}

	for i, expected := range texts {
		frame := testhelpers.ReceiveFrame(t, conn, 2*time.Second)
		if frame.Text != expected {
			t.Errorf("Frame %d: expected %q, got %q", i, expected, frame.Text)
		}
	}
}

// TestDisallowedOriginRejected verifies that upgrades from origins outside
// the allow-list are refused.
func TestDisallowedOriginRejected(t *testing.T) {
	testServer := startChatServer(t, nil)

	_, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "alice"), "http://evil.example.com")
	if err == nil {
		t.Fatal("Expected connection from disallowed origin to be rejected")
	}
}
