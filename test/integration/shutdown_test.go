package integration

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftlabs/driftchat/internal/server"
	"github.com/driftlabs/driftchat/test/testhelpers"
)

// TestHubShutdownClosesClients verifies that shutting down the hub closes
// every connected client and terminates the pump goroutines within the
// timeout.
func TestHubShutdownClosesClients(t *testing.T) {
	hub := server.NewHub(nil)
	go hub.Run()

	mux := server.SetupRoutes(hub, nil)
	testServer := httptest.NewServer(mux)
	defer testServer.Close()
	configureServerForTest(t, testServer.URL, nil)

	conn, err := testhelpers.ConnectWebSocket(
		testhelpers.WebSocketURL(testServer.URL, "alice"), testServer.URL)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Confirm the session is live before shutting down.
	if err := testhelpers.SendText(conn, "before shutdown"); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
	testhelpers.ReceiveFrame(t, conn, 2*time.Second)

	if err := hub.Shutdown(3 * time.Second); err != nil {
		t.Errorf("Hub shutdown returned error: %v", err)
	}

	// The server side closed the connection; the next read must fail.
	if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected read to fail after hub shutdown")
	}
}

// TestHubShutdownIdle verifies that an idle hub shuts down promptly.
func TestHubShutdownIdle(t *testing.T) {
	hub := server.NewHub(nil)

	hubStopped := make(chan struct{})
	go func() {
		hub.Run()
		close(hubStopped)
	}()

	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := hub.Shutdown(2 * time.Second); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Idle shutdown took %v", elapsed)
	}

	select {
	case <-hubStopped:
	case <-time.After(time.Second):
		t.Error("Hub run loop did not stop after shutdown")
	}
}

// TestRoutingAfterShutdownDoesNotBlock verifies that submitting messages
// after shutdown returns instead of blocking forever.
func TestRoutingAfterShutdownDoesNotBlock(t *testing.T) {
	hub := server.NewHub(nil)
	go hub.Run()
	time.Sleep(50 * time.Millisecond)

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		hub.RouteLocal(server.Message{ParticipantID: "alice", Text: "too late"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("RouteLocal blocked after hub shutdown")
	}
}

// TestAttachAfterShutdownStartsNoPumps verifies that a session attached
// after shutdown has begun is rejected before its pump goroutines start, so
// a late registration can never outlive a completed shutdown.
func TestAttachAfterShutdownStartsNoPumps(t *testing.T) {
	hub := server.NewHub(nil)
	go hub.Run()
	time.Sleep(50 * time.Millisecond)

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	session := server.NewSession(nil, hub, "latecomer", "test-addr")

	done := make(chan struct{})
	go func() {
		hub.Attach(session)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Attach blocked after hub shutdown")
	}

	if state := session.State(); state != server.StateConnecting {
		t.Errorf("Expected rejected session to stay connecting, got %s", state)
	}
}

// TestHTTPServerGracefulShutdown verifies the HTTP server helper pair:
// start on an ephemeral listener, then shut down cleanly.
func TestHTTPServerGracefulShutdown(t *testing.T) {
	hub := server.NewHub(nil)
	go hub.Run()
	defer func() { _ = hub.Shutdown(time.Second) }()

	mux := server.SetupRoutes(hub, nil)
	testServer := httptest.NewUnstartedServer(mux)
	testServer.Config = server.CreateServer(":0", mux)
	testServer.Start()

	resp := testhelpers.MakeRequest(t, "GET", testServer.URL+"/")
	_ = resp.Body.Close()

	if err := server.ShutdownServer(testServer.Config, 2*time.Second); err != nil {
		t.Errorf("ShutdownServer returned error: %v", err)
	}
}
