// Package testhelpers provides common utilities and helper functions for
// testing the DriftChat server.
//
// This package contains reusable test utilities that are shared across unit
// and integration tests. It provides functions for creating test servers,
// dialing WebSocket connections, exchanging chat frames, and asserting
// response properties to reduce code duplication in test files.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlabs/driftchat/internal/server"
)

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// WebSocketURL converts a test server's base URL into the ws:// URL of the
// chat endpoint, optionally identifying a participant.
func WebSocketURL(baseURL, participant string) string {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	if participant != "" {
		wsURL += "?participant=" + participant
	}
	return wsURL
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// ConnectWebSocket creates a WebSocket connection to the specified URL with
// the given Origin header. It returns the connection or an error.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendText sends a chat frame containing the given text over the
// connection, the way a client would: only the text field is supplied.
func SendText(conn *websocket.Conn, text string) error {
	return conn.WriteJSON(map[string]string{"text": text})
}

// ReceiveFrame reads one chat frame from the connection within the timeout.
func ReceiveFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) server.Message {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}

	var frame server.Message
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

// AssertFrame checks the participant and text of a received frame and that
// the server stamped a non-zero timestamp.
func AssertFrame(t *testing.T, frame server.Message, participant, text string) {
	t.Helper()

	if frame.ParticipantID != participant {
		t.Errorf("Expected participantId %q, got %q", participant, frame.ParticipantID)
	}
	if frame.Text != text {
		t.Errorf("Expected text %q, got %q", text, frame.Text)
	}
	if frame.Timestamp == 0 {
		t.Error("Expected a server-assigned timestamp, got 0")
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
