// Package server defines the wire frame model exchanged with chat clients
// and mirrored across service instances.
package server

import (
	"encoding/json"
	"strings"
	"time"
)

// defaultParticipant is assigned when a connection does not identify itself.
const defaultParticipant = "anonymous"

// Message is the chat frame exchanged with clients and mirrored over the bus.
// ParticipantID and Timestamp are always assigned server-side on receipt;
// client-supplied values for either field are discarded.
type Message struct {
	ParticipantID string `json:"participantId"`
	Text          string `json:"text"`
	Timestamp     int64  `json:"timestamp"`
}

// Origin tags where a routed message entered this process. The tag is
// internal routing state and is never written to a client frame.
type Origin int

const (
	// OriginLocal marks messages read from a session connected to this instance.
	OriginLocal Origin = iota
	// OriginRemote marks messages received from the external bus. Remote
	// messages are distributed locally but never published again.
	OriginRemote
)

// RoutedMessage pairs a message with its provenance so the hub can decide
// whether to mirror it to the bus without relying on call-site discipline.
type RoutedMessage struct {
	Message Message
	Origin  Origin
}

// DecodeFrame parses a raw client frame into a Message, stamping the
// server-resolved participant identifier and receipt time over whatever the
// client supplied. A frame that is not valid JSON is a decode error and is
// terminal for the session that sent it. Empty text is accepted.
func DecodeFrame(raw []byte, participant string, received time.Time) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	msg.ParticipantID = participant
	msg.Timestamp = received.UnixMilli()
	return msg, nil
}

// EncodeFrame serializes a Message for transmission to a session.
func EncodeFrame(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
