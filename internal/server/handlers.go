// Package server exposes HTTP handlers, including WebSocket upgrades, the
// health probe, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// HealthPinger is the slice of the bus the health probe needs.
type HealthPinger interface {
	Ping(ctx context.Context) error
}

// WebSocketHandler returns the handler for session upgrade requests. It
// validates the method, resolves the participant identifier from the
// request (defaulting to "anonymous"), upgrades the connection, and
// attaches the new session to the hub, which launches its pumps.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		participant := r.URL.Query().Get("participant")
		if participant == "" {
			participant = defaultParticipant
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed for %q: %v", participant, err)
			return
		}

		session := NewSession(conn, hub, participant, r.RemoteAddr)
		hub.Attach(session)
	}
}

// HealthHandler returns the synchronous health probe consumed by the
// gateway. The service reports healthy once it is accepting connections
// and can reach the external bus; when the bus does not answer the service
// is still live but degraded to single-instance delivery.
func HealthHandler(bus HealthPinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if bus == nil {
			status = "degraded"
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := bus.Ping(ctx); err != nil {
				log.Printf("Health probe: bus unreachable: %v", err)
				status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{
			"service": "driftchat",
			"status":  status,
		}); err != nil {
			log.Printf("Error writing health response: %v", err)
		}
	}
}

// TestPageHandler serves an HTML test page for exercising the chat
// endpoint. It provides a simple web interface to connect as a named
// participant, send messages, and view the broadcast stream.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>DriftChat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] {
            padding: 5px;
            margin-right: 10px;
        }
        #messageInput { width: 300px; }
        #participantInput { width: 120px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>DriftChat Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="participantInput" placeholder="Participant">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px;">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const participantInput = document.getElementById('participantInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, type = 'info') {
            const messageElement = document.createElement('div');
            messageElement.style.margin = '5px 0';
            messageElement.style.padding = '3px';

            if (type === 'received') {
                messageElement.style.color = 'green';
                messageElement.textContent = text;
            } else {
                messageElement.style.color = 'gray';
                messageElement.style.fontStyle = 'italic';
                messageElement.textContent = text;
            }

            messagesDiv.appendChild(messageElement);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            if (connected) {
                statusDiv.textContent = 'Connected';
                statusDiv.className = 'status connected';
                messageInput.disabled = false;
                sendButton.disabled = false;
                connectButton.textContent = 'Disconnect';
            } else {
                statusDiv.textContent = 'Disconnected';
                statusDiv.className = 'status disconnected';
                messageInput.disabled = true;
                sendButton.disabled = true;
                connectButton.textContent = 'Connect';
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const participant = encodeURIComponent(participantInput.value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?participant=' + participant);

            ws.onopen = function() {
                addMessage('Connected to DriftChat');
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                try {
                    const frame = JSON.parse(event.data);
                    const when = new Date(frame.timestamp).toLocaleTimeString();
                    addMessage('[' + when + '] ' + frame.participantId + ': ' + frame.text, 'received');
                } catch (e) {
                    addMessage(event.data, 'received');
                }
            };

            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function(error) {
                addMessage('Connection error: ' + error);
                updateStatus(false);
            };
        }

        function disconnect() {
            if (ws) {
                ws.close();
            }
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                disconnect();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ text: text }));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}
