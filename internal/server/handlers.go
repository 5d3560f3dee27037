package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// tokenFromRequest returns the handshake credential. Browsers cannot set
// headers on a WebSocket handshake, so the query parameter is accepted too.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// WebSocketHandler authenticates the request, upgrades it and hands the
// socket to the hub. A request without a valid credential is answered
// with 401 and never upgraded.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.Authenticate(r.Context(), tokenFromRequest(r))
	if err != nil {
		s.logger.InfoContext(r.Context(), "handshake rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err))
		s.metrics.HandshakeRejected("unauthenticated")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.origins.isAllowed(r) {
		s.metrics.HandshakeRejected("origin")
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	rc, err := s.registry.Register(s.hub.Context(), chat.ConnectionID(uuid.NewString()), userID)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to register connection", slog.Any("error", err))
		_ = conn.Close()
		return
	}

	client := newClient(s, conn, rc, r.RemoteAddr)
	if !s.hub.serve(client) {
		s.registry.Unregister(rc.ID())
		client.closeConnection()
	}
}

// ChatHandler returns the chat named in the path, with its participants, to
// an authenticated participant.
func (s *Server) ChatHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r.Context(), tokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := s.chats.GetChat(r.Context(), userID, chat.ChatID(r.PathValue("chatId")))
	if err != nil {
		http.Error(w, chat.ErrorMessage(err), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c); err != nil {
		s.logger.WarnContext(r.Context(), "failed to write chat", slog.Any("error", err))
	}
}

func statusFor(err error) int {
	switch chat.KindOf(err) {
	case chat.KindValidation:
		return http.StatusBadRequest
	case chat.KindForbidden:
		return http.StatusForbidden
	case chat.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// HealthHandler reports whether the server is running and its backplane
// is reachable.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "chatrelay server is degraded")
		return
	}
	_, _ = fmt.Fprint(w, "chatrelay server is running!")
}

// TestPageHandler serves an HTML page for trying the protocol from a
// browser: connect with a token, join a chat and send messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Relay Test</title>
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
            width: 300px; 
            padding: 5px; 
            margin-right: 10px;
        }
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
    <h1>Chat Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Access token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="chatInput" placeholder="Chat id" disabled>
        <button id="joinButton" onclick="send({type: 'JoinChat', chatId: chatInput.value})" disabled>Join</button>
        <button id="leaveButton" onclick="send({type: 'LeaveChat', chatId: chatInput.value})" disabled>Leave</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const chatInput = document.getElementById('chatInput');
        const messageInput = document.getElementById('messageInput');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');
        const controls = ['chatInput', 'joinButton', 'leaveButton', 'messageInput', 'sendButton'];

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.padding = '3px';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            controls.forEach(id => document.getElementById(id).disabled = !connected);
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function describe(ev) {
            switch (ev.type) {
            case 'ReceiveMessage':
                return '[' + ev.chatId + '] ' + ev.message.senderId + ': ' + ev.message.content;
            case 'MessageEdited':
                return '[' + ev.chatId + '] ' + ev.message.senderId + ' edited: ' + ev.message.content;
            case 'MessageDeleted':
                return '[' + ev.chatId + '] message ' + ev.messageId + ' deleted';
            case 'UserJoined':
                return '[' + ev.chatId + '] ' + ev.userId + ' joined';
            case 'UserLeft':
                return '[' + ev.chatId + '] ' + ev.userId + ' left';
            case 'Error':
                return 'error (' + ev.code + '): ' + ev.error;
            }
            return JSON.stringify(ev);
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?access_token=' + encodeURIComponent(tokenInput.value));

            ws.onopen = function() {
                addMessage('Connected to chat relay');
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                event.data.split('\n').forEach(function(line) {
                    const ev = JSON.parse(line);
                    addMessage(describe(ev), ev.type === 'Error' ? 'red' : 'green');
                });
            };

            ws.onclose = function() {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addMessage('Connection error');
                updateStatus(false);
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(cmd) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(cmd));
            }
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            if (content) {
                send({type: 'SendMessage', chatId: chatInput.value, content: content});
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
