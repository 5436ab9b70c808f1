package varioreceiver

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketServer fans readings out to every connected client.
type WebSocketServer struct {
	addr       string
	clients    map[*websocket.Conn]bool
	broadcast  chan interface{}
	upgrader   websocket.Upgrader
	clientsMux sync.Mutex

	// onConnect, when set, returns messages to send to a freshly connected
	// client before it receives broadcasts.
	onConnect func() []interface{}
}

func NewWebSocketServer(addr string) *WebSocketServer {
	return &WebSocketServer{
		addr:      addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan interface{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // same-host UI, no origin policy
			},
		},
	}
}

func (s *WebSocketServer) Start() {
	// Serve static files
	http.Handle("/", http.FileServer(http.Dir("static")))

	// Handle WebSocket connections
	http.HandleFunc("/ws", s.handleConnections)

	go s.handleBroadcasts()

	go func() {
		log.Printf("Starting web server on %s", s.addr)
		if err := http.ListenAndServe(s.addr, nil); err != nil {
			log.Fatal("HTTP server error:", err)
		}
	}()
}

func (s *WebSocketServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer ws.Close()

	if s.onConnect != nil {
		for _, msg := range s.onConnect() {
			if err := s.writeTo(ws, msg); err != nil {
				return
			}
		}
	}

	s.clientsMux.Lock()
	s.clients[ws] = true
	s.clientsMux.Unlock()

	log.Println("New WebSocket client connected")
	defer func() {
		s.clientsMux.Lock()
		delete(s.clients, ws)
		s.clientsMux.Unlock()
		log.Println("WebSocket client disconnected")
	}()

	for {
		// Keep the connection alive by reading messages (if needed)
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *WebSocketServer) writeTo(ws *websocket.Conn, msg interface{}) error {
	message, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling message: %v", err)
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, message)
}

func (s *WebSocketServer) handleBroadcasts() {
	for msg := range s.broadcast {
		s.clientsMux.Lock()
		message, err := json.Marshal(msg)
		if err != nil {
			log.Printf("Error marshaling message: %v", err)
			s.clientsMux.Unlock()
			continue
		}
		for client := range s.clients {
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket error: %v", err)
				client.Close()
				delete(s.clients, client)
			}
		}
		s.clientsMux.Unlock()
	}
}

func (s *WebSocketServer) Broadcast(msg interface{}) {
	s.broadcast <- msg
}
