// WebBridge - WebSocket to RCP bridge
// Each browser client gets its own session and a dedicated engine socket
// connected to the backend server, so browsers get reliable/best-effort
// messaging without speaking raw UDP.
package main

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/LemmyAI/rcp/internal/protocol"
	"github.com/LemmyAI/rcp/internal/rcp"
	"github.com/LemmyAI/rcp/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var (
	listenAddr  = getEnv("BRIDGE_ADDR", ":8090")
	backendAddr = getEnv("BACKEND_ADDR", "127.0.0.1:9000")
)

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Envelope is the JSON frame exchanged with browsers.
type Envelope struct {
	Reliable bool   `json:"reliable"`
	Data     string `json:"data"` // base64 payload
}

// BrowserClient couples a WebSocket connection with its engine socket.
type BrowserClient struct {
	ws        *websocket.Conn
	sock      *rcp.Socket
	sessionID string
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *BrowserClient) close() {
	c.closeOnce.Do(func() {
		c.sock.Cancel()
		c.sock.Disconnect()
		c.sock.Unbind()
		c.ws.Close()
	})
}

type Bridge struct {
	clients  map[string]*BrowserClient // sessionID -> client
	mu       sync.RWMutex
	sessions *session.Registry
}

func NewBridge() *Bridge {
	config := session.DefaultConfig()
	config.TTL = 2 * time.Minute

	b := &Bridge{
		clients:  make(map[string]*BrowserClient),
		sessions: session.NewRegistry(config),
	}

	// Reap clients whose browser went silent.
	b.sessions.OnExpired(func(s *session.Session) {
		log.Printf("🗑️  Session %s expired, closing client", s.ID)
		b.mu.Lock()
		client := b.clients[s.ID]
		delete(b.clients, s.ID)
		b.mu.Unlock()
		if client != nil {
			client.close()
		}
	})

	return b
}

// handleWS upgrades a browser connection and bridges it to the backend.
func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ upgrade: %v", err)
		return
	}

	host, portStr, err := net.SplitHostPort(backendAddr)
	if err != nil {
		log.Printf("❌ backend addr: %v", err)
		ws.Close()
		return
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)

	sock := rcp.NewSocket(rcp.DefaultConfig())
	if err := sock.Bind(rcp.AnyPort); err != nil {
		log.Printf("❌ bind: %v", err)
		ws.Close()
		return
	}
	if err := sock.Connect(host, uint16(port)); err != nil {
		log.Printf("❌ connect backend: %v", err)
		sock.Unbind()
		ws.Close()
		return
	}

	sess := b.sessions.Create(r.RemoteAddr)
	client := &BrowserClient{
		ws:        ws,
		sock:      sock,
		sessionID: sess.ID,
	}

	b.mu.Lock()
	b.clients[sess.ID] = client
	b.mu.Unlock()

	clientID := uuid.NewString()
	log.Printf("✅ Browser %s bridged as %s (session %s)", r.RemoteAddr, clientID, sess.ID)

	go b.pumpBackend(client)
	b.pumpBrowser(client)

	b.mu.Lock()
	delete(b.clients, sess.ID)
	b.mu.Unlock()
	b.sessions.Delete(sess.ID)
	client.close()
	log.Printf("❎ Browser %s gone", clientID)
}

// pumpBrowser forwards WebSocket frames to the backend.
func (b *Bridge) pumpBrowser(c *BrowserClient) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		b.sessions.Touch(c.sessionID)

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("⚠️  bad envelope from browser: %v", err)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			log.Printf("⚠️  bad payload from browser: %v", err)
			continue
		}
		if err := c.sock.Send(data, env.Reliable); err != nil {
			log.Printf("❌ backend send: %v", err)
			return
		}
	}
}

// pumpBackend forwards backend messages to the WebSocket.
func (b *Bridge) pumpBackend(c *BrowserClient) {
	var pkt protocol.Packet
	for {
		err := c.sock.Receive(&pkt)
		if err != nil {
			if err == rcp.ErrTimeout {
				continue
			}
			c.close()
			return
		}

		env := Envelope{
			Reliable: pkt.Reliable,
			Data:     base64.StdEncoding.EncodeToString(pkt.Data),
		}
		out, _ := json.Marshal(env)

		c.writeMu.Lock()
		err = c.ws.WriteMessage(websocket.TextMessage, out)
		c.writeMu.Unlock()
		if err != nil {
			c.close()
			return
		}
	}
}

func main() {
	log.Println("🌉 WebBridge starting...")

	bridge := NewBridge()
	defer bridge.sessions.Close()

	http.HandleFunc("/ws", bridge.handleWS)
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": bridge.sessions.Count(),
		})
	})

	log.Printf("🎧 Listening on %s (backend %s)", listenAddr, backendAddr)
	if err := http.ListenAndServe(listenAddr, nil); err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
}
