package signaling

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/ayame-go/internal/config"
	"github.com/1ureka/ayame-go/internal/util"
)

// Reasons sent in reject messages by Server.
const (
	RejectFull    = "FULL"
	RejectInvalid = "INVALID-MESSAGE"
	RejectDup     = "DUPLICATED-CLIENT-ID"
)

const registerWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a minimal rendezvous server for two-party rooms. It registers
// clients, answers with accept (isExistUser set when a peer is already
// waiting), relays offer/answer/candidate to the other member and sends bye
// to the remaining member when one leaves. A third client gets reject "FULL".
type Server struct {
	// ICEServers and AuthzMetadata are returned in every accept message.
	ICEServers    []config.ICEServer
	AuthzMetadata json.RawMessage
	// PingInterval enables server pings; zero disables them.
	PingInterval time.Duration

	mu       sync.Mutex
	rooms    map[string][]*member
	listener net.Listener
}

type member struct {
	id       string
	clientID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (m *member) send(v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteJSON(v)
}

func (m *member) relay(raw []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteMessage(websocket.TextMessage, raw)
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{rooms: make(map[string][]*member)}
}

// Start listens on addr (":0" picks a free port) and serves /signaling.
// It returns the ws:// URL clients should dial.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start signaling server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.Handle("/signaling", s)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return fmt.Sprintf("ws://127.0.0.1:%d/signaling", port), nil
}

// Close shuts down the listener and drops every member.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string][]*member)
	s.mu.Unlock()

	for _, members := range rooms {
		for _, m := range members {
			m.conn.Close()
		}
	}
}

// Rooms returns the number of rooms with at least one member.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m := &member{id: util.NewSessionTag(), conn: conn}

	conn.SetReadDeadline(time.Now().Add(registerWait))
	var reg Message
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != TypeRegister || reg.RoomID == "" || reg.ClientID == "" {
		util.LogDebug("[%s] invalid register message", m.id)
		m.send(Message{Type: TypeReject, Reason: RejectInvalid})
		return
	}
	conn.SetReadDeadline(time.Time{})
	m.clientID = reg.ClientID

	exist, reason := s.join(reg.RoomID, m)
	if reason != "" {
		util.LogDebug("[%s] reject %s in room %q: %s", m.id, m.clientID, reg.RoomID, reason)
		m.send(Message{Type: TypeReject, Reason: reason})
		return
	}
	defer s.leave(reg.RoomID, m)

	util.LogInfo("[%s] %s joined room %q (existing peer: %t)", m.id, m.clientID, reg.RoomID, exist)
	if err := m.send(Message{
		Type:          TypeAccept,
		AuthzMetadata: s.AuthzMetadata,
		IceServers:    s.ICEServers,
		IsExistUser:   &exist,
	}); err != nil {
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	if s.PingInterval > 0 {
		go s.ping(m, stop)
	}

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			util.LogDebug("[%s] read: %v", m.id, err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := Decode(raw)
		if err != nil {
			util.LogDebug("[%s] %v", m.id, err)
			continue
		}

		switch msg.Type {
		case TypeOffer, TypeAnswer, TypeCandidate:
			peer := s.peerOf(reg.RoomID, m)
			if peer == nil {
				util.LogDebug("[%s] no peer for %s, dropped", m.id, msg.Type)
				continue
			}
			if err := peer.relay(raw); err != nil {
				util.LogDebug("[%s] relay %s: %v", m.id, msg.Type, err)
			}
		case TypePong:
		default:
			util.LogDebug("[%s] ignored %s", m.id, msg.Type)
		}
	}
}

// join adds m to the room. exist reports whether a peer was already there;
// a non-empty reason means m was refused.
func (s *Server) join(roomID string, m *member) (exist bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[roomID]
	if len(members) >= 2 {
		return false, RejectFull
	}
	for _, other := range members {
		if other.clientID == m.clientID {
			return false, RejectDup
		}
	}
	s.rooms[roomID] = append(members, m)
	return len(members) == 1, ""
}

// leave removes m and tells the remaining member with bye.
func (s *Server) leave(roomID string, m *member) {
	s.mu.Lock()
	var rest []*member
	for _, other := range s.rooms[roomID] {
		if other != m {
			rest = append(rest, other)
		}
	}
	if len(rest) == 0 {
		delete(s.rooms, roomID)
	} else {
		s.rooms[roomID] = rest
	}
	s.mu.Unlock()

	util.LogInfo("[%s] %s left room %q", m.id, m.clientID, roomID)
	for _, other := range rest {
		other.send(Message{Type: TypeBye})
	}
}

func (s *Server) peerOf(roomID string, m *member) *member {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.rooms[roomID] {
		if other != m {
			return other
		}
	}
	return nil
}

func (s *Server) ping(m *member, stop <-chan struct{}) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.send(Message{Type: TypePing}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
