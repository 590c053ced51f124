package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 64
	eventQueueSize = 256
)

type EventKind int

const (
	EventJoin EventKind = iota
	EventLeave
	EventAnswer
	EventCandidate
)

func (k EventKind) String() string {
	switch k {
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventAnswer:
		return "answer"
	case EventCandidate:
		return "candidate"
	}
	return "unknown"
}

// Event is peer activity for the connection manager.
type Event struct {
	Kind      EventKind
	PeerID    string
	SDP       string
	Candidate protocol.Candidate
}

// Server accepts one WebSocket per peer. Connecting is a join, disconnecting a leave.
type Server struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	events   chan Event

	mu    sync.RWMutex
	conns map[string]*peerConn
}

type peerConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *peerConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// peers are headsets and native clients, not browsers on foreign origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("signaling"),
		events: make(chan Event, eventQueueSize),
		conns:  make(map[string]*peerConn),
	}
}

func (s *Server) Events() <-chan Event { return s.events }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}

	c := &peerConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	welcome, err := encode(MethodWelcome, Welcome{PeerID: c.id})
	if err != nil {
		s.logger.Error("failed to encode welcome", zap.Error(err))
		_ = ws.Close()
		return
	}
	c.send <- welcome

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	logger := s.logger.With(zap.String("peer", c.id))
	logger.Info("peer connected", zap.String("remote", r.RemoteAddr))

	go s.writePump(c, logger)
	s.events <- Event{Kind: EventJoin, PeerID: c.id}

	s.readPump(c, logger)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.close()

	s.events <- Event{Kind: EventLeave, PeerID: c.id}
	logger.Info("peer disconnected")
}

func (s *Server) readPump(c *peerConn, logger *zap.Logger) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		msg, err := decode(data)
		if err != nil {
			logger.Warn("dropping signaling message", zap.Error(err))
			continue
		}
		switch msg.Method {
		case MethodAnswer:
			s.events <- Event{Kind: EventAnswer, PeerID: c.id, SDP: msg.SDP}
		case MethodCandidate:
			s.events <- Event{Kind: EventCandidate, PeerID: c.id, Candidate: msg.Candidate}
		default:
			logger.Warn("unexpected method from peer", zap.String("method", msg.Method))
		}
	}
}

// writePump is the only writer on c.ws.
func (s *Server) writePump(c *peerConn, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Warn("websocket write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) SendOffer(peerID, sdp string) error {
	return s.sendTo(peerID, MethodOffer, SessionDescription{SDP: sdp})
}

func (s *Server) SendCandidate(peerID string, c protocol.Candidate) error {
	return s.sendTo(peerID, MethodCandidate, c)
}

func (s *Server) sendTo(peerID, method string, params any) error {
	s.mu.RLock()
	c, ok := s.conns[peerID]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}

	msg, err := encode(method, params)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrUnknownPeer
	default:
		return ErrSendQueueFull
	}
}

// Len returns the number of open sockets.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close drops every socket. Each one still produces its leave event.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*peerConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
}
