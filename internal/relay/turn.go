// Package relay runs an optional embedded TURN server so peers behind symmetric NATs can
// still reach the stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type Config struct {
	Port     int
	Realm    string
	PublicIP string
	// Users is a list of user=password pairs, e.g. "alice=secret,bob=hunter2".
	Users   string
	Threads int
	MinPort uint16
	MaxPort uint16
}

func DefaultConfig() Config {
	return Config{
		Port:     3478,
		Realm:    "xrstream",
		PublicIP: "127.0.0.1",
		Threads:  1,
		MinPort:  49152,
		MaxPort:  65535,
	}
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid TURN port %d", c.Port)
	}
	if net.ParseIP(c.PublicIP) == nil {
		return fmt.Errorf("invalid TURN public IP %q", c.PublicIP)
	}
	if c.Realm == "" {
		return errors.New("TURN realm cannot be empty")
	}
	if len(parseCredentials(c.Users)) == 0 {
		return errors.New("TURN needs at least one user=password pair")
	}
	if c.Threads <= 0 {
		return fmt.Errorf("invalid TURN thread count %d", c.Threads)
	}
	if c.MinPort == 0 || c.MaxPort < c.MinPort {
		return fmt.Errorf("invalid relay port range %d-%d", c.MinPort, c.MaxPort)
	}
	return nil
}

var userPattern = regexp.MustCompile(`(\w+)=(\w+)`)

type credential struct{ user, password string }

func parseCredentials(s string) []credential {
	var out []credential
	for _, kv := range userPattern.FindAllStringSubmatch(s, -1) {
		out = append(out, credential{user: kv[1], password: kv[2]})
	}
	return out
}

// AuthKeys derives the long-term credential keys for every user in users.
func AuthKeys(users, realm string) map[string][]byte {
	keys := make(map[string][]byte)
	for _, c := range parseCredentials(users) {
		keys[c.user] = turn.GenerateAuthKey(c.user, realm, c.password)
	}
	return keys
}

// ICEServers describes the relay for peer connection configuration, using the first
// configured user.
func (c Config) ICEServers() []webrtc.ICEServer {
	creds := parseCredentials(c.Users)
	if len(creds) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       []string{"turn:" + net.JoinHostPort(c.PublicIP, strconv.Itoa(c.Port)) + "?transport=udp"},
		Username:   creds[0].user,
		Credential: creds[0].password,
	}}
}

type Stats struct {
	ActiveAllocations int           `json:"active_allocations"`
	Uptime            time.Duration `json:"uptime"`
	State             string        `json:"state"`
	Listeners         []string      `json:"listeners"`
}

type Server struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	server    *turn.Server
	listeners []string
	startTime time.Time
}

func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger.Named("turn")}
}

// Start binds cfg.Threads UDP sockets sharing one port. The kernel spreads packets across
// them by 5-tuple.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("TURN server is already running")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.Port))
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	relayAddressGenerator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(s.cfg.PublicIP),
		Address:      "0.0.0.0",
		MinPort:      s.cfg.MinPort,
		MaxPort:      s.cfg.MaxPort,
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		return fmt.Errorf("invalid relay address generator: %w", err)
	}

	var (
		packetConnConfigs []turn.PacketConnConfig
		listeners         []string
	)
	closeAll := func() {
		for _, pc := range packetConnConfigs {
			_ = pc.PacketConn.Close()
		}
	}
	for i := 0; i < s.cfg.Threads; i++ {
		// after the first socket the port is fixed, even when cfg.Port is 0
		if i == 1 {
			addr = listeners[0]
		}
		conn, err := listenerConfig.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			closeAll()
			return fmt.Errorf("failed to allocate UDP listener at %s: %w", addr, err)
		}
		packetConnConfigs = append(packetConnConfigs, turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayAddressGenerator,
		})
		listeners = append(listeners, conn.LocalAddr().String())
	}

	keys := AuthKeys(s.cfg.Users, s.cfg.Realm)
	server, err := turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				s.logger.Debug("unknown TURN user", zap.String("user", username), zap.Stringer("from", srcAddr))
			}
			return key, ok
		},
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		closeAll()
		return fmt.Errorf("failed to create TURN server: %w", err)
	}

	s.server = server
	s.listeners = listeners
	s.startTime = time.Now()

	users := make([]string, 0, len(keys))
	for u := range keys {
		users = append(users, u)
	}
	sort.Strings(users)
	s.logger.Info("TURN server started",
		zap.Strings("listeners", listeners),
		zap.String("public_ip", s.cfg.PublicIP),
		zap.Strings("users", users))
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	s.listeners = nil
	if err != nil {
		return fmt.Errorf("failed to close TURN server: %w", err)
	}
	s.logger.Info("TURN server stopped")
	return nil
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.server == nil {
		return Stats{State: "stopped"}
	}
	st := Stats{
		ActiveAllocations: s.server.AllocationCount(),
		Uptime:            time.Since(s.startTime),
		State:             "idle",
		Listeners:         append([]string(nil), s.listeners...),
	}
	if st.ActiveAllocations > 0 {
		st.State = "active"
	}
	return st
}
