package rtmp

import (
	"context"
	"errors"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nareix/joy5/format/rtmp"

	utils "kitch-ingest/pkg/utils"
)

// Server accepts RTMP publish and play connections and hands them to the
// gateway and relay.
type Server struct {
	config  Config
	gateway *Gateway
	relay   *Relay
	rtmp    *rtmp.Server

	mu          sync.RWMutex
	listener    net.Listener
	connections map[string]*ConnectionHandler
	closing     bool
	wg          sync.WaitGroup
	startTime   time.Time
}

func NewServer(config Config, gateway *Gateway, relay *Relay) *Server {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	s := &Server{
		config:      config,
		gateway:     gateway,
		relay:       relay,
		connections: make(map[string]*ConnectionHandler),
	}
	s.rtmp = rtmp.NewServer()
	s.rtmp.HandleConn = s.handleConn
	return s
}

// Start listens on the configured port and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections from listener until Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.startTime = time.Now()
	s.mu.Unlock()

	utils.GetLogger().Infof("RTMP server listening on %s", listener.Addr())

	for {
		nc, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			utils.GetLogger().Errorf("Error accepting connection: %v", err)
			return err
		}

		_ = nc.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rtmp.HandleNetConn(nc)
			nc.Close()
		}()
	}
}

func (s *Server) handleConn(c *rtmp.Conn, nc net.Conn) {
	defer nc.Close()
	_ = nc.SetDeadline(time.Time{})

	key, recorder := parseStreamURL(c.URL, s.config.RecorderToken)
	kind := ConnViewer
	switch {
	case c.Publishing:
		kind = ConnPublisher
	case recorder:
		kind = ConnRecorder
	}

	h := NewConnectionHandler(c, nc, s, kind, key)
	if !s.track(h) {
		return
	}
	defer s.untrack(h)

	if err := h.Serve(); err != nil {
		h.logger().Warnf("Connection ended: %v", err)
	}
}

// parseStreamURL extracts the session key from the last path element and
// reports whether the connection carries the recorder token.
func parseStreamURL(u *url.URL, token string) (string, bool) {
	if u == nil {
		return "", false
	}
	key := path.Base(u.Path)
	query := u.Query()
	if i := strings.IndexByte(key, '?'); i >= 0 {
		if q, err := url.ParseQuery(key[i+1:]); err == nil {
			query = q
		}
		key = key[:i]
	}
	if key == "." || key == "/" {
		key = ""
	}
	return key, token != "" && query.Get("recorder") == token
}

func (s *Server) track(h *ConnectionHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.connections[h.info.ID] = h
	return true
}

func (s *Server) untrack(h *ConnectionHandler) {
	s.mu.Lock()
	delete(s.connections, h.info.ID)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	listener := s.listener
	handlers := make([]*ConnectionHandler, 0, len(s.connections))
	for _, h := range s.connections {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, h := range handlers {
		h.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// GetConnections returns a snapshot of open connections.
func (s *Server) GetConnections() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, 0, len(s.connections))
	for _, h := range s.connections {
		out = append(out, h.Stats())
	}
	return out
}

func (s *Server) GetStats() map[string]interface{} {
	conns := s.GetConnections()
	byType := map[string]int{}
	for _, c := range conns {
		byType[c.Type]++
	}
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()
	stats := map[string]interface{}{
		"connections": len(conns),
		"publishers":  byType[ConnPublisher],
		"viewers":     byType[ConnViewer],
		"recorders":   byType[ConnRecorder],
	}
	if !started.IsZero() {
		stats["uptime"] = time.Since(started).Round(time.Second).String()
	}
	return stats
}

// GetConfig returns the server configuration without the recorder token.
func (s *Server) GetConfig() Config {
	c := s.config
	c.RecorderToken = ""
	return c
}
