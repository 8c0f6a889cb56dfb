package rtmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nareix/joy5/av"
	"github.com/nareix/joy5/format/rtmp"
	"github.com/sirupsen/logrus"

	"kitch-ingest/internal/session"
	utils "kitch-ingest/pkg/utils"
)

// recorderAttachWait bounds how long a recorder connection waits for the
// publisher hub to appear.
const recorderAttachWait = 5 * time.Second

// ConnectionHandler serves one accepted RTMP connection as a publisher or
// a player.
type ConnectionHandler struct {
	conn    *rtmp.Conn
	netConn net.Conn
	server  *Server
	info    Connection
	ctx     context.Context
	cancel  context.CancelFunc

	packets atomic.Int64
	bytes   atomic.Int64
	sub     atomic.Pointer[Subscriber]
}

func NewConnectionHandler(conn *rtmp.Conn, netConn net.Conn, server *Server, kind, key string) *ConnectionHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionHandler{
		conn:    conn,
		netConn: netConn,
		server:  server,
		ctx:     ctx,
		cancel:  cancel,
		info: Connection{
			ID:         uuid.New().String(),
			Type:       kind,
			SessionKey: key,
			RemoteAddr: netConn.RemoteAddr().String(),
			StartTime:  time.Now(),
		},
	}
}

// Serve blocks until the connection ends.
func (h *ConnectionHandler) Serve() error {
	defer h.cancel()
	h.logger().Info("RTMP connection accepted")

	go func() {
		select {
		case <-h.conn.CloseNotify():
			h.cancel()
		case <-h.ctx.Done():
		}
	}()

	if h.info.Type == ConnPublisher {
		return h.servePublisher()
	}
	return h.servePlayer()
}

func (h *ConnectionHandler) servePublisher() error {
	key := h.info.SessionKey
	gw := h.server.gateway

	if _, err := gw.OnPublishAttempt(h.ctx, key); err != nil {
		if IsRejection(err) {
			h.logger().Warnf("Publish rejected: %v", err)
			return nil
		}
		return fmt.Errorf("publish attempt: %w", err)
	}

	pub := h.server.relay.Open(key)
	defer func() {
		pub.Close()
		if _, err := gw.OnPublishEnd(context.Background(), key); err != nil {
			h.logger().Errorf("Failed to end live session: %v", err)
		}
	}()

	for {
		pkt, err := h.conn.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || h.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read packet: %w", err)
		}
		h.packets.Add(1)
		h.bytes.Add(int64(len(pkt.Data)))
		pub.WritePacket(pkt)
	}
}

func (h *ConnectionHandler) servePlayer() error {
	key := h.info.SessionKey
	gw := h.server.gateway

	sub, err := h.subscribe(key)
	if err != nil {
		h.logger().Warnf("Play rejected: %v", err)
		return nil
	}
	defer sub.Close()
	h.sub.Store(sub)

	if h.info.Type == ConnViewer {
		if _, err := gw.OnViewerJoin(h.ctx, key); err != nil {
			h.logger().Warnf("Play rejected: %v", err)
			return nil
		}
		defer func() {
			_, err := gw.OnViewerLeave(context.Background(), key)
			if err != nil && !errors.Is(err, session.ErrNotLive) {
				h.logger().Errorf("Failed to record viewer leave: %v", err)
			}
		}()
	}

	for {
		select {
		case <-h.ctx.Done():
			return nil
		case pkt, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := h.write(pkt); err != nil {
				return fmt.Errorf("write packet: %w", err)
			}
		}
	}
}

func (h *ConnectionHandler) subscribe(key string) (*Subscriber, error) {
	sub, err := h.server.relay.Subscribe(key)
	if err == nil || h.info.Type != ConnRecorder {
		return sub, err
	}
	deadline := time.NewTimer(recorderAttachWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return nil, h.ctx.Err()
		case <-deadline.C:
			return nil, err
		case <-tick.C:
			if sub, err = h.server.relay.Subscribe(key); err == nil {
				return sub, nil
			}
		}
	}
}

func (h *ConnectionHandler) write(pkt av.Packet) error {
	if err := h.conn.WritePacket(pkt); err != nil {
		return err
	}
	h.packets.Add(1)
	h.bytes.Add(int64(len(pkt.Data)))
	return nil
}

// Stop ends the connection.
func (h *ConnectionHandler) Stop() {
	h.logger().Info("Stopping RTMP connection")
	h.cancel()
	h.netConn.Close()
}

// Stats returns a snapshot of the connection counters.
func (h *ConnectionHandler) Stats() Connection {
	c := h.info
	c.Packets = h.packets.Load()
	c.Bytes = h.bytes.Load()
	if sub := h.sub.Load(); sub != nil {
		c.Dropped = sub.Dropped()
	}
	return c
}

func (h *ConnectionHandler) logger() *logrus.Entry {
	return utils.WithFields(logrus.Fields{
		"connection_id": h.info.ID,
		"type":          h.info.Type,
		"session_key":   h.info.SessionKey,
	})
}
