package rtmp

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nareix/joy5/av"
)

var ErrNoPublisher = errors.New("no publisher for session key")

// Relay fans packets from one publisher per key out to its players.
type Relay struct {
	mu     sync.Mutex
	hubs   map[string]*hub
	buffer int
}

func NewRelay(buffer int) *Relay {
	if buffer <= 0 {
		buffer = 256
	}
	return &Relay{hubs: make(map[string]*hub), buffer: buffer}
}

// Open registers the publisher hub for key, replacing and closing any
// previous one.
func (r *Relay) Open(key string) *Publisher {
	h := &hub{key: key, subs: make(map[*Subscriber]struct{})}
	r.mu.Lock()
	old := r.hubs[key]
	r.hubs[key] = h
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
	return &Publisher{relay: r, hub: h}
}

// Subscribe attaches a player to the live hub of key. Cached header
// packets are queued first so late joiners can decode.
func (r *Relay) Subscribe(key string) (*Subscriber, error) {
	r.mu.Lock()
	h, ok := r.hubs[key]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoPublisher
	}
	return h.subscribe(r.buffer)
}

func (r *Relay) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.hubs[key]
	return ok
}

func (r *Relay) remove(h *hub) {
	r.mu.Lock()
	if r.hubs[h.key] == h {
		delete(r.hubs, h.key)
	}
	r.mu.Unlock()
}

// Publisher is the write side of a hub.
type Publisher struct {
	relay *Relay
	hub   *hub
}

func (p *Publisher) WritePacket(pkt av.Packet) {
	p.hub.write(pkt)
}

// Close detaches the hub and ends every subscriber stream.
func (p *Publisher) Close() {
	p.relay.remove(p.hub)
	p.hub.close()
}

// Subscriber is one player's packet queue.
type Subscriber struct {
	C       <-chan av.Packet
	ch      chan av.Packet
	hub     *hub
	dropped atomic.Int64
	// waitKey is set after a drop; inter frames are skipped until the next
	// keyframe.
	waitKey bool
}

func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

type hub struct {
	key string

	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	headers  []av.Packet
	hasVideo bool
	closed   bool
}

func isHeader(t int) bool {
	return t == av.Metadata || t == av.H264DecoderConfig || t == av.AACDecoderConfig
}

func (h *hub) subscribe(buffer int) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrNoPublisher
	}
	ch := make(chan av.Packet, buffer+len(h.headers))
	for _, pkt := range h.headers {
		ch <- pkt
	}
	s := &Subscriber{C: ch, ch: ch, hub: h, waitKey: true}
	h.subs[s] = struct{}{}
	return s, nil
}

func (h *hub) unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *hub) write(pkt av.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if isHeader(pkt.Type) {
		h.cacheHeader(pkt)
	}
	if pkt.Type == av.H264DecoderConfig {
		h.hasVideo = true
	}
	for s := range h.subs {
		if h.hasVideo && !isHeader(pkt.Type) && s.waitKey {
			if pkt.Type != av.H264 || !pkt.IsKeyFrame {
				continue
			}
			s.waitKey = false
		}
		select {
		case s.ch <- pkt:
		default:
			s.dropped.Add(1)
			s.waitKey = true
		}
	}
}

func (h *hub) cacheHeader(pkt av.Packet) {
	for i, cached := range h.headers {
		if cached.Type == pkt.Type {
			h.headers[i] = pkt
			return
		}
	}
	h.headers = append(h.headers, pkt)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}
