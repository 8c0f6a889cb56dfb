package rtmp

import (
	"net/url"
	"testing"

	"github.com/nareix/joy5/av"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func drain(sub *Subscriber) []av.Packet {
	var out []av.Packet
	for {
		select {
		case pkt, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, pkt)
		default:
			return out
		}
	}
}

func TestRelaySubscribeWithoutPublisher(t *testing.T) {
	r := NewRelay(4)
	_, err := r.Subscribe("K")
	assert.ErrorIs(t, err, ErrNoPublisher)
}

func TestRelayLateJoinerGetsHeadersThenKeyframe(t *testing.T) {
	r := NewRelay(8)
	pub := r.Open("K")

	pub.WritePacket(av.Packet{Type: av.Metadata, Data: []byte("meta")})
	pub.WritePacket(av.Packet{Type: av.H264DecoderConfig, Data: []byte("sps")})
	pub.WritePacket(av.Packet{Type: av.AACDecoderConfig, Data: []byte("asc")})
	pub.WritePacket(av.Packet{Type: av.H264DecoderConfig, Data: []byte("sps2")})
	pub.WritePacket(av.Packet{Type: av.H264, IsKeyFrame: true, Data: []byte("k1")})

	sub, err := r.Subscribe("K")
	require.NoError(t, err)

	pub.WritePacket(av.Packet{Type: av.H264, Data: []byte("p1")})
	pub.WritePacket(av.Packet{Type: av.AAC, Data: []byte("a1")})
	pub.WritePacket(av.Packet{Type: av.H264, IsKeyFrame: true, Data: []byte("k2")})
	pub.WritePacket(av.Packet{Type: av.H264, Data: []byte("p2")})

	var got []string
	for _, pkt := range drain(sub) {
		got = append(got, string(pkt.Data))
	}
	assert.Equal(t, []string{"meta", "sps2", "asc", "k2", "p2"}, got)
}

func TestRelaySlowSubscriberDropsUntilKeyframe(t *testing.T) {
	r := NewRelay(2)
	pub := r.Open("K")
	pub.WritePacket(av.Packet{Type: av.H264DecoderConfig, Data: []byte("sps")})

	slow, err := r.Subscribe("K")
	require.NoError(t, err)
	fast, err := r.Subscribe("K")
	require.NoError(t, err)
	// Consume the cached header so only the buffer limits the queue.
	<-slow.C

	pub.WritePacket(av.Packet{Type: av.H264, IsKeyFrame: true, Data: []byte("k1")})
	<-fast.C
	<-fast.C
	pub.WritePacket(av.Packet{Type: av.H264, Data: []byte("p1")})
	<-fast.C
	pub.WritePacket(av.Packet{Type: av.H264, Data: []byte("p2")})
	<-fast.C
	pub.WritePacket(av.Packet{Type: av.H264, Data: []byte("p3")})
	<-fast.C

	assert.Equal(t, int64(1), slow.Dropped())
	assert.Zero(t, fast.Dropped())

	assert.Equal(t, "k1", string((<-slow.C).Data))
	assert.Equal(t, "p1", string((<-slow.C).Data))
	assert.Equal(t, "p2", string((<-slow.C).Data))

	pub.WritePacket(av.Packet{Type: av.H264, Data: []byte("p4")})
	pub.WritePacket(av.Packet{Type: av.H264, IsKeyFrame: true, Data: []byte("k2")})

	var got []string
	for _, pkt := range drain(slow) {
		got = append(got, string(pkt.Data))
	}
	assert.Equal(t, []string{"k2"}, got)
}

func TestRelayPublisherCloseEndsSubscribers(t *testing.T) {
	r := NewRelay(4)
	pub := r.Open("K")
	sub, err := r.Subscribe("K")
	require.NoError(t, err)

	pub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.False(t, r.Active("K"))

	sub.Close()
}

func TestRelayReopenReplacesHub(t *testing.T) {
	r := NewRelay(4)
	first := r.Open("K")
	sub, err := r.Subscribe("K")
	require.NoError(t, err)

	second := r.Open("K")
	_, ok := <-sub.C
	assert.False(t, ok)

	first.Close()
	assert.True(t, r.Active("K"))
	second.Close()
	assert.False(t, r.Active("K"))
}
