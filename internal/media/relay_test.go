package media

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshwren/lanroom/internal/protocol"
	"github.com/marshwren/lanroom/internal/session"
)

// passCodec promotes every payload unchanged.
type passCodec struct{}

func (passCodec) Transcode(p []byte) ([]byte, error) { return p, nil }

func testRelay(codec Codec) *Relay {
	return NewRelay(Config{
		Kind:        session.MediaVideo,
		ChunkSize:   4,
		Interval:    10 * time.Millisecond,
		Staleness:   25 * time.Millisecond,
		ReadTimeout: 10 * time.Millisecond,
	}, session.NewRegistry(), codec)
}

func frag(sender string, frameID uint64, total, index uint32, payload []byte) *protocol.Fragment {
	return &protocol.Fragment{Sender: sender, FrameID: frameID, Total: total, Index: index, Payload: payload}
}

func TestReassemblyAnyPermutation(t *testing.T) {
	payload := []byte("abcdefghij")
	perms := [][]uint32{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}, {2, 1, 0}}

	for _, order := range perms {
		r := testRelay(passCodec{})
		parts := [][]byte{payload[0:4], payload[4:8], payload[8:10]}
		for _, idx := range order {
			r.ingestFragment(frag("alice", 9, 3, idx, parts[idx]))
		}
		assert.Equal(t, payload, r.latest["alice"], "order %v", order)
		assert.Empty(t, r.assemblies, "completed buffer must be retired")
	}
}

func TestDuplicateFragmentsNotDoubleCounted(t *testing.T) {
	r := testRelay(passCodec{})
	r.ingestFragment(frag("alice", 1, 3, 0, []byte("aaaa")))
	r.ingestFragment(frag("alice", 1, 3, 0, []byte("aaaa")))
	r.ingestFragment(frag("alice", 1, 3, 0, []byte("aaaa")))
	assert.Empty(t, r.latest, "duplicates of one index must not complete the frame")

	r.ingestFragment(frag("alice", 1, 3, 1, []byte("bbbb")))
	r.ingestFragment(frag("alice", 1, 3, 2, []byte("cc")))
	assert.Equal(t, []byte("aaaabbbbcc"), r.latest["alice"])
}

func TestLatestFrameIsSingleSlot(t *testing.T) {
	r := testRelay(passCodec{})
	r.ingestFragment(frag("alice", 1, 1, 0, []byte("old")))
	r.ingestFragment(frag("alice", 2, 1, 0, []byte("new")))
	assert.Equal(t, []byte("new"), r.latest["alice"], "newer frame supersedes, never queues")
	assert.Len(t, r.latest, 1)
}

func TestFrameIDWrapKeysStayDistinct(t *testing.T) {
	r := testRelay(passCodec{})
	r.ingestFragment(frag("alice", ^uint64(0), 2, 0, []byte("wrap")))
	r.ingestFragment(frag("alice", 0, 2, 0, []byte("zero")))
	assert.Len(t, r.assemblies, 2, "wrapping ids are distinct opaque keys")
}

func TestStaleAssembliesPurged(t *testing.T) {
	r := testRelay(passCodec{})
	r.ingestFragment(frag("alice", 1, 3, 0, []byte("aaaa")))
	r.ingestFragment(frag("alice", 1, 3, 1, []byte("bbbb")))

	time.Sleep(40 * time.Millisecond)
	r.sweepStale()

	assert.Empty(t, r.assemblies, "incomplete frame past staleness is dropped")
	assert.Empty(t, r.latest, "a purged frame is never delivered")

	// A late fragment after the purge starts a fresh, still-incomplete buffer.
	r.ingestFragment(frag("alice", 1, 3, 2, []byte("cc")))
	assert.Empty(t, r.latest)
}

func TestFailedTranscodeNotPromoted(t *testing.T) {
	r := testRelay(JPEGCodec{Quality: 70})
	r.ingestFragment(frag("alice", 1, 1, 0, []byte("not a jpeg")))
	assert.Empty(t, r.latest)
	assert.Empty(t, r.assemblies, "assembly buffer is discarded regardless of decode outcome")
}

func TestRemoveSender(t *testing.T) {
	r := testRelay(passCodec{})
	r.ingestFragment(frag("alice", 1, 1, 0, []byte("done")))
	r.ingestFragment(frag("alice", 2, 2, 0, []byte("half")))
	r.ingestFragment(frag("bob", 1, 1, 0, []byte("keep")))

	r.RemoveSender("alice")

	assert.NotContains(t, r.latest, "alice")
	assert.Contains(t, r.latest, "bob")
	assert.Empty(t, func() []assemblyKey {
		var keys []assemblyKey
		for k := range r.assemblies {
			if k.sender == "alice" {
				keys = append(keys, k)
			}
		}
		return keys
	}())
}

// readFrames collects datagrams from the socket until one complete frame
// per the embedded headers can be reassembled, or the deadline hits.
func readOneFrame(t *testing.T, conn *net.UDPConn) (string, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65535)
	type partial struct {
		total uint32
		parts map[uint32][]byte
	}
	frames := make(map[uint64]*partial)
	var sender string

	for {
		n, err := conn.Read(buf)
		require.NoError(t, err, "no frame arrived before deadline")
		fr, err := protocol.ParseFragment(buf[:n])
		require.NoError(t, err)
		sender = fr.Sender

		p, ok := frames[fr.FrameID]
		if !ok {
			p = &partial{total: fr.Total, parts: make(map[uint32][]byte)}
			frames[fr.FrameID] = p
		}
		p.parts[fr.Index] = fr.Payload
		if uint32(len(p.parts)) == p.total {
			var payload []byte
			for i := uint32(0); i < p.total; i++ {
				payload = append(payload, p.parts[i]...)
			}
			return sender, payload
		}
	}
}

func TestRelayEndToEnd(t *testing.T) {
	registry := session.NewRegistry()
	registry.Register("mia", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})

	r := NewRelay(Config{
		Kind:        session.MediaAudio,
		Port:        0,
		ChunkSize:   4,
		Interval:    10 * time.Millisecond,
		Staleness:   time.Second,
		ReadTimeout: 20 * time.Millisecond,
	}, registry, PCMCodec{})
	require.NoError(t, r.Start())
	defer r.Stop()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	relayAddr := r.conn.LocalAddr().(*net.UDPAddr)
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: relayAddr.Port}

	payload := []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0} // five int16 samples
	packets, err := protocol.FragmentFrame("mia", 1, payload, 4)
	require.NoError(t, err)
	for _, pkt := range packets {
		_, err := client.WriteToUDP(pkt, target)
		require.NoError(t, err)
	}

	sender, frame := readOneFrame(t, client)
	assert.Equal(t, "mia", sender, "the relay echoes a sender's frame back to the sender")
	assert.True(t, bytes.Equal(payload, frame))
}

func TestRelayMixedAudio(t *testing.T) {
	registry := session.NewRegistry()
	registry.Register("alice", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	registry.Register("bob", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2})

	r := NewRelay(Config{
		Kind:        session.MediaAudio,
		Port:        0,
		ChunkSize:   1000,
		Interval:    10 * time.Millisecond,
		Staleness:   time.Second,
		ReadTimeout: 20 * time.Millisecond,
		Mix:         true,
	}, registry, PCMCodec{})
	require.NoError(t, r.Start())
	defer r.Stop()

	aliceSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer aliceSock.Close()
	bobSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer bobSock.Close()

	relayAddr := r.conn.LocalAddr().(*net.UDPAddr)
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: relayAddr.Port}

	alicePCM := pcm(1000, 1000)
	bobPCM := pcm(-500, -500)
	send := func(sock *net.UDPConn, sender string, payload []byte) {
		packets, err := protocol.FragmentFrame(sender, 1, payload, 1000)
		require.NoError(t, err)
		for _, pkt := range packets {
			_, err := sock.WriteToUDP(pkt, target)
			require.NoError(t, err)
		}
	}
	send(aliceSock, "alice", alicePCM)
	send(bobSock, "bob", bobPCM)

	sender, frame := readOneFrame(t, aliceSock)
	assert.Equal(t, "mixed", sender)
	assert.Equal(t, []int16{-500, -500}, samples(frame), "alice hears only bob")

	sender, frame = readOneFrame(t, bobSock)
	assert.Equal(t, "mixed", sender)
	assert.Equal(t, []int16{1000, 1000}, samples(frame), "bob hears only alice")
}
