// Package media implements the datagram relays: two independent instances
// (video, audio) that reassemble fragmented UDP frames from every sender
// and re-broadcast the latest complete frame per sender to every
// participant at a fixed cadence.
package media

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marshwren/lanroom/internal/metrics"
	"github.com/marshwren/lanroom/internal/protocol"
	"github.com/marshwren/lanroom/internal/session"
)

// Config fixes a relay's port and timing at startup.
type Config struct {
	Kind        session.MediaKind
	Port        int
	ChunkSize   int           // max fragment payload per datagram
	Interval    time.Duration // broadcast cadence
	Staleness   time.Duration // incomplete assemblies older than this are purged
	ReadTimeout time.Duration // socket read deadline, drives the staleness sweep
	Mix         bool          // audio only: send each receiver one mixed stream
}

type assemblyKey struct {
	sender  string
	frameID uint64
}

type pairKey struct {
	sender   string
	receiver string
}

// assembly collects the fragments of one in-flight frame. Retired the
// instant it completes, or swept once it goes stale.
type assembly struct {
	total    uint32
	parts    map[uint32][]byte
	lastSeen time.Time
}

// Relay owns one UDP socket shared by all senders and receivers of a media
// kind. A single ingest goroutine reassembles frames; an independent
// broadcast goroutine fans the latest complete frame per sender out to the
// roster. The two communicate only through the latest-frame map.
type Relay struct {
	cfg      Config
	registry *session.Registry
	codec    Codec
	log      *logrus.Entry

	conn *net.UDPConn

	mu         sync.Mutex
	assemblies map[assemblyKey]*assembly
	latest     map[string][]byte // single-slot per sender, overwritten never queued

	// Per-(sender,receiver) frame ids, monotonic for the relay's lifetime,
	// wrapping mod 2^64. Touched only by the broadcast goroutine.
	pairIDs map[pairKey]uint64

	done chan struct{}
	wg   sync.WaitGroup
}

func NewRelay(cfg Config, registry *session.Registry, codec Codec) *Relay {
	return &Relay{
		cfg:        cfg,
		registry:   registry,
		codec:      codec,
		log:        logrus.WithField("component", cfg.Kind.String()),
		assemblies: make(map[assemblyKey]*assembly),
		latest:     make(map[string][]byte),
		pairIDs:    make(map[pairKey]uint64),
		done:       make(chan struct{}),
	}
}

// Start binds the relay port and launches the ingest and broadcast loops.
// A bind failure is a hard startup failure for the whole server.
func (r *Relay) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: r.cfg.Port})
	if err != nil {
		return err
	}
	r.conn = conn
	r.log.WithField("port", r.cfg.Port).Info("relay started")

	r.wg.Add(2)
	go r.ingestLoop()
	go r.broadcastLoop()
	return nil
}

// Stop closes the socket and waits for both loops to exit.
func (r *Relay) Stop() {
	close(r.done)
	if r.conn != nil {
		r.conn.Close()
	}
	r.wg.Wait()
}

// RemoveSender drops a disconnected user's in-flight assemblies and latest
// frame so their last picture does not keep being resent.
func (r *Relay) RemoveSender(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.latest, name)
	for key := range r.assemblies {
		if key.sender == name {
			delete(r.assemblies, key)
		}
	}
}

func (r *Relay) ingestLoop() {
	defer r.wg.Done()
	buf := make([]byte, r.cfg.ChunkSize+2048) // payload plus header and sender name

	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				r.sweepStale()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.WithError(err).Warn("socket read failed")
			continue
		}

		frag, err := protocol.ParseFragment(buf[:n])
		if err != nil {
			// Malformed or foreign traffic on the port; never fatal.
			continue
		}

		r.registry.LearnMediaAddr(frag.Sender, r.cfg.Kind, addr)
		r.ingestFragment(frag)
	}
}

// ingestFragment records one fragment and, on completion, transcodes and
// promotes the frame to the sender's latest-frame slot. Duplicate indices
// are overwritten, not double-counted.
func (r *Relay) ingestFragment(frag *protocol.Fragment) {
	key := assemblyKey{sender: frag.Sender, frameID: frag.FrameID}

	r.mu.Lock()
	asm, ok := r.assemblies[key]
	if !ok {
		asm = &assembly{total: frag.Total, parts: make(map[uint32][]byte, frag.Total)}
		r.assemblies[key] = asm
	}
	asm.parts[frag.Index] = frag.Payload
	asm.lastSeen = time.Now()
	if uint32(len(asm.parts)) != asm.total {
		r.mu.Unlock()
		return
	}

	// Complete: concatenate in index order and retire the buffer.
	delete(r.assemblies, key)
	size := 0
	for _, part := range asm.parts {
		size += len(part)
	}
	payload := make([]byte, 0, size)
	for i := uint32(0); i < asm.total; i++ {
		payload = append(payload, asm.parts[i]...)
	}
	r.mu.Unlock()

	out, err := r.codec.Transcode(payload)
	if err != nil {
		r.log.WithError(err).WithField("sender", frag.Sender).Debug("dropping undecodable frame")
		return
	}

	r.mu.Lock()
	r.latest[frag.Sender] = out
	r.mu.Unlock()
	metrics.FramesAssembled.WithLabelValues(r.cfg.Kind.String()).Inc()
}

// sweepStale purges in-progress assemblies past the staleness window. Runs
// on each socket read timeout, bounding memory under packet loss.
func (r *Relay) sweepStale() {
	cutoff := time.Now().Add(-r.cfg.Staleness)
	dropped := 0

	r.mu.Lock()
	for key, asm := range r.assemblies {
		if asm.lastSeen.Before(cutoff) {
			delete(r.assemblies, key)
			dropped++
		}
	}
	r.mu.Unlock()

	if dropped > 0 {
		metrics.FramesDropped.WithLabelValues(r.cfg.Kind.String()).Add(float64(dropped))
		r.log.WithField("count", dropped).Debug("purged stale frame assemblies")
	}
}

func (r *Relay) broadcastLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.broadcastTick()
		}
	}
}

// broadcastTick fans the latest complete frame of every sender out to every
// participant with a learned address. A sender's frame is deliberately sent
// back to the sender's own address as well: the relay has no reliable way
// to distinguish "self", so hiding your own tile is a client concern.
func (r *Relay) broadcastTick() {
	r.mu.Lock()
	frames := make(map[string][]byte, len(r.latest))
	for sender, payload := range r.latest {
		frames[sender] = payload
	}
	r.mu.Unlock()

	if len(frames) == 0 {
		return
	}
	roster := r.registry.MediaRoster(r.cfg.Kind)
	if len(roster) == 0 {
		return
	}

	if r.cfg.Mix {
		r.broadcastMixed(frames, roster)
		return
	}

	for sender, payload := range frames {
		for _, endpoint := range roster {
			r.sendFrame(sender, endpoint, payload)
		}
	}
}

// broadcastMixed sends each receiver a single stream mixed from everyone
// else, under the reserved sender tag "mixed".
func (r *Relay) broadcastMixed(frames map[string][]byte, roster []session.MediaEndpoint) {
	for _, endpoint := range roster {
		mixed := MixExcept(frames, endpoint.Name)
		if mixed == nil {
			continue
		}
		r.sendFrame("mixed", endpoint, mixed)
	}
}

func (r *Relay) sendFrame(sender string, endpoint session.MediaEndpoint, payload []byte) {
	key := pairKey{sender: sender, receiver: endpoint.Name}
	frameID := r.pairIDs[key]
	r.pairIDs[key] = frameID + 1

	packets, err := protocol.FragmentFrame(sender, frameID, payload, r.cfg.ChunkSize)
	if err != nil {
		r.log.WithError(err).WithField("sender", sender).Warn("cannot fragment frame")
		return
	}
	for _, pkt := range packets {
		if _, err := r.conn.WriteToUDP(pkt, endpoint.Addr); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"sender":   sender,
				"receiver": endpoint.Name,
			}).Debug("fragment send failed")
			return
		}
	}
	metrics.FramesRelayed.WithLabelValues(r.cfg.Kind.String()).Inc()
}
