// Package session holds the canonical mapping of username to connection
// state. Every other component reads and writes through the Registry.
package session

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marshwren/lanroom/internal/protocol"
)

// MediaKind selects one of the two datagram relays.
type MediaKind int

const (
	MediaVideo MediaKind = iota
	MediaAudio
	mediaKindCount
)

func (k MediaKind) String() string {
	switch k {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	}
	return "unknown"
}

// Session is the per-user connection state. The reliable handle is owned by
// the per-client handler goroutine; the registry keeps a non-owning
// reference used only to send outbound control messages. Media addresses
// are learned from the first datagram seen on each relay, not fixed at
// connect time.
type Session struct {
	Name        string
	Conn        *protocol.Conn
	RemoteAddr  net.Addr
	ConnectedAt time.Time

	// Informational only; relay eligibility is "has ever sent a datagram".
	VideoActive atomic.Bool
	AudioActive atomic.Bool

	mediaAddr [mediaKindCount]*net.UDPAddr // guarded by the registry mutex
}

// MediaEndpoint is one fan-out target for a datagram relay.
type MediaEndpoint struct {
	Name string
	Addr *net.UDPAddr
}

// Registry serializes all session state behind a single mutex. Read
// operations return point-in-time snapshots; callers must tolerate a user
// disconnecting between snapshot and use.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	presenter string

	log *logrus.Entry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      logrus.WithField("component", "session"),
	}
}

// Register adds a session under the requested name, deduplicating
// collisions with _2, _3... suffixes. Once it returns, the assigned name is
// visible to broadcast operations.
func (r *Registry) Register(requested string, conn *protocol.Conn, addr net.Addr) *Session {
	base := strings.TrimSpace(requested)
	if base == "" {
		base = "User"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	assigned := base
	for suffix := 2; ; suffix++ {
		if _, taken := r.sessions[assigned]; !taken {
			break
		}
		assigned = fmt.Sprintf("%s_%d", base, suffix)
	}

	sess := &Session{
		Name:        assigned,
		Conn:        conn,
		RemoteAddr:  addr,
		ConnectedAt: time.Now(),
	}
	r.sessions[assigned] = sess
	r.log.WithFields(logrus.Fields{"user": assigned, "addr": addr}).Info("user joined")
	return sess
}

// Unregister removes a session. Idempotent; also clears the presenter slot
// if the departing user held it.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[name]; !ok {
		return false
	}
	if r.presenter == name {
		r.presenter = ""
	}
	delete(r.sessions, name)
	r.log.WithField("user", name).Info("user left")
	return true
}

// Names returns a snapshot of the current roster.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	return sess, ok
}

// HandlesExcept snapshots every session except the named one. Pass "" to
// get everyone.
func (r *Registry) HandlesExcept(exclude string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for name, sess := range r.sessions {
		if name != exclude {
			out = append(out, sess)
		}
	}
	return out
}

// Presenter returns the current presenter, or "" when the slot is free.
func (r *Registry) Presenter() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenter
}

// SetPresenter claims the slot. Succeeds when the slot is free or already
// held by name; fails without side effects when someone else holds it or
// the user is not registered.
func (r *Registry) SetPresenter(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; !ok {
		return false
	}
	if r.presenter != "" && r.presenter != name {
		return false
	}
	r.presenter = name
	return true
}

// ClearPresenter releases the slot. Only the holder may clear it.
func (r *Registry) ClearPresenter(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presenter != name || name == "" {
		return false
	}
	r.presenter = ""
	return true
}

// LearnMediaAddr records where a user's datagrams for the given kind come
// from. Datagrams from unknown usernames are ignored.
func (r *Registry) LearnMediaAddr(name string, kind MediaKind, addr *net.UDPAddr) {
	if kind < 0 || kind >= mediaKindCount {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[name]
	if !ok {
		return
	}
	sess.mediaAddr[kind] = addr
}

// MediaRoster snapshots every participant with a learned address for the
// given kind. Users who have never sent a datagram are not relay-eligible
// and are omitted.
func (r *Registry) MediaRoster(kind MediaKind) []MediaEndpoint {
	if kind < 0 || kind >= mediaKindCount {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MediaEndpoint, 0, len(r.sessions))
	for name, sess := range r.sessions {
		if sess.mediaAddr[kind] != nil {
			out = append(out, MediaEndpoint{Name: name, Addr: sess.mediaAddr[kind]})
		}
	}
	return out
}
