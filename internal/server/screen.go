package server

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/marshwren/lanroom/internal/protocol"
	"github.com/marshwren/lanroom/internal/session"
)

// ScreenArbiter enforces single-presenter mutual exclusion on top of the
// registry's presenter slot: IDLE <-> PRESENTING(username).
type ScreenArbiter struct {
	registry *session.Registry
	log      *logrus.Entry

	mu sync.Mutex // serializes state transitions
}

func NewScreenArbiter(registry *session.Registry) *ScreenArbiter {
	return &ScreenArbiter{
		registry: registry,
		log:      logrus.WithField("component", "screen"),
	}
}

// RequestStart tries to claim the presenter slot for the session. The
// requester gets a {success, message} ack; on a fresh claim everyone else
// gets SCREEN_START{presenter}. Re-requesting while already presenting
// succeeds without a rebroadcast. A claim against another presenter fails
// with no state change.
func (a *ScreenArbiter) RequestStart(sess *session.Session) {
	a.mu.Lock()
	current := a.registry.Presenter()
	if current == sess.Name {
		a.mu.Unlock()
		a.ack(sess, true, "screen sharing started")
		return
	}
	if !a.registry.SetPresenter(sess.Name) {
		a.mu.Unlock()
		a.ack(sess, false, fmt.Sprintf("%s is already presenting", current))
		return
	}
	a.mu.Unlock()

	a.log.WithField("user", sess.Name).Info("screen sharing started")
	a.ack(sess, true, "screen sharing started")
	for _, other := range a.registry.HandlesExcept(sess.Name) {
		if err := other.Conn.Send(protocol.TypeScreenStart,
			protocol.ScreenStartData{Presenter: sess.Name}); err != nil {
			a.log.WithError(err).WithField("user", other.Name).Debug("start notice failed")
		}
	}
}

// RequestStop releases the slot. Only the current presenter may clear it;
// anyone else is a no-op.
func (a *ScreenArbiter) RequestStop(name string) {
	a.mu.Lock()
	cleared := a.registry.ClearPresenter(name)
	a.mu.Unlock()
	if !cleared {
		return
	}

	a.log.WithField("user", name).Info("screen sharing stopped")
	a.broadcastStop(name)
}

// RelayFrame forwards one screen frame to every viewer. Frames from anyone
// but the current presenter are silently dropped; this is the enforcement
// point keeping a non-presenter from injecting frames.
func (a *ScreenArbiter) RelayFrame(name, frame string) {
	if a.registry.Presenter() != name {
		return
	}
	for _, sess := range a.registry.HandlesExcept(name) {
		if err := sess.Conn.Send(protocol.TypeScreenFrame,
			protocol.ScreenFrameData{Frame: frame}); err != nil {
			a.log.WithError(err).WithField("user", sess.Name).Debug("frame send failed")
		}
	}
}

// ReleaseOnExit clears the slot when the presenter disconnects, with the
// same broadcast an explicit stop would produce.
func (a *ScreenArbiter) ReleaseOnExit(name string) {
	a.mu.Lock()
	cleared := a.registry.ClearPresenter(name)
	a.mu.Unlock()
	if !cleared {
		return
	}

	a.log.WithField("user", name).Info("presenter disconnected, releasing screen share")
	a.broadcastStop(name)
}

func (a *ScreenArbiter) broadcastStop(presenter string) {
	for _, sess := range a.registry.HandlesExcept("") {
		if err := sess.Conn.Send(protocol.TypeScreenStop,
			protocol.ScreenStopData{Presenter: presenter}); err != nil {
			a.log.WithError(err).WithField("user", sess.Name).Debug("stop notice failed")
		}
	}
}

func (a *ScreenArbiter) ack(sess *session.Session, success bool, message string) {
	if err := sess.Conn.Send(protocol.TypeScreenStart,
		protocol.ScreenStartData{Success: success, Message: message}); err != nil {
		a.log.WithError(err).WithField("user", sess.Name).Debug("start ack failed")
	}
}
