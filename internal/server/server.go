// Package server accepts reliable control connections and dispatches each
// client's messages to the chat relay, file transfer coordinator and
// screen-share arbiter.
package server

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/marshwren/lanroom/internal/config"
	"github.com/marshwren/lanroom/internal/metrics"
	"github.com/marshwren/lanroom/internal/protocol"
	"github.com/marshwren/lanroom/internal/session"
	"github.com/marshwren/lanroom/internal/store"
)

// MediaRelay is the slice of the datagram relays the control plane needs:
// dropping a disconnected sender's state.
type MediaRelay interface {
	RemoveSender(name string)
}

// Server holds all control-plane dependencies.
type Server struct {
	registry *session.Registry
	chat     *ChatRelay
	files    *FileCoordinator
	screen   *ScreenArbiter
	relays   []MediaRelay
	log      *logrus.Entry

	ln net.Listener
	wg sync.WaitGroup
}

func New(cfg *config.Config, registry *session.Registry, files store.Store, relays ...MediaRelay) *Server {
	return &Server{
		registry: registry,
		chat:     NewChatRelay(registry, cfg.ChatHistoryLimit),
		files:    NewFileCoordinator(registry, files, cfg.RendezvousTimeout, cfg.FileChunkSize),
		screen:   NewScreenArbiter(registry),
		relays:   relays,
		log:      logrus.WithField("component", "server"),
	}
}

// Start binds the control listener and accepts connections until Stop. A
// bind failure is fatal to server startup.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.WithField("addr", ln.Addr().String()).Info("control listener started")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr reports the bound control address, for callers that started on :0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and waits for the accept loop. Per-client
// handlers notice their connections closing and tear down on their own.
func (s *Server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		go s.handleClient(nc)
	}
}

// handleClient runs the per-client state machine: the first frame must be
// CONNECT with a username, then the message loop dispatches until the
// connection closes or the client sends DISCONNECT. Teardown obligations
// (unregister, presenter release, roster rebroadcast) run unconditionally.
func (s *Server) handleClient(nc net.Conn) {
	conn := protocol.NewConn(nc)

	msg, err := conn.Receive()
	if err != nil || msg.Type != protocol.TypeConnect {
		// No session was registered; nothing to tear down.
		conn.Close()
		return
	}
	var hello protocol.ConnectData
	if err := msg.Decode(&hello); err != nil {
		conn.Close()
		return
	}

	sess := s.registry.Register(hello.Username, conn, nc.RemoteAddr())
	metrics.ConnectedClients.Inc()
	defer s.teardown(sess)

	if err := conn.Send(protocol.TypeUserList, protocol.UserListData{Users: s.registry.Names()}); err != nil {
		return
	}
	s.broadcastRoster()
	s.files.ReplayAvailable(sess)

	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		if !s.dispatch(sess, msg) {
			return
		}
	}
}

// dispatch routes one message; returns false when the loop should end.
func (s *Server) dispatch(sess *session.Session, msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeChat:
		var data protocol.ChatData
		if err := msg.Decode(&data); err == nil {
			s.chat.Publish(sess.Name, data.Message)
		}

	case protocol.TypeFileInfo:
		var data protocol.FileInfoData
		if err := msg.Decode(&data); err == nil && data.Status == protocol.StatusRequestUpload {
			s.files.BeginUpload(sess, data)
		}

	case protocol.TypeFileRequest:
		var data protocol.FileRequestData
		if err := msg.Decode(&data); err == nil {
			s.files.BeginDownload(sess, data)
		}

	case protocol.TypeScreenStart:
		s.screen.RequestStart(sess)

	case protocol.TypeScreenStop:
		s.screen.RequestStop(sess.Name)

	case protocol.TypeScreenFrame:
		var data protocol.ScreenFrameData
		if err := msg.Decode(&data); err == nil {
			s.screen.RelayFrame(sess.Name, data.Frame)
		}

	case protocol.TypeDisconnect:
		return false

	default:
		s.log.WithFields(logrus.Fields{"user": sess.Name, "type": msg.Type}).Debug("ignoring unknown message type")
	}
	return true
}

func (s *Server) teardown(sess *session.Session) {
	s.screen.ReleaseOnExit(sess.Name)
	for _, relay := range s.relays {
		relay.RemoveSender(sess.Name)
	}
	s.registry.Unregister(sess.Name)
	metrics.ConnectedClients.Dec()
	sess.Conn.Close()
	s.broadcastRoster()
}

// broadcastRoster pushes the current user list to every connected client.
// Best-effort per recipient.
func (s *Server) broadcastRoster() {
	users := s.registry.Names()
	for _, sess := range s.registry.HandlesExcept("") {
		if err := sess.Conn.Send(protocol.TypeUserList, protocol.UserListData{Users: users}); err != nil {
			s.log.WithError(err).WithField("user", sess.Name).Debug("roster send failed")
		}
	}
}
