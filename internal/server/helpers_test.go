package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marshwren/lanroom/internal/protocol"
	"github.com/marshwren/lanroom/internal/session"
)

// pipeClient registers a session over an in-memory pipe and drains the
// server-to-client stream into a channel so fan-out sends never block.
type pipeClient struct {
	sess *session.Session
	msgs chan *protocol.Message
}

func newPipeClient(t *testing.T, reg *session.Registry, name string) *pipeClient {
	t.Helper()
	srv, cli := net.Pipe()
	t.Cleanup(func() {
		srv.Close()
		cli.Close()
	})

	sess := reg.Register(name, protocol.NewConn(srv), &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	pc := &pipeClient{sess: sess, msgs: make(chan *protocol.Message, 32)}

	clientConn := protocol.NewConn(cli)
	go func() {
		for {
			msg, err := clientConn.Receive()
			if err != nil {
				close(pc.msgs)
				return
			}
			pc.msgs <- msg
		}
	}()
	return pc
}

// deadClient registers a session whose connection is already closed, so
// every send to it fails.
func newDeadClient(t *testing.T, reg *session.Registry, name string) *session.Session {
	t.Helper()
	srv, cli := net.Pipe()
	srv.Close()
	cli.Close()
	return reg.Register(name, protocol.NewConn(srv), &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
}

// expect reads messages until one of the wanted type arrives.
func (pc *pipeClient) expect(t *testing.T, msgType string) *protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-pc.msgs:
			require.True(t, ok, "connection closed while waiting for %s", msgType)
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

// expectNone asserts no message of the given type arrives within the window.
func (pc *pipeClient) expectNone(t *testing.T, msgType string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case msg, ok := <-pc.msgs:
			if !ok {
				return
			}
			require.NotEqual(t, msgType, msg.Type, "unexpected %s", msgType)
		case <-deadline:
			return
		}
	}
}
