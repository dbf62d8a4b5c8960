package server

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marshwren/lanroom/internal/metrics"
	"github.com/marshwren/lanroom/internal/protocol"
	"github.com/marshwren/lanroom/internal/session"
)

// ChatRelay timestamps chat messages, keeps an in-memory history and fans
// each message out to every other participant.
type ChatRelay struct {
	registry *session.Registry
	log      *logrus.Entry

	mu      sync.Mutex
	history []protocol.ChatData
	limit   int // 0 means unbounded
}

func NewChatRelay(registry *session.Registry, historyLimit int) *ChatRelay {
	return &ChatRelay{
		registry: registry,
		log:      logrus.WithField("component", "chat"),
		limit:    historyLimit,
	}
}

// Publish stamps the message with the server clock and broadcasts it to
// everyone except the sender. Delivery is best-effort per recipient: one
// failed send never blocks the rest and is never fatal to the sender.
func (c *ChatRelay) Publish(sender, text string) {
	entry := protocol.ChatData{
		Username:  sender,
		Message:   text,
		Timestamp: time.Now().Format("15:04:05"),
	}

	c.mu.Lock()
	c.history = append(c.history, entry)
	if c.limit > 0 && len(c.history) > c.limit {
		c.history = c.history[len(c.history)-c.limit:]
	}
	c.mu.Unlock()

	metrics.ChatMessages.Inc()
	c.log.WithField("user", sender).Debug("chat message")

	for _, sess := range c.registry.HandlesExcept(sender) {
		if err := sess.Conn.Send(protocol.TypeChat, entry); err != nil {
			c.log.WithError(err).WithField("user", sess.Name).Warn("chat delivery failed")
		}
	}
}

// History returns a copy of the retained messages, oldest first.
func (c *ChatRelay) History() []protocol.ChatData {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ChatData, len(c.history))
	copy(out, c.history)
	return out
}
