package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshwren/lanroom/internal/protocol"
	"github.com/marshwren/lanroom/internal/session"
)

func TestChatFanOutSkipsSender(t *testing.T) {
	reg := session.NewRegistry()
	chat := NewChatRelay(reg, 0)

	bob := newPipeClient(t, reg, "bob")
	carol := newPipeClient(t, reg, "carol")

	chat.Publish("bob", "hi there")

	msg := carol.expect(t, protocol.TypeChat)
	var data protocol.ChatData
	require.NoError(t, msg.Decode(&data))
	assert.Equal(t, "bob", data.Username)
	assert.Equal(t, "hi there", data.Message)
	assert.NotEmpty(t, data.Timestamp)

	bob.expectNone(t, protocol.TypeChat, 200*time.Millisecond)
}

func TestChatFanOutIsolation(t *testing.T) {
	reg := session.NewRegistry()
	chat := NewChatRelay(reg, 0)

	alice := newPipeClient(t, reg, "alice")
	newDeadClient(t, reg, "broken")
	carol := newPipeClient(t, reg, "carol")

	// One dead recipient must not prevent delivery to the other two.
	chat.Publish("bob", "still delivered")

	for _, pc := range []*pipeClient{alice, carol} {
		msg := pc.expect(t, protocol.TypeChat)
		var data protocol.ChatData
		require.NoError(t, msg.Decode(&data))
		assert.Equal(t, "still delivered", data.Message)
	}
}

func TestChatHistory(t *testing.T) {
	reg := session.NewRegistry()
	chat := NewChatRelay(reg, 0)

	chat.Publish("alice", "first")
	chat.Publish("bob", "second")

	history := chat.History()
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Message)
	assert.Equal(t, "second", history[1].Message)

	// Mutating the copy must not touch the relay's own history.
	history[0].Message = "tampered"
	assert.Equal(t, "first", chat.History()[0].Message)
}

func TestChatHistoryCap(t *testing.T) {
	reg := session.NewRegistry()
	chat := NewChatRelay(reg, 3)

	for i := 0; i < 10; i++ {
		chat.Publish("alice", fmt.Sprintf("msg %d", i))
	}

	history := chat.History()
	require.Len(t, history, 3)
	assert.Equal(t, "msg 7", history[0].Message)
	assert.Equal(t, "msg 9", history[2].Message)
}
