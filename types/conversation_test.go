package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_ExactlyOneIdentity(t *testing.T) {
	u := UserSender("u1")
	id, ok := u.UserID()
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
	_, ok = u.AgentID()
	assert.False(t, ok)

	a := AISender("a1")
	id, ok = a.AgentID()
	assert.True(t, ok)
	assert.Equal(t, "a1", id)
	_, ok = a.UserID()
	assert.False(t, ok)

	assert.True(t, Sender{}.IsZero())
}

func TestSender_JSON(t *testing.T) {
	data, err := json.Marshal(AISender("agent-7"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ai","id":"agent-7"}`, string(data))

	var s Sender
	require.NoError(t, json.Unmarshal([]byte(`{"type":"user","id":"u9"}`), &s))
	assert.Equal(t, SenderUser, s.Kind())

	assert.Error(t, json.Unmarshal([]byte(`{"type":"bot","id":"x"}`), &s))
	assert.Error(t, json.Unmarshal([]byte(`{"type":"user","id":""}`), &s))
}

func TestConversation_StopConditions(t *testing.T) {
	maxTurns := int64(3)
	maxTokens := int64(1000)
	c := &Conversation{Status: ConversationActive, MaxTurns: &maxTurns, MaxTokens: &maxTokens}

	assert.True(t, c.IsActive())
	assert.False(t, c.TurnsExhausted())
	c.ResponseCount = 3
	assert.True(t, c.TurnsExhausted())

	assert.False(t, c.TokensExhausted())
	c.TotalTokens = 1000
	assert.True(t, c.TokensExhausted())

	c.Status = ConversationPaused
	assert.False(t, c.IsActive())
}

func TestConversation_SelectionMode(t *testing.T) {
	c := &Conversation{Mode: ModeModerated}
	assert.Equal(t, ModeOnDemand, c.SelectionMode())
	c.ModeratedSelection = ModeFree
	assert.Equal(t, ModeFree, c.SelectionMode())
	c.Mode = ModeEmergent
	assert.Equal(t, ModeEmergent, c.SelectionMode())
}

func TestMessage_ContentPreview(t *testing.T) {
	m := &Message{Content: "hello\n   world  again"}
	assert.Equal(t, "hello world again", m.ContentPreview(0))
	assert.Equal(t, "hello…", m.ContentPreview(5))
}

func TestMessage_Deliverable(t *testing.T) {
	assert.True(t, (&Message{Status: MessageSent}).Deliverable())
	assert.True(t, (&Message{Status: MessageFailed}).Deliverable())
	assert.False(t, (&Message{Status: MessagePending}).Deliverable())
	assert.False(t, (&Message{Status: MessageSent, IsInnerDialogue: true}).Deliverable())
}
