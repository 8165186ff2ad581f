// ABOUTME: End-to-end tests for websocket sessions over httptest
// ABOUTME: Covers registration, presence cleanup on disconnect, history and save-only messages

package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/presence"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/store"
)

type testEnv struct {
	store    *store.MockStore
	convs    *conversation.Service
	registry *presence.Registry
	topics   *Topics
	server   *Server
	url      string
}

func newTestEnv(t *testing.T, verifier auth.TokenVerifier) *testEnv {
	t.Helper()
	s := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: "agent-1", Username: "alice"}))
	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: "agent-2", Username: "bob"}))

	env := &testEnv{
		store:    s,
		convs:    conversation.New(s, routing.NewAssigner(nil).Assign, nil, nil),
		registry: presence.NewRegistry(nil),
		topics:   NewTopics(nil),
	}
	env.server = NewServer(Config{PingInterval: time.Second}, Deps{
		Registry:      env.registry,
		Topics:        env.topics,
		Agents:        s,
		Conversations: env.convs,
		Views:         NewViews(s, env.registry),
		Verifier:      verifier,
	}, nil)

	hs := httptest.NewServer(env.server)
	t.Cleanup(func() {
		_ = env.server.Shutdown(context.Background())
		hs.Close()
	})
	env.url = "ws" + strings.TrimPrefix(hs.URL, "http")
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Frame{Event: event, Data: raw}))
}

// expect reads frames until one named event arrives and returns its data.
func expect(t *testing.T, ws *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f Frame
		require.NoError(t, ws.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f.Data
		}
	}
}

func TestServer_RegisterAgentAndDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ws := env.dial(t)
	emit(t, ws, EventRegisterAgent, "agent-1")
	expect(t, ws, EventRegistered)

	assert.True(t, env.registry.IsPresent("agent-1"))
	agent, err := env.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Online)

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		return !env.registry.IsPresent("agent-1")
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		a, err := env.store.GetAgent(ctx, "agent-1")
		return err == nil && !a.Online
	}, 3*time.Second, 10*time.Millisecond)

	fanout := NewFanout(env.registry, env.topics, nil)
	assert.False(t, fanout.PushToAgent("agent-1", presence.Event{Name: "incoming_message"}))
}

func TestServer_SupersededConnectionDoesNotMarkOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := env.dial(t)
	emit(t, first, EventRegisterAgent, map[string]string{"agentId": "agent-1"})
	expect(t, first, EventRegistered)

	second := env.dial(t)
	emit(t, second, EventRegisterAgent, "agent-1")
	expect(t, second, EventRegistered)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return env.server.ConnCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	assert.True(t, env.registry.IsPresent("agent-1"))
	agent, err := env.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Online)
}

func TestServer_RegisterUnknownAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t)

	emit(t, ws, EventRegisterAgent, "nobody")
	data := expect(t, ws, EventError)
	assert.Contains(t, string(data), "unknown agent")
	assert.False(t, env.registry.IsPresent("nobody"))
}

func TestServer_RegisterRequiresTokenWhenConfigured(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("k"))
	env := newTestEnv(t, verifier)
	ws := env.dial(t)

	emit(t, ws, EventRegisterAgent, "agent-1")
	expect(t, ws, EventError)
	assert.False(t, env.registry.IsPresent("agent-1"))

	other, err := verifier.Generate("agent-2", auth.RoleAgent, time.Hour)
	require.NoError(t, err)
	emit(t, ws, EventRegisterAgent, map[string]string{"agentId": "agent-1", "token": other})
	expect(t, ws, EventError)

	token, err := verifier.Generate("agent-1", auth.RoleAgent, time.Hour)
	require.NoError(t, err)
	emit(t, ws, EventRegisterAgent, map[string]string{"agentId": "agent-1", "token": token})
	expect(t, ws, EventRegistered)
	assert.True(t, env.registry.IsPresent("agent-1"))
}

func TestServer_AdminRegister(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, _, err := env.convs.FindOrCreate(ctx, "+1555")
	require.NoError(t, err)

	admin := env.dial(t)
	emit(t, admin, EventAdminRegister, "admin-1")

	var agents []AgentStatus
	require.NoError(t, json.Unmarshal(expect(t, admin, EventAgentsStatus), &agents))
	require.Len(t, agents, 2)
	assert.Equal(t, "alice", agents[0].Username)
	assert.Equal(t, 1, agents[0].ActiveChats)

	var chats []ChatSummary
	require.NoError(t, json.Unmarshal(expect(t, admin, EventActiveChats), &chats))
	require.Len(t, chats, 1)
	assert.Equal(t, "+1555", chats[0].Customer)
	assert.Equal(t, "alice", chats[0].Agent)

	// An agent coming online refreshes the admin view.
	agent := env.dial(t)
	emit(t, agent, EventRegisterAgent, "agent-2")
	require.NoError(t, json.Unmarshal(expect(t, admin, EventAgentsStatus), &agents))
	assert.True(t, agents[1].Online)
	assert.True(t, agents[1].Connected)

	n, err := env.server.BroadcastAllChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	expect(t, admin, EventAdminAllChats)
}

func TestServer_LoadMessagesMarksRead(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	conv, _, err := env.convs.FindOrCreate(ctx, "+1555")
	require.NoError(t, err)
	require.Equal(t, "agent-1", conv.AssignedAgentID)
	for _, body := range []string{"one", "two"} {
		_, _, err := env.convs.Append(ctx, &store.Message{ConversationID: conv.ID, Sender: store.SenderCustomer, Content: store.Text{Body: body}})
		require.NoError(t, err)
		require.NoError(t, env.convs.Touch(ctx, conv.ID, 1, "agent-1"))
	}

	ws := env.dial(t)
	emit(t, ws, EventRegisterAgent, "agent-1")
	expect(t, ws, EventRegistered)

	emit(t, ws, EventLoadMessages, "+1555")
	var history []conversation.MessageView
	require.NoError(t, json.Unmarshal(expect(t, ws, EventChatHistory), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Message)
	assert.Equal(t, "two", history[1].Message)

	got, err := env.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UnreadCount)

	emit(t, ws, EventLoadMessages, "+1999")
	require.NoError(t, json.Unmarshal(expect(t, ws, EventChatHistory), &history))
	assert.Empty(t, history)
}

func TestServer_AgentMessageIsSaveOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ws := env.dial(t)
	emit(t, ws, EventRegisterAgent, "agent-2")
	expect(t, ws, EventRegistered)

	emit(t, ws, EventAgentMessage, map[string]any{"to": "+1777", "message": "hello"})
	var saved conversation.MessageView
	require.NoError(t, json.Unmarshal(expect(t, ws, EventMessageSaved), &saved))
	assert.Equal(t, "hello", saved.Message)
	assert.Equal(t, store.SenderAgent, saved.Sender)
	assert.Equal(t, "agent-2", saved.SenderID)

	conv, err := env.store.GetConversationByCustomer(ctx, "+1777")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", conv.AssignedAgentID)

	emit(t, ws, EventAgentMessage, map[string]any{"message": "no recipient"})
	assert.Contains(t, string(expect(t, ws, EventError)), "missing recipient")
}

// next reads exactly one frame.
func next(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestServer_UnregisteredConversationEventsRejectedWhenAuthOn(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("k"))
	env := newTestEnv(t, verifier)
	ctx := context.Background()

	conv, _, err := env.convs.FindOrCreate(ctx, "+1555")
	require.NoError(t, err)
	_, _, err = env.convs.Append(ctx, &store.Message{ConversationID: conv.ID, Sender: store.SenderCustomer, Content: store.Text{Body: "secret"}})
	require.NoError(t, err)

	ws := env.dial(t)
	emit(t, ws, EventLoadMessages, "+1555")
	f := next(t, ws)
	assert.Equal(t, EventError, f.Event, "no chat_history before registering")
	assert.NotContains(t, string(f.Data), "secret")

	emit(t, ws, EventAgentMessage, map[string]any{"to": "+1777", "message": "hi", "agentId": "agent-2"})
	assert.Equal(t, EventError, next(t, ws).Event)
	_, err = env.store.GetConversationByCustomer(ctx, "+1777")
	assert.ErrorIs(t, err, store.ErrNotFound)

	token, err := verifier.Generate("agent-1", auth.RoleAgent, time.Hour)
	require.NoError(t, err)
	emit(t, ws, EventRegisterAgent, map[string]string{"agentId": "agent-1", "token": token})
	expect(t, ws, EventRegistered)

	emit(t, ws, EventLoadMessages, "+1555")
	var history []conversation.MessageView
	require.NoError(t, json.Unmarshal(expect(t, ws, EventChatHistory), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "secret", history[0].Message)
}

func TestServer_AgentMessageAgentChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	agent := env.dial(t)
	emit(t, agent, EventRegisterAgent, "agent-2")
	expect(t, agent, EventRegistered)

	emit(t, agent, EventAgentMessage, map[string]any{"to": "+1777", "message": "hi", "agentId": "agent-1"})
	assert.Contains(t, string(expect(t, agent, EventError)), "does not match")

	admin := env.dial(t)
	emit(t, admin, EventAdminRegister, "admin-1")
	expect(t, admin, EventActiveChats)

	emit(t, admin, EventAgentMessage, map[string]any{"to": "+1777", "message": "hi", "agentId": "ghost"})
	assert.Contains(t, string(expect(t, admin, EventError)), "unknown agent")

	_, err := env.store.GetConversationByCustomer(ctx, "+1777")
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected messages create no conversation")

	emit(t, admin, EventAgentMessage, map[string]any{"to": "+1777", "message": "on behalf", "agentId": "agent-1"})
	var saved conversation.MessageView
	require.NoError(t, json.Unmarshal(expect(t, admin, EventMessageSaved), &saved))
	assert.Equal(t, "agent-1", saved.SenderID)
}

func TestServer_UnknownEventAndBadFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	ws := env.dial(t)

	emit(t, ws, "transfer_chat", map[string]string{})
	assert.Contains(t, string(expect(t, ws, EventError)), "unknown event")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Contains(t, string(expect(t, ws, EventError)), "invalid frame")
}

func TestMakeUpgrader_CheckOrigin(t *testing.T) {
	up := makeUpgrader([]string{"https://desk.example"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, up.CheckOrigin(req), "non-browser clients have no origin")

	req.Header.Set("Origin", "https://desk.example")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, up.CheckOrigin(req))

	open := makeUpgrader(nil)
	assert.True(t, open.CheckOrigin(req))
}
