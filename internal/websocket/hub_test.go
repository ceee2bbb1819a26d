package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetapp/duet/internal/auth"
	"github.com/duetapp/duet/internal/domain"
	"github.com/duetapp/duet/internal/pubsub"
	"github.com/duetapp/duet/internal/signaling"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

// fakeUsers backs both the auth service and the hub's directory lookups
type fakeUsers struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*domain.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[uuid.UUID]*domain.User)}
}

func (f *fakeUsers) add(u *domain.User) {
	f.mu.Lock()
	f.byID[u.ID] = u
	f.mu.Unlock()
}

func (f *fakeUsers) Create(ctx context.Context, user *domain.User, passwordHash string) error {
	f.add(user)
	return nil
}

func (f *fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (f *fakeUsers) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Username == username {
			copied := *u
			return &copied, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (f *fakeUsers) GetPasswordHash(ctx context.Context, userID uuid.UUID) (string, error) {
	return "", domain.ErrUserNotFound
}

func (f *fakeUsers) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := f.GetByEmail(ctx, email)
	return err == nil, nil
}

func (f *fakeUsers) UsernameExists(ctx context.Context, username string) (bool, error) {
	_, err := f.GetByUsername(ctx, username)
	return err == nil, nil
}

func (f *fakeUsers) SetPartner(ctx context.Context, userID, partnerID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[userID].PartnerID = &partnerID
	f.byID[partnerID].PartnerID = &userID
	return nil
}

type gatewayFixture struct {
	hub    *Hub
	tokens *auth.TokenService
	users  *fakeUsers
	store  *signaling.MemoryStore
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := auth.NewTokenService(testSigningKey)
	require.NoError(t, err)
	users := newFakeUsers()
	authService := auth.NewService(users, tokens)

	store := signaling.NewMemoryStore()
	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { ps.Close() })
	channel := signaling.NewStoreChannel(store, ps, logger)

	ice := []ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	return &gatewayFixture{
		hub:    NewHub(authService, users, channel, ice, logger),
		tokens: tokens,
		users:  users,
		store:  store,
	}
}

func (f *gatewayFixture) addUser(t *testing.T, username, displayName string) *domain.User {
	t.Helper()
	u := &domain.User{
		ID:          uuid.New(),
		Username:    username,
		Email:       username + "@example.com",
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	f.users.add(u)
	return u
}

func newTestClient() *Client {
	return &Client{
		send:   make(chan []byte, 256),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func mustMessage(t *testing.T, eventType string, payload interface{}) *Message {
	t.Helper()
	msg, err := NewMessage(eventType, payload)
	require.NoError(t, err)
	return msg
}

// nextMessage drains the client's send queue until a message of wantType
// arrives, skipping unrelated events.
func nextMessage(t *testing.T, c *Client, wantType string) *Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.send:
			var msg Message
			require.NoError(t, json.Unmarshal(data, &msg))
			if msg.Type == wantType {
				return &msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}
}

func authClient(t *testing.T, f *gatewayFixture, c *Client, u *domain.User) {
	t.Helper()
	token, _, err := f.tokens.GenerateToken(u.ID, u.Username)
	require.NoError(t, err)
	f.hub.HandleMessage(c, mustMessage(t, EventTypeAuth, AuthPayload{Token: token}))

	msg := nextMessage(t, c, EventTypeAuthSuccess)
	var p AuthSuccessPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	require.Equal(t, u.ID, p.UserID)
}

func TestHandleAuth_Success(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	c := newTestClient()

	token, _, err := f.tokens.GenerateToken(alice.ID, alice.Username)
	require.NoError(t, err)
	f.hub.HandleMessage(c, mustMessage(t, EventTypeAuth, AuthPayload{Token: token}))

	msg := nextMessage(t, c, EventTypeAuthSuccess)
	var p AuthSuccessPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, alice.ID, p.UserID)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "Alice", p.DisplayName)

	cfg := nextMessage(t, c, EventTypeCallConfig)
	var cp CallConfigPayload
	require.NoError(t, json.Unmarshal(cfg.Payload, &cp))
	require.Len(t, cp.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cp.ICEServers[0].URLs)

	assert.True(t, c.IsAuthenticated())
	assert.True(t, f.hub.IsUserOnline(alice.ID))
}

func TestHandleAuth_InvalidToken(t *testing.T) {
	f := newGatewayFixture(t)
	c := newTestClient()

	f.hub.HandleMessage(c, mustMessage(t, EventTypeAuth, AuthPayload{Token: "garbage"}))

	msg := nextMessage(t, c, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "auth_failed", p.Code)
	assert.False(t, c.IsAuthenticated())
}

func TestInvite_RequiresAuth(t *testing.T) {
	f := newGatewayFixture(t)
	c := newTestClient()

	f.hub.HandleMessage(c, mustMessage(t, EventTypeCallInvite, CallInvitePayload{
		To:     uuid.NewString(),
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))

	msg := nextMessage(t, c, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "not_authenticated", p.Code)
}

func TestInvite_DeliversIncoming(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	bee := f.addUser(t, "bee", "Bee")

	ca, cb := newTestClient(), newTestClient()
	authClient(t, f, ca, alice)
	authClient(t, f, cb, bee)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	f.hub.HandleMessage(ca, mustMessage(t, EventTypeCallInvite, CallInvitePayload{
		To:     bee.ID.String(),
		Signal: offer,
	}))

	placed := nextMessage(t, ca, EventTypeCallPlaced)
	var pp CallPlacedPayload
	require.NoError(t, json.Unmarshal(placed.Payload, &pp))
	assert.NotEqual(t, uuid.Nil, pp.CallID)

	incoming := nextMessage(t, cb, EventTypeCallIncoming)
	var notice domain.IncomingCallNotice
	require.NoError(t, json.Unmarshal(incoming.Payload, &notice))
	assert.Equal(t, pp.CallID, notice.CallID)
	assert.Equal(t, alice.ID, notice.From)
	assert.Equal(t, "Alice", notice.FromDisplayName)
	assert.JSONEq(t, string(offer), string(notice.Signal))
}

func TestInvite_OfflineReceiverGetsReplay(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	bee := f.addUser(t, "bee", "Bee")

	ca := newTestClient()
	authClient(t, f, ca, alice)

	f.hub.HandleMessage(ca, mustMessage(t, EventTypeCallInvite, CallInvitePayload{
		To:     bee.ID.String(),
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))
	nextMessage(t, ca, EventTypeCallPlaced)

	// Bee connects after the invitation was published
	cb := newTestClient()
	authClient(t, f, cb, bee)

	incoming := nextMessage(t, cb, EventTypeCallIncoming)
	var notice domain.IncomingCallNotice
	require.NoError(t, json.Unmarshal(incoming.Payload, &notice))
	assert.Equal(t, alice.ID, notice.From)
}

func TestInvite_RestrictedToPartner(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	bee := f.addUser(t, "bee", "Bee")
	f.addUser(t, "mallory", "Mallory")
	require.NoError(t, f.users.SetPartner(context.Background(), alice.ID, bee.ID))

	mallory, err := f.users.GetByUsername(context.Background(), "mallory")
	require.NoError(t, err)

	ca := newTestClient()
	authClient(t, f, ca, alice)

	f.hub.HandleMessage(ca, mustMessage(t, EventTypeCallInvite, CallInvitePayload{
		To:     mallory.ID.String(),
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))

	msg := nextMessage(t, ca, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "not_partner", p.Code)
}

func TestAnswer_NotifiesInitiator(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	bee := f.addUser(t, "bee", "Bee")

	ca, cb := newTestClient(), newTestClient()
	authClient(t, f, ca, alice)
	authClient(t, f, cb, bee)

	f.hub.HandleMessage(ca, mustMessage(t, EventTypeCallInvite, CallInvitePayload{
		To:     bee.ID.String(),
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))
	incoming := nextMessage(t, cb, EventTypeCallIncoming)
	var notice domain.IncomingCallNotice
	require.NoError(t, json.Unmarshal(incoming.Payload, &notice))

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	f.hub.HandleMessage(cb, mustMessage(t, EventTypeCallAnswer, CallAnswerPayload{
		CallID: notice.CallID.String(),
		Signal: answer,
	}))

	answered := nextMessage(t, ca, EventTypeCallAnswered)
	var event signaling.CallEvent
	require.NoError(t, json.Unmarshal(answered.Payload, &event))
	assert.Equal(t, notice.CallID, event.CallID)
	assert.Equal(t, bee.ID, event.FromID)
	assert.JSONEq(t, string(answer), string(event.Payload))

	// The answer resolved the invitation
	pending, err := f.store.GetNotice(context.Background(), bee.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestAnswer_UnknownCall(t *testing.T) {
	f := newGatewayFixture(t)
	bee := f.addUser(t, "bee", "Bee")
	cb := newTestClient()
	authClient(t, f, cb, bee)

	f.hub.HandleMessage(cb, mustMessage(t, EventTypeCallAnswer, CallAnswerPayload{
		CallID: uuid.NewString(),
		Signal: json.RawMessage(`{"type":"answer"}`),
	}))

	msg := nextMessage(t, cb, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "call_not_found", p.Code)
}

func TestDecline_EndsCallForInitiator(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	bee := f.addUser(t, "bee", "Bee")

	ca, cb := newTestClient(), newTestClient()
	authClient(t, f, ca, alice)
	authClient(t, f, cb, bee)

	f.hub.HandleMessage(ca, mustMessage(t, EventTypeCallInvite, CallInvitePayload{
		To:     bee.ID.String(),
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))
	incoming := nextMessage(t, cb, EventTypeCallIncoming)
	var notice domain.IncomingCallNotice
	require.NoError(t, json.Unmarshal(incoming.Payload, &notice))

	f.hub.HandleMessage(cb, mustMessage(t, EventTypeCallDecline, CallDeclinePayload{
		CallID: notice.CallID.String(),
	}))

	ended := nextMessage(t, ca, EventTypeCallEnded)
	var event signaling.CallEvent
	require.NoError(t, json.Unmarshal(ended.Payload, &event))
	assert.Equal(t, domain.CallStatusDeclined, event.Status)

	pending, err := f.store.GetNotice(context.Background(), bee.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestChat_SnapshotStaysOrdered(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	bee := f.addUser(t, "bee", "Bee")

	ca, cb := newTestClient(), newTestClient()
	authClient(t, f, ca, alice)
	authClient(t, f, cb, bee)

	f.hub.HandleMessage(ca, mustMessage(t, EventTypeCallInvite, CallInvitePayload{
		To:     bee.ID.String(),
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))
	incoming := nextMessage(t, cb, EventTypeCallIncoming)
	var notice domain.IncomingCallNotice
	require.NoError(t, json.Unmarshal(incoming.Payload, &notice))
	f.hub.HandleMessage(cb, mustMessage(t, EventTypeCallAnswer, CallAnswerPayload{
		CallID: notice.CallID.String(),
		Signal: json.RawMessage(`{"type":"answer"}`),
	}))

	callID := notice.CallID.String()
	f.hub.HandleMessage(ca, mustMessage(t, EventTypeChatSend, ChatSendPayload{CallID: callID, Text: "hi"}))
	f.hub.HandleMessage(ca, mustMessage(t, EventTypeChatSend, ChatSendPayload{CallID: callID, Text: "there"}))

	for _, c := range []*Client{ca, cb} {
		var snap ChatSnapshotPayload
		deadline := time.Now().Add(2 * time.Second)
		for {
			msg := nextMessage(t, c, EventTypeChatSnapshot)
			require.NoError(t, json.Unmarshal(msg.Payload, &snap))
			if len(snap.Frames) == 2 || time.Now().After(deadline) {
				break
			}
		}
		require.Len(t, snap.Frames, 2)
		assert.Equal(t, "hi", snap.Frames[0].Text)
		assert.Equal(t, "there", snap.Frames[1].Text)
		assert.Equal(t, "Alice", snap.Frames[0].SenderDisplayName)
	}
}

// startCall places alice's call to bee and has bee answer it, returning
// the call ID.
func startCall(t *testing.T, f *gatewayFixture, ca, cb *Client, bee *domain.User) uuid.UUID {
	t.Helper()
	f.hub.HandleMessage(ca, mustMessage(t, EventTypeCallInvite, CallInvitePayload{
		To:     bee.ID.String(),
		Signal: json.RawMessage(`{"type":"offer"}`),
	}))
	incoming := nextMessage(t, cb, EventTypeCallIncoming)
	var notice domain.IncomingCallNotice
	require.NoError(t, json.Unmarshal(incoming.Payload, &notice))
	f.hub.HandleMessage(cb, mustMessage(t, EventTypeCallAnswer, CallAnswerPayload{
		CallID: notice.CallID.String(),
		Signal: json.RawMessage(`{"type":"answer"}`),
	}))
	nextMessage(t, ca, EventTypeCallAnswered)
	return notice.CallID
}

func expectError(t *testing.T, c *Client, wantCode string) {
	t.Helper()
	msg := nextMessage(t, c, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, wantCode, p.Code)
}

func TestChat_RejectsNonParticipant(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	bee := f.addUser(t, "bee", "Bee")
	mallory := f.addUser(t, "mallory", "Mallory")

	ca, cb, cm := newTestClient(), newTestClient(), newTestClient()
	authClient(t, f, ca, alice)
	authClient(t, f, cb, bee)
	authClient(t, f, cm, mallory)

	callID := startCall(t, f, ca, cb, bee)

	f.hub.HandleMessage(cm, mustMessage(t, EventTypeChatSend, ChatSendPayload{
		CallID: callID.String(),
		Text:   "let me in",
	}))
	expectError(t, cm, "not_participant")

	f.hub.HandleMessage(cm, mustMessage(t, EventTypeChatHistory, ChatHistoryPayload{
		CallID: callID.String(),
	}))
	expectError(t, cm, "not_participant")

	// Nothing leaked into the call's history
	frames, err := f.store.ListChatFrames(context.Background(), callID)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestLeave_RejectsNonParticipant(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	bee := f.addUser(t, "bee", "Bee")
	mallory := f.addUser(t, "mallory", "Mallory")

	ca, cb, cm := newTestClient(), newTestClient(), newTestClient()
	authClient(t, f, ca, alice)
	authClient(t, f, cb, bee)
	authClient(t, f, cm, mallory)

	callID := startCall(t, f, ca, cb, bee)

	f.hub.HandleMessage(cm, mustMessage(t, EventTypeCallLeave, CallLeavePayload{
		CallID: callID.String(),
	}))
	expectError(t, cm, "not_participant")

	f.hub.HandleMessage(cm, mustMessage(t, EventTypeCallDecline, CallDeclinePayload{
		CallID: callID.String(),
	}))
	expectError(t, cm, "not_participant")

	// The call survives the outsider's teardown attempts
	call, err := f.store.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, call.Status)

	// A real participant can still hang up
	f.hub.HandleMessage(cb, mustMessage(t, EventTypeCallLeave, CallLeavePayload{
		CallID: callID.String(),
	}))
	ended := nextMessage(t, ca, EventTypeCallEnded)
	var event signaling.CallEvent
	require.NoError(t, json.Unmarshal(ended.Payload, &event))
	assert.Equal(t, domain.CallStatusEnded, event.Status)
}

func TestLeave_UnknownCall(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	ca := newTestClient()
	authClient(t, f, ca, alice)

	f.hub.HandleMessage(ca, mustMessage(t, EventTypeCallLeave, CallLeavePayload{
		CallID: uuid.NewString(),
	}))
	expectError(t, ca, "call_not_found")
}

func TestChat_RejectsEmptyText(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	ca := newTestClient()
	authClient(t, f, ca, alice)

	f.hub.HandleMessage(ca, mustMessage(t, EventTypeChatSend, ChatSendPayload{
		CallID: uuid.NewString(),
		Text:   "   ",
	}))

	msg := nextMessage(t, ca, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "empty_message", p.Code)
}

func TestSend_AfterUnregisterDrops(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.addUser(t, "alice", "Alice")
	c := newTestClient()
	authClient(t, f, c, alice)

	f.hub.handleUnregister(c)

	// A pubsub delivery racing the disconnect must not panic on the
	// closed queue
	require.NoError(t, c.Send(mustMessage(t, EventTypeCallEnded, nil)))

	// Unregistering twice is harmless
	f.hub.handleUnregister(c)
}

func TestUnknownEventType(t *testing.T) {
	f := newGatewayFixture(t)
	c := newTestClient()

	f.hub.HandleMessage(c, &Message{Type: "bogus.event"})

	msg := nextMessage(t, c, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "unknown_event", p.Code)
}
