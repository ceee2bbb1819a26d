package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/duetapp/duet/internal/database"
	"github.com/duetapp/duet/internal/domain"
	"github.com/duetapp/duet/internal/pubsub"
)

func testChannel(t *testing.T) (*StoreChannel, *MemoryStore) {
	t.Helper()
	ps := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { ps.Close() })
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewStoreChannel(store, ps, logger), store
}

func offerPayload(t *testing.T) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"type": "offer", "sdp": "v=0..."})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestPublishOffer_DeliversNotice(t *testing.T) {
	ch, _ := testChannel(t)
	ctx := context.Background()

	caller := Identity{ID: uuid.New(), DisplayName: "Alice"}
	receiverID := uuid.New()
	callID := uuid.New()

	got := make(chan domain.IncomingCallNotice, 1)
	sub, err := ch.SubscribeIncoming(ctx, receiverID, func(n domain.IncomingCallNotice) {
		got <- n
	})
	if err != nil {
		t.Fatalf("SubscribeIncoming failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := ch.PublishOffer(ctx, callID, caller, receiverID, offerPayload(t)); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	select {
	case notice := <-got:
		if notice.CallID != callID {
			t.Errorf("got call ID %v, want %v", notice.CallID, callID)
		}
		if notice.FromDisplayName != "Alice" {
			t.Errorf("got display name %q, want Alice", notice.FromDisplayName)
		}
		if len(notice.Signal) == 0 {
			t.Error("notice carries no offer payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notice")
	}
}

func TestSubscribeIncoming_ReplaysPendingNotice(t *testing.T) {
	ch, _ := testChannel(t)
	ctx := context.Background()

	caller := Identity{ID: uuid.New(), DisplayName: "Alice"}
	receiverID := uuid.New()
	callID := uuid.New()

	// Offer placed while the receiver is offline
	if err := ch.PublishOffer(ctx, callID, caller, receiverID, offerPayload(t)); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	got := make(chan domain.IncomingCallNotice, 1)
	sub, err := ch.SubscribeIncoming(ctx, receiverID, func(n domain.IncomingCallNotice) {
		got <- n
	})
	if err != nil {
		t.Fatalf("SubscribeIncoming failed: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case notice := <-got:
		if notice.CallID != callID {
			t.Errorf("got call ID %v, want %v", notice.CallID, callID)
		}
	case <-time.After(time.Second):
		t.Fatal("pending notice was not replayed")
	}
}

func TestSubscribeIncoming_ClearedNoticeNotReplayed(t *testing.T) {
	ch, _ := testChannel(t)
	ctx := context.Background()

	caller := Identity{ID: uuid.New(), DisplayName: "Alice"}
	receiverID := uuid.New()
	callID := uuid.New()

	if err := ch.PublishOffer(ctx, callID, caller, receiverID, offerPayload(t)); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}
	if err := ch.ClearNotice(ctx, receiverID, callID); err != nil {
		t.Fatalf("ClearNotice failed: %v", err)
	}

	got := make(chan domain.IncomingCallNotice, 1)
	sub, err := ch.SubscribeIncoming(ctx, receiverID, func(n domain.IncomingCallNotice) {
		got <- n
	})
	if err != nil {
		t.Fatalf("SubscribeIncoming failed: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case <-got:
		t.Error("cleared notice should not be replayed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClearNotice_IgnoresStaleCallID(t *testing.T) {
	ch, store := testChannel(t)
	ctx := context.Background()

	receiverID := uuid.New()
	firstCall := uuid.New()
	secondCall := uuid.New()
	caller := Identity{ID: uuid.New(), DisplayName: "Alice"}

	if err := ch.PublishOffer(ctx, firstCall, caller, receiverID, offerPayload(t)); err != nil {
		t.Fatal(err)
	}
	if err := ch.PublishOffer(ctx, secondCall, caller, receiverID, offerPayload(t)); err != nil {
		t.Fatal(err)
	}

	// A late cancel for the first call must not wipe the newer invitation
	if err := ch.ClearNotice(ctx, receiverID, firstCall); err != nil {
		t.Fatal(err)
	}

	notice, err := store.GetNotice(ctx, receiverID)
	if err != nil {
		t.Fatal(err)
	}
	if notice == nil || notice.CallID != secondCall {
		t.Errorf("newer notice was lost: got %+v", notice)
	}
}

func TestPublishAnswer_NotifiesInitiator(t *testing.T) {
	ch, _ := testChannel(t)
	ctx := context.Background()

	caller := Identity{ID: uuid.New(), DisplayName: "Alice"}
	receiver := Identity{ID: uuid.New(), DisplayName: "Bob"}
	callID := uuid.New()

	events := make(chan CallEvent, 1)
	sub, err := ch.SubscribeCallEvents(ctx, caller.ID, func(e CallEvent) {
		if e.Type == EventTypeCallAnswered {
			events <- e
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := ch.PublishOffer(ctx, callID, caller, receiver.ID, offerPayload(t)); err != nil {
		t.Fatal(err)
	}

	answer, _ := json.Marshal(map[string]string{"type": "answer", "sdp": "v=0..."})
	if err := ch.PublishAnswer(ctx, callID, receiver, answer); err != nil {
		t.Fatalf("PublishAnswer failed: %v", err)
	}

	select {
	case e := <-events:
		if e.CallID != callID {
			t.Errorf("got call ID %v, want %v", e.CallID, callID)
		}
		if e.FromID != receiver.ID {
			t.Errorf("got from %v, want %v", e.FromID, receiver.ID)
		}
		if len(e.Payload) == 0 {
			t.Error("answer event carries no payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for answer event")
	}
}

func TestPublishAnswer_UnknownCall(t *testing.T) {
	ch, _ := testChannel(t)
	receiver := Identity{ID: uuid.New(), DisplayName: "Bob"}

	err := ch.PublishAnswer(context.Background(), uuid.New(), receiver, offerPayload(t))
	if err == nil {
		t.Error("expected error answering unknown call")
	}
}

func TestCall_ReturnsStoredRecord(t *testing.T) {
	ch, _ := testChannel(t)
	initiator := Identity{ID: uuid.New(), DisplayName: "Alice"}
	receiverID := uuid.New()
	callID := uuid.New()
	if err := ch.PublishOffer(context.Background(), callID, initiator, receiverID, offerPayload(t)); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	call, err := ch.Call(context.Background(), callID)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if call.InitiatorID != initiator.ID || call.ReceiverID != receiverID {
		t.Errorf("got parties %v/%v, want %v/%v", call.InitiatorID, call.ReceiverID, initiator.ID, receiverID)
	}

	if _, err := ch.Call(context.Background(), uuid.New()); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("got %v, want database.ErrNotFound", err)
	}
}

func TestMarkCallEnded_NotifiesBothParties(t *testing.T) {
	ch, store := testChannel(t)
	ctx := context.Background()

	caller := Identity{ID: uuid.New(), DisplayName: "Alice"}
	receiverID := uuid.New()
	callID := uuid.New()

	if err := ch.PublishOffer(ctx, callID, caller, receiverID, offerPayload(t)); err != nil {
		t.Fatal(err)
	}

	callerEvents := make(chan CallEvent, 1)
	receiverEvents := make(chan CallEvent, 1)
	onEnded := func(out chan CallEvent) func(CallEvent) {
		return func(e CallEvent) {
			if e.Type == EventTypeCallEnded {
				out <- e
			}
		}
	}
	sub1, err := ch.SubscribeCallEvents(ctx, caller.ID, onEnded(callerEvents))
	if err != nil {
		t.Fatal(err)
	}
	defer sub1.Unsubscribe()
	sub2, err := ch.SubscribeCallEvents(ctx, receiverID, onEnded(receiverEvents))
	if err != nil {
		t.Fatal(err)
	}
	defer sub2.Unsubscribe()

	if err := ch.MarkCallEnded(ctx, callID, domain.CallStatusEnded); err != nil {
		t.Fatalf("MarkCallEnded failed: %v", err)
	}

	for name, events := range map[string]chan CallEvent{"caller": callerEvents, "receiver": receiverEvents} {
		select {
		case e := <-events:
			if e.Status != domain.CallStatusEnded {
				t.Errorf("%s: got status %q, want ended", name, e.Status)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s never observed call end", name)
		}
	}

	call, err := store.GetCall(ctx, callID)
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != domain.CallStatusEnded {
		t.Errorf("stored status %q, want ended", call.Status)
	}
	if call.EndedAt == nil {
		t.Error("ended call has no end timestamp")
	}
}

func TestChatFrames_OrderedRegardlessOfArrival(t *testing.T) {
	ch, store := testChannel(t)
	ctx := context.Background()

	caller := Identity{ID: uuid.New(), DisplayName: "Alice"}
	receiverID := uuid.New()
	callID := uuid.New()
	if err := ch.PublishOffer(ctx, callID, caller, receiverID, offerPayload(t)); err != nil {
		t.Fatal(err)
	}

	// Insert frames directly with out-of-order timestamps, simulating
	// network reordering before the subscriber attaches.
	base := time.Now()
	texts := []string{"hi", "there", "friend"}
	order := []int{2, 0, 1}
	for _, i := range order {
		frame := &domain.ChatFrame{
			ID:                uuid.New(),
			CallID:            callID,
			SenderID:          caller.ID,
			SenderDisplayName: "Alice",
			Text:              texts[i],
			CreatedAt:         base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.InsertChatFrame(ctx, frame); err != nil {
			t.Fatal(err)
		}
	}

	lists := make(chan []domain.ChatFrame, 4)
	sub, err := ch.SubscribeChatFrames(ctx, callID, func(frames []domain.ChatFrame) {
		lists <- frames
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	select {
	case frames := <-lists:
		if len(frames) != 3 {
			t.Fatalf("got %d frames, want 3", len(frames))
		}
		for i, want := range texts {
			if frames[i].Text != want {
				t.Errorf("frame %d: got %q, want %q", i, frames[i].Text, want)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for chat snapshot")
	}
}

func TestSendChatFrame_Dedupes(t *testing.T) {
	ch, store := testChannel(t)
	ctx := context.Background()

	caller := Identity{ID: uuid.New(), DisplayName: "Alice"}
	receiverID := uuid.New()
	callID := uuid.New()
	if err := ch.PublishOffer(ctx, callID, caller, receiverID, offerPayload(t)); err != nil {
		t.Fatal(err)
	}

	frame := domain.ChatFrame{
		ID:                uuid.New(),
		CallID:            callID,
		SenderID:          caller.ID,
		SenderDisplayName: "Alice",
		Text:              "hello",
		CreatedAt:         time.Now(),
	}

	// Redelivery of the same frame must display at most once
	if err := ch.SendChatFrame(ctx, frame); err != nil {
		t.Fatal(err)
	}
	if err := ch.SendChatFrame(ctx, frame); err != nil {
		t.Fatal(err)
	}

	frames, err := store.ListChatFrames(ctx, callID)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Errorf("got %d frames, want 1", len(frames))
	}
}
