package peer

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/duetapp/duet/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func acquireHandle(t *testing.T, streamID string) *media.Handle {
	t.Helper()
	handle, err := media.NewStaticSource(streamID).Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire media: %v", err)
	}
	return handle
}

func TestPionEngine_OfferAnswerExchange(t *testing.T) {
	engine := NewPionEngine(nil, testLogger())

	offerCh := make(chan json.RawMessage, 1)
	outbound, err := engine.Outbound(acquireHandle(t, "caller"), Callbacks{
		OnSignal: func(p json.RawMessage) { offerCh <- p },
	})
	if err != nil {
		t.Fatalf("Outbound failed: %v", err)
	}
	defer outbound.Destroy()

	var offer json.RawMessage
	select {
	case offer = <-offerCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for offer payload")
	}

	// Payload must be a decodable description but is treated as opaque upstream
	var desc map[string]any
	if err := json.Unmarshal(offer, &desc); err != nil {
		t.Fatalf("offer payload is not valid JSON: %v", err)
	}
	if desc["type"] != "offer" {
		t.Errorf("got payload type %v, want offer", desc["type"])
	}

	answerCh := make(chan json.RawMessage, 1)
	inbound, err := engine.Inbound(acquireHandle(t, "callee"), offer, Callbacks{
		OnSignal: func(p json.RawMessage) { answerCh <- p },
	})
	if err != nil {
		t.Fatalf("Inbound failed: %v", err)
	}
	defer inbound.Destroy()

	var answer json.RawMessage
	select {
	case answer = <-answerCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for answer payload")
	}

	if err := outbound.AcceptRemoteSignal(answer); err != nil {
		t.Fatalf("AcceptRemoteSignal failed: %v", err)
	}

	// A replayed answer is absorbed, not an error
	if err := outbound.AcceptRemoteSignal(answer); err != nil {
		t.Errorf("replayed answer: got %v, want nil", err)
	}
}

func TestPionSession_DestroyIdempotent(t *testing.T) {
	engine := NewPionEngine(nil, testLogger())

	closed := make(chan error, 1)
	s, err := engine.Outbound(acquireHandle(t, "caller"), Callbacks{
		OnClosed: func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("Outbound failed: %v", err)
	}

	s.Destroy()
	s.Destroy()

	// Local destroy must not fire OnClosed
	select {
	case err := <-closed:
		t.Errorf("OnClosed fired after local destroy: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := s.AcceptRemoteSignal(json.RawMessage(`{}`)); err != ErrDestroyed {
		t.Errorf("AcceptRemoteSignal after destroy: got %v, want ErrDestroyed", err)
	}
	if err := s.SendData("hi"); err != ErrDestroyed {
		t.Errorf("SendData after destroy: got %v, want ErrDestroyed", err)
	}
}

func TestPionSession_SendDataBeforeChannelOpens(t *testing.T) {
	engine := NewPionEngine(nil, testLogger())

	s, err := engine.Outbound(acquireHandle(t, "caller"), Callbacks{})
	if err != nil {
		t.Fatalf("Outbound failed: %v", err)
	}
	defer s.Destroy()

	if err := s.SendData("too early"); err != ErrNoDataChannel {
		t.Errorf("got %v, want ErrNoDataChannel", err)
	}
}

func TestPionEngine_InboundRejectsGarbageOffer(t *testing.T) {
	engine := NewPionEngine(nil, testLogger())

	_, err := engine.Inbound(acquireHandle(t, "callee"), json.RawMessage(`not json`), Callbacks{})
	if err == nil {
		t.Error("expected error for undecodable offer")
	}
}
