package signaling

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duetapp/duet/internal/database"
	"github.com/duetapp/duet/internal/domain"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// It mirrors the Postgres repository's semantics: append-only calls,
// first-wins signal reads, notice clears guarded by call ID, chat frames
// de-duplicated on ID and ordered by timestamp.
type MemoryStore struct {
	mu      sync.Mutex
	calls   map[uuid.UUID]*domain.CallSession
	signals map[uuid.UUID][]domain.SignalingEnvelope
	notices map[uuid.UUID]*domain.IncomingCallNotice
	frames  map[uuid.UUID]map[uuid.UUID]domain.ChatFrame // callID -> frameID -> frame
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:   make(map[uuid.UUID]*domain.CallSession),
		signals: make(map[uuid.UUID][]domain.SignalingEnvelope),
		notices: make(map[uuid.UUID]*domain.IncomingCallNotice),
		frames:  make(map[uuid.UUID]map[uuid.UUID]domain.ChatFrame),
	}
}

// CreateCallWithNotice implements Store
func (s *MemoryStore) CreateCallWithNotice(ctx context.Context, call *domain.CallSession, notice *domain.IncomingCallNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *call
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.calls[call.ID] = &stored
	s.signals[call.ID] = append(s.signals[call.ID], domain.SignalingEnvelope{
		CallID:    call.ID,
		FromID:    call.InitiatorID,
		ToID:      call.ReceiverID,
		Kind:      domain.SignalKindOffer,
		Payload:   notice.Signal,
		CreatedAt: time.Now(),
	})
	noticeCopy := *notice
	s.notices[call.ReceiverID] = &noticeCopy
	return nil
}

// AppendAnswer implements Store
func (s *MemoryStore) AppendAnswer(ctx context.Context, callID, fromID uuid.UUID, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return database.ErrNotFound
	}
	if !call.IsLive() {
		return domain.ErrCallNotLive
	}
	if fromID != call.ReceiverID {
		return domain.ErrNotParticipant
	}

	s.signals[callID] = append(s.signals[callID], domain.SignalingEnvelope{
		CallID:    callID,
		FromID:    fromID,
		ToID:      call.InitiatorID,
		Kind:      domain.SignalKindAnswer,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	call.Status = domain.CallStatusActive
	if call.StartedAt == nil {
		now := time.Now()
		call.StartedAt = &now
	}
	return nil
}

// GetCall implements Store
func (s *MemoryStore) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *call
	return &copied, nil
}

// GetSignal implements Store
func (s *MemoryStore) GetSignal(ctx context.Context, callID uuid.UUID, kind domain.SignalKind) (*domain.SignalingEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range s.signals[callID] {
		if env.Kind == kind {
			copied := env
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

// MarkEnded implements Store
func (s *MemoryStore) MarkEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok || !call.IsLive() {
		return nil
	}
	call.Status = status
	now := time.Now()
	call.EndedAt = &now
	if call.StartedAt != nil {
		call.DurationSeconds = int(now.Sub(*call.StartedAt).Seconds())
	}
	return nil
}

// GetNotice implements Store
func (s *MemoryStore) GetNotice(ctx context.Context, userID uuid.UUID) (*domain.IncomingCallNotice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	notice, ok := s.notices[userID]
	if !ok {
		return nil, nil
	}
	copied := *notice
	return &copied, nil
}

// ClearNotice implements Store
func (s *MemoryStore) ClearNotice(ctx context.Context, userID, callID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if notice, ok := s.notices[userID]; ok && notice.CallID == callID {
		delete(s.notices, userID)
	}
	return nil
}

// InsertChatFrame implements Store
func (s *MemoryStore) InsertChatFrame(ctx context.Context, frame *domain.ChatFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frames[frame.CallID] == nil {
		s.frames[frame.CallID] = make(map[uuid.UUID]domain.ChatFrame)
	}
	if _, exists := s.frames[frame.CallID][frame.ID]; exists {
		return nil
	}
	s.frames[frame.CallID][frame.ID] = *frame
	return nil
}

// ListChatFrames implements Store
func (s *MemoryStore) ListChatFrames(ctx context.Context, callID uuid.UUID) ([]domain.ChatFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := make([]domain.ChatFrame, 0, len(s.frames[callID]))
	for _, f := range s.frames[callID] {
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool {
		if !frames[i].CreatedAt.Equal(frames[j].CreatedAt) {
			return frames[i].CreatedAt.Before(frames[j].CreatedAt)
		}
		return frames[i].ID.String() < frames[j].ID.String()
	})
	return frames, nil
}
