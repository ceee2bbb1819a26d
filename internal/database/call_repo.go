package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/duetapp/duet/internal/domain"
)

// CallRepository handles call, signal, and chat frame persistence.
// Call rows are append-only history: they are marked ended, never deleted.
type CallRepository struct {
	db *DB
}

// NewCallRepository creates a new CallRepository
func NewCallRepository(db *DB) *CallRepository {
	return &CallRepository{db: db}
}

// CreateCallWithNotice writes the call row, the initiator's offer envelope,
// and the receiver's incoming-call notice in a single transaction, so no
// reader ever observes a notice whose offer is missing.
func (r *CallRepository) CreateCallWithNotice(ctx context.Context, call *domain.CallSession, notice *domain.IncomingCallNotice) error {
	noticeJSON, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO calls (id, initiator_id, receiver_id, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, call.ID, call.InitiatorID, call.ReceiverID, domain.CallStatusRinging)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO call_signals (call_id, from_id, to_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, call.ID, call.InitiatorID, call.ReceiverID, domain.SignalKindOffer, notice.Signal)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users SET incoming_call = $2, updated_at = NOW() WHERE id = $1
	`, call.ReceiverID, noticeJSON)
	if err != nil {
		return fmt.Errorf("set notice: %w", err)
	}

	return tx.Commit(ctx)
}

// AppendAnswer records the receiver's answer envelope and marks the call
// active with a server-side start timestamp.
func (r *CallRepository) AppendAnswer(ctx context.Context, callID, fromID uuid.UUID, payload json.RawMessage) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var toID, receiverID uuid.UUID
	var status domain.CallStatus
	err = tx.QueryRow(ctx, `
		SELECT initiator_id, receiver_id, status FROM calls WHERE id = $1
	`, callID).Scan(&toID, &receiverID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load call: %w", err)
	}
	if status != domain.CallStatusRinging && status != domain.CallStatusActive {
		return domain.ErrCallNotLive
	}
	if fromID != receiverID {
		return domain.ErrNotParticipant
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO call_signals (call_id, from_id, to_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, callID, fromID, toID, domain.SignalKindAnswer, payload)
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE calls SET status = 'active', started_at = COALESCE(started_at, NOW()) WHERE id = $1
	`, callID)
	if err != nil {
		return fmt.Errorf("mark active: %w", err)
	}

	return tx.Commit(ctx)
}

// GetCall retrieves a call by ID
func (r *CallRepository) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT c.id, c.initiator_id, c.receiver_id, c.status,
		       c.started_at, c.ended_at, c.duration_seconds, c.created_at
		FROM calls c
		WHERE c.id = $1
	`

	var call domain.CallSession
	var startedAt, endedAt sql.NullTime

	err := r.db.Pool.QueryRow(ctx, query, callID).Scan(
		&call.ID, &call.InitiatorID, &call.ReceiverID, &call.Status,
		&startedAt, &endedAt, &call.DurationSeconds, &call.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if startedAt.Valid {
		call.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		call.EndedAt = &endedAt.Time
	}

	return &call, nil
}

// GetSignal returns the first envelope of the given kind for a call.
// Later duplicates of the same kind are replays and never returned.
func (r *CallRepository) GetSignal(ctx context.Context, callID uuid.UUID, kind domain.SignalKind) (*domain.SignalingEnvelope, error) {
	query := `
		SELECT call_id, from_id, to_id, kind, payload, created_at
		FROM call_signals
		WHERE call_id = $1 AND kind = $2
		ORDER BY created_at ASC
		LIMIT 1
	`

	var env domain.SignalingEnvelope
	err := r.db.Pool.QueryRow(ctx, query, callID, kind).Scan(
		&env.CallID, &env.FromID, &env.ToID, &env.Kind, &env.Payload, &env.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &env, nil
}

// MarkEnded finalizes a call with a terminal status and server-side end
// timestamp. A call already in a terminal state is left untouched, which
// makes hangup races between the two parties harmless.
func (r *CallRepository) MarkEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	query := `
		UPDATE calls
		SET status = $2,
		    ended_at = NOW(),
		    duration_seconds = CASE
		        WHEN started_at IS NOT NULL THEN EXTRACT(EPOCH FROM (NOW() - started_at))::INTEGER
		        ELSE 0
		    END
		WHERE id = $1 AND status IN ('ringing', 'active')
	`
	_, err := r.db.Pool.Exec(ctx, query, callID, status)
	return err
}

// SetNotice attaches an incoming-call notice to a user
func (r *CallRepository) SetNotice(ctx context.Context, userID uuid.UUID, notice *domain.IncomingCallNotice) error {
	noticeJSON, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		UPDATE users SET incoming_call = $2, updated_at = NOW() WHERE id = $1
	`, userID, noticeJSON)
	return err
}

// GetNotice returns the user's pending incoming-call notice, or nil
func (r *CallRepository) GetNotice(ctx context.Context, userID uuid.UUID) (*domain.IncomingCallNotice, error) {
	var raw []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT incoming_call FROM users WHERE id = $1
	`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var notice domain.IncomingCallNotice
	if err := json.Unmarshal(raw, &notice); err != nil {
		return nil, fmt.Errorf("unmarshal notice: %w", err)
	}
	return &notice, nil
}

// ClearNotice removes the user's notice only if it still points at callID,
// so a cancel for an old call never wipes a newer invitation.
func (r *CallRepository) ClearNotice(ctx context.Context, userID, callID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE users
		SET incoming_call = NULL, updated_at = NOW()
		WHERE id = $1 AND incoming_call->>'call_id' = $2
	`, userID, callID.String())
	return err
}

// InsertChatFrame appends one chat frame. The frame ID is the primary key,
// so redelivered frames are absorbed rather than duplicated.
func (r *CallRepository) InsertChatFrame(ctx context.Context, frame *domain.ChatFrame) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO call_messages (id, call_id, sender_id, sender_display_name, body, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO NOTHING
	`, frame.ID, frame.CallID, frame.SenderID, frame.SenderDisplayName, frame.Text)
	return err
}

// ListChatFrames returns a call's chat history oldest-first. The frame ID
// breaks created_at ties so the order is stable across reads.
func (r *CallRepository) ListChatFrames(ctx context.Context, callID uuid.UUID) ([]domain.ChatFrame, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, call_id, sender_id, sender_display_name, body, created_at
		FROM call_messages
		WHERE call_id = $1
		ORDER BY created_at ASC, id ASC
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []domain.ChatFrame
	for rows.Next() {
		var f domain.ChatFrame
		if err := rows.Scan(&f.ID, &f.CallID, &f.SenderID, &f.SenderDisplayName, &f.Text, &f.CreatedAt); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// ListCallHistory retrieves a user's call history, most recent first
func (r *CallRepository) ListCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.CallSession, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT c.id, c.initiator_id, c.receiver_id, c.status,
		       c.started_at, c.ended_at, c.duration_seconds, c.created_at,
		       ui.username, ur.username
		FROM calls c
		JOIN users ui ON ui.id = c.initiator_id
		JOIN users ur ON ur.id = c.receiver_id
		WHERE c.initiator_id = $1 OR c.receiver_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.CallSession
	for rows.Next() {
		var call domain.CallSession
		var startedAt, endedAt sql.NullTime

		if err := rows.Scan(
			&call.ID, &call.InitiatorID, &call.ReceiverID, &call.Status,
			&startedAt, &endedAt, &call.DurationSeconds, &call.CreatedAt,
			&call.InitiatorName, &call.ReceiverName,
		); err != nil {
			return nil, err
		}

		if startedAt.Valid {
			call.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			call.EndedAt = &endedAt.Time
		}

		calls = append(calls, call)
	}

	return calls, rows.Err()
}
