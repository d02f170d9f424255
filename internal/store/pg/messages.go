package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"patientq/internal/domain"
	"patientq/internal/store"
)

const messageColumns = `
	id, queue_id, COALESCE(template_id,''), patient_id, COALESCE(session_id,''),
	COALESCE(moderator_id,''), COALESCE(content,''), status, position, is_paused,
	lifecycle, trash_expires_at, created_at
`

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return m, true, nil
}

// DispatchCandidates returns every live queued message; the eligibility
// engine applies the pause hierarchy and ordering in memory.
func (s *Store) DispatchCandidates(ctx context.Context) ([]domain.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status='queued' AND lifecycle='active'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Sessions(ctx context.Context) (map[string]domain.MessageSession, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, queue_id, is_paused, start_time FROM message_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.MessageSession)
	for rows.Next() {
		var ms domain.MessageSession
		if err := rows.Scan(&ms.ID, &ms.QueueID, &ms.IsPaused, &ms.StartTime); err != nil {
			return nil, err
		}
		out[ms.ID] = ms
	}
	return out, rows.Err()
}

func (s *Store) ModeratorPauses(ctx context.Context) (map[string]bool, error) {
	rows, err := s.DB.Query(ctx, `SELECT moderator_id, paused FROM moderator_pauses`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		var paused bool
		if err := rows.Scan(&id, &paused); err != nil {
			return nil, err
		}
		out[id] = paused
	}
	return out, rows.Err()
}

// TransitionMessage is the storage half of the two-phase guard: the caller
// has already checked table legality, this enforces the expected-state CAS.
func (s *Store) TransitionMessage(ctx context.Context, in store.MessageTransition) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages
		SET status=$3,
		    content=COALESCE(NULLIF($4,''), content),
		    updated_at=$5
		WHERE id=$1 AND status=$2 AND lifecycle='active'
	`, in.ID, in.From, in.To, in.Content, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// InsertMessageAt shifts every position >= the target by one and inserts the
// row, all inside one transaction so readers never see a partial reindex.
func (s *Store) InsertMessageAt(ctx context.Context, in store.MessageInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET position = position + 1
		WHERE queue_id=$1 AND lifecycle='active' AND position >= $2
	`, in.QueueID, in.Position); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, queue_id, template_id, patient_id, session_id, moderator_id,
		                      status, position, is_paused, lifecycle, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'queued',$7,FALSE,'active',$8,$8)
	`, in.ID, in.QueueID, nullIfEmpty(in.TemplateID), in.PatientID,
		nullIfEmpty(in.SessionID), nullIfEmpty(in.ModeratorID), in.Position, in.Now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TrashMessage soft-deletes the row and closes its position gap.
func (s *Store) TrashMessage(ctx context.Context, id string, trashUntil, now time.Time) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var queueID string
	var position int
	err = tx.QueryRow(ctx, `
		SELECT queue_id, position FROM messages WHERE id=$1 AND lifecycle='active'
	`, id).Scan(&queueID, &position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET lifecycle='trashed', trash_expires_at=$2, updated_at=$3 WHERE id=$1
	`, id, trashUntil, now); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE messages SET position = position - 1
		WHERE queue_id=$1 AND lifecycle='active' AND position > $2
	`, queueID, position); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RestoreMessage brings a trashed message back while its window is open. It
// re-enters the queue at the tail.
func (s *Store) RestoreMessage(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var queueID string
	err = tx.QueryRow(ctx, `
		SELECT queue_id FROM messages
		WHERE id=$1 AND lifecycle='trashed' AND trash_expires_at > $2
	`, id, now).Scan(&queueID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	var tail int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1 FROM messages
		WHERE queue_id=$1 AND lifecycle='active'
	`, queueID).Scan(&tail); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE messages
		SET lifecycle='active', trash_expires_at=NULL, position=$2, updated_at=$3
		WHERE id=$1
	`, id, tail, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ReorderMessages applies the requested positions item by item inside one
// transaction. A collision shifts the occupying row and everything after it
// down by one; either the whole batch lands or none of it does.
func (s *Store) ReorderMessages(ctx context.Context, queueID string, orders []store.MessagePosition) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, o := range orders {
		if _, err := tx.Exec(ctx, `
			UPDATE messages SET position = position + 1
			WHERE queue_id=$1 AND lifecycle='active' AND id<>$2 AND position >= $3
			  AND EXISTS (
			      SELECT 1 FROM messages
			      WHERE queue_id=$1 AND lifecycle='active' AND id<>$2 AND position=$3
			  )
		`, queueID, o.MessageID, o.Position); err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, `
			UPDATE messages SET position=$3
			WHERE id=$2 AND queue_id=$1 AND lifecycle='active'
		`, queueID, o.MessageID, o.Position)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return &domain.ValidationError{Field: "messageId", Reason: "unknown message " + o.MessageID}
		}
	}
	return tx.Commit(ctx)
}

// ArchiveExpiredTrash closes the restore window on messages and conditions.
func (s *Store) ArchiveExpiredTrash(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET lifecycle='archived', updated_at=$1
		WHERE lifecycle='trashed' AND trash_expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	archived := ct.RowsAffected()

	ct, err = s.DB.Exec(ctx, `
		UPDATE conditions SET lifecycle='archived'
		WHERE lifecycle='trashed' AND trash_expires_at <= $1
	`, now)
	if err != nil {
		return archived, err
	}
	return archived + ct.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var m domain.Message
	err := row.Scan(&m.ID, &m.QueueID, &m.TemplateID, &m.PatientID, &m.SessionID,
		&m.ModeratorID, &m.Content, &m.Status, &m.Position, &m.IsPaused,
		&m.Lifecycle, &m.TrashExpiresAt, &m.CreatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}
