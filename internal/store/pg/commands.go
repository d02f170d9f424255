package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"patientq/internal/domain"
	"patientq/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const commandColumns = `
	id, moderator_id, COALESCE(message_id,''), command_type, payload_json,
	status, retry_count, COALESCE(result_status,''), result_data_json,
	COALESCE(fail_reason,''), created_at, expires_at, acked_at
`

func (s *Store) InsertCommand(ctx context.Context, in store.CommandInsert) error {
	payload, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO commands (id, moderator_id, message_id, command_type, payload_json,
		                      status, retry_count, created_at, expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$8)
	`, in.ID, in.ModeratorID, nullIfEmpty(in.MessageID), in.CommandType, payload,
		domain.CommandPending, in.RetryCount, in.Now, in.ExpiresAt)
	return err
}

func (s *Store) GetCommand(ctx context.Context, id string) (domain.Command, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id=$1`, id)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Command{}, false, nil
		}
		return domain.Command{}, false, err
	}
	return cmd, true, nil
}

// TransitionCommand applies a status CAS. false means the row was no longer
// in the expected From status (or does not exist); the caller surfaces that
// as a stale TransitionError.
func (s *Store) TransitionCommand(ctx context.Context, in store.CommandTransition) (bool, error) {
	var resultData []byte
	if in.ResultData != nil {
		resultData, _ = json.Marshal(in.ResultData)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE commands
		SET status=$3,
		    result_status=COALESCE(NULLIF($4,''), result_status),
		    result_data_json=COALESCE($5, result_data_json),
		    fail_reason=COALESCE(NULLIF($6,''), fail_reason),
		    acked_at=COALESCE($7, acked_at),
		    updated_at=$8
		WHERE id=$1 AND status=$2
	`, in.ID, in.From, in.To, in.ResultStatus, resultData, in.FailReason, in.AckedAt, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) PendingCommands(ctx context.Context, moderatorID string) ([]domain.Command, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE moderator_id=$1 AND status NOT IN ('completed','failed','expired')
		ORDER BY created_at ASC
	`, moderatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// DueForExpiry returns non-terminal commands past their expires_at.
func (s *Store) DueForExpiry(ctx context.Context, now time.Time) ([]domain.Command, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE status NOT IN ('completed','failed','expired') AND expires_at <= $1
		ORDER BY created_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// AckedBefore returns commands acknowledged before the cutoff and still not
// completed, the stuck-ack population for the sweep.
func (s *Store) AckedBefore(ctx context.Context, cutoff time.Time) ([]domain.Command, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE status='acked' AND acked_at <= $1
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// PendingOlderThan returns pending commands created before the cutoff so the
// sweep can re-enqueue dispatch jobs lost to a transient channel failure.
func (s *Store) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Command, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE status='pending' AND created_at <= $1
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

func collectCommands(rows pgx.Rows) ([]domain.Command, error) {
	var out []domain.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func scanCommand(row pgx.Row) (domain.Command, error) {
	var cmd domain.Command
	var payload, resultData []byte
	err := row.Scan(&cmd.ID, &cmd.ModeratorID, &cmd.MessageID, &cmd.CommandType, &payload,
		&cmd.Status, &cmd.RetryCount, &cmd.ResultStatus, &resultData,
		&cmd.FailReason, &cmd.CreatedAt, &cmd.ExpiresAt, &cmd.AckedAt)
	if err != nil {
		return domain.Command{}, err
	}
	_ = json.Unmarshal(payload, &cmd.Payload)
	if len(resultData) > 0 {
		_ = json.Unmarshal(resultData, &cmd.ResultData)
	}
	return cmd, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
