package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"patientq/internal/domain"
	"patientq/internal/store"
)

const leaseColumns = `
	id, moderator_id, device_id, token, active,
	COALESCE(whatsapp_status,''), COALESCE(current_url,''), COALESCE(last_error,''),
	created_at, last_heartbeat_at
`

// RegisterLease deactivates any prior lease for the moderator and inserts
// the new one in a single transaction, keeping the single-writer invariant
// even under concurrent registrations.
func (s *Store) RegisterLease(ctx context.Context, in store.LeaseInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE device_leases SET active=FALSE WHERE moderator_id=$1 AND active
	`, in.ModeratorID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO device_leases (id, moderator_id, device_id, token, active, created_at, last_heartbeat_at)
		VALUES ($1,$2,$3,$4,TRUE,$5,$5)
	`, in.ID, in.ModeratorID, in.DeviceID, in.Token, in.Now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetLease(ctx context.Context, id string) (domain.DeviceLease, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+leaseColumns+` FROM device_leases WHERE id=$1`, id)
	l, err := scanLease(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeviceLease{}, false, nil
		}
		return domain.DeviceLease{}, false, err
	}
	return l, true, nil
}

func (s *Store) ActiveLease(ctx context.Context, moderatorID string) (domain.DeviceLease, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+leaseColumns+` FROM device_leases WHERE moderator_id=$1 AND active
	`, moderatorID)
	l, err := scanLease(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeviceLease{}, false, nil
		}
		return domain.DeviceLease{}, false, err
	}
	return l, true, nil
}

// HeartbeatLease refreshes liveness and status only when the lease is still
// active and the token matches. false means superseded or bad token.
func (s *Store) HeartbeatLease(ctx context.Context, in store.LeaseHeartbeat) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE device_leases
		SET last_heartbeat_at=$3,
		    current_url=COALESCE(NULLIF($4,''), current_url),
		    whatsapp_status=COALESCE(NULLIF($5,''), whatsapp_status),
		    last_error=COALESCE(NULLIF($6,''), last_error)
		WHERE id=$1 AND token=$2 AND active
	`, in.ID, in.Token, in.Now, in.CurrentURL, in.WhatsAppStatus, in.LastError)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// DeactivateStaleLeases drops leases whose device went silent so dispatch
// halts for that moderator until a new registration arrives.
func (s *Store) DeactivateStaleLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE device_leases SET active=FALSE WHERE active AND last_heartbeat_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func scanLease(row pgx.Row) (domain.DeviceLease, error) {
	var l domain.DeviceLease
	err := row.Scan(&l.ID, &l.ModeratorID, &l.DeviceID, &l.Token, &l.Active,
		&l.WhatsAppStatus, &l.CurrentURL, &l.LastError, &l.CreatedAt, &l.LastHeartbeatAt)
	if err != nil {
		return domain.DeviceLease{}, err
	}
	return l, nil
}
