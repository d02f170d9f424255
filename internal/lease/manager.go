// Package lease authenticates and time-bounds exactly one acting device per
// moderator.
package lease

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"patientq/internal/domain"
	"patientq/internal/observability"
	"patientq/internal/store"
)

type Store interface {
	RegisterLease(ctx context.Context, in store.LeaseInsert) error
	GetLease(ctx context.Context, id string) (domain.DeviceLease, bool, error)
	ActiveLease(ctx context.Context, moderatorID string) (domain.DeviceLease, bool, error)
	HeartbeatLease(ctx context.Context, in store.LeaseHeartbeat) (bool, error)
	DeactivateStaleLeases(ctx context.Context, cutoff time.Time) (int64, error)
}

type Manager struct {
	Store    Store
	IDGen    func() string
	TokenGen func() string
}

// Register creates a new lease for the moderator, superseding any prior one.
// The returned lease carries the bearer token; it is shown to the device
// exactly once.
func (m *Manager) Register(ctx context.Context, moderatorID, deviceID string, now time.Time) (domain.DeviceLease, error) {
	if moderatorID == "" {
		return domain.DeviceLease{}, &domain.ValidationError{Field: "moderatorId", Reason: "required"}
	}
	if deviceID == "" {
		return domain.DeviceLease{}, &domain.ValidationError{Field: "deviceId", Reason: "required"}
	}

	l := domain.DeviceLease{
		ID:              m.IDGen(),
		ModeratorID:     moderatorID,
		DeviceID:        deviceID,
		Token:           m.TokenGen(),
		Active:          true,
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}
	err := m.Store.RegisterLease(ctx, store.LeaseInsert{
		ID:          l.ID,
		ModeratorID: moderatorID,
		DeviceID:    deviceID,
		Token:       l.Token,
		Now:         now,
	})
	if err != nil {
		return domain.DeviceLease{}, err
	}
	observability.LeaseEvents.WithLabelValues("register").Inc()
	return l, nil
}

// Validate reports whether the lease exists, is still the active one for its
// moderator, and the token matches. It never returns LeaseError; callers
// that need the typed failure use Authenticate.
func (m *Manager) Validate(ctx context.Context, leaseID, token string) (bool, error) {
	_, err := m.Authenticate(ctx, leaseID, token)
	if err != nil {
		var le *domain.LeaseError
		if errors.As(err, &le) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Authenticate resolves the lease behind an inbound device call. A missing,
// superseded, or token-mismatched lease is a LeaseError result, never a
// panic; hub handlers turn it into a "re-register" envelope.
func (m *Manager) Authenticate(ctx context.Context, leaseID, token string) (domain.DeviceLease, error) {
	if leaseID == "" || token == "" {
		return domain.DeviceLease{}, &domain.LeaseError{LeaseID: leaseID, Reason: "missing lease credentials"}
	}
	l, found, err := m.Store.GetLease(ctx, leaseID)
	if err != nil {
		return domain.DeviceLease{}, err
	}
	if !found {
		return domain.DeviceLease{}, &domain.LeaseError{LeaseID: leaseID, Reason: "unknown lease"}
	}
	if subtle.ConstantTimeCompare([]byte(l.Token), []byte(token)) != 1 {
		return domain.DeviceLease{}, &domain.LeaseError{LeaseID: leaseID, Reason: "token mismatch"}
	}
	if !l.Active {
		return domain.DeviceLease{}, &domain.LeaseError{LeaseID: leaseID, Reason: "superseded by a newer registration"}
	}
	return l, nil
}

type HeartbeatParams struct {
	LeaseID        string
	Token          string
	CurrentURL     string
	WhatsAppStatus string
	LastError      string
}

// Heartbeat refreshes liveness and device status. The storage CAS re-checks
// token and active together so a lease superseded between Authenticate and
// the write still fails.
func (m *Manager) Heartbeat(ctx context.Context, p HeartbeatParams, now time.Time) error {
	if _, err := m.Authenticate(ctx, p.LeaseID, p.Token); err != nil {
		return err
	}
	ok, err := m.Store.HeartbeatLease(ctx, store.LeaseHeartbeat{
		ID:             p.LeaseID,
		Token:          p.Token,
		CurrentURL:     p.CurrentURL,
		WhatsAppStatus: p.WhatsAppStatus,
		LastError:      p.LastError,
		Now:            now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return &domain.LeaseError{LeaseID: p.LeaseID, Reason: "superseded by a newer registration"}
	}
	observability.LeaseEvents.WithLabelValues("heartbeat").Inc()
	return nil
}

func (m *Manager) Active(ctx context.Context, moderatorID string) (domain.DeviceLease, bool, error) {
	return m.Store.ActiveLease(ctx, moderatorID)
}

// ReapStale deactivates leases silent since the cutoff.
func (m *Manager) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := m.Store.DeactivateStaleLeases(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.LeaseEvents.WithLabelValues("reaped").Add(float64(n))
	}
	return n, nil
}
