package lease

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"patientq/internal/domain"
	"patientq/internal/store"
)

type fakeStore struct {
	leases map[string]*domain.DeviceLease
}

func newFakeStore() *fakeStore {
	return &fakeStore{leases: make(map[string]*domain.DeviceLease)}
}

func (f *fakeStore) RegisterLease(_ context.Context, in store.LeaseInsert) error {
	for _, l := range f.leases {
		if l.ModeratorID == in.ModeratorID {
			l.Active = false
		}
	}
	f.leases[in.ID] = &domain.DeviceLease{
		ID: in.ID, ModeratorID: in.ModeratorID, DeviceID: in.DeviceID,
		Token: in.Token, Active: true, CreatedAt: in.Now, LastHeartbeatAt: in.Now,
	}
	return nil
}

func (f *fakeStore) GetLease(_ context.Context, id string) (domain.DeviceLease, bool, error) {
	l, ok := f.leases[id]
	if !ok {
		return domain.DeviceLease{}, false, nil
	}
	return *l, true, nil
}

func (f *fakeStore) ActiveLease(_ context.Context, moderatorID string) (domain.DeviceLease, bool, error) {
	for _, l := range f.leases {
		if l.ModeratorID == moderatorID && l.Active {
			return *l, true, nil
		}
	}
	return domain.DeviceLease{}, false, nil
}

func (f *fakeStore) HeartbeatLease(_ context.Context, in store.LeaseHeartbeat) (bool, error) {
	l, ok := f.leases[in.ID]
	if !ok || !l.Active || l.Token != in.Token {
		return false, nil
	}
	l.LastHeartbeatAt = in.Now
	if in.CurrentURL != "" {
		l.CurrentURL = in.CurrentURL
	}
	if in.WhatsAppStatus != "" {
		l.WhatsAppStatus = in.WhatsAppStatus
	}
	if in.LastError != "" {
		l.LastError = in.LastError
	}
	return true, nil
}

func (f *fakeStore) DeactivateStaleLeases(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for _, l := range f.leases {
		if l.Active && l.LastHeartbeatAt.Before(cutoff) {
			l.Active = false
			n++
		}
	}
	return n, nil
}

func newManager(s Store) *Manager {
	n := 0
	return &Manager{
		Store: s,
		IDGen: func() string {
			n++
			return fmt.Sprintf("lease_%d", n)
		},
		TokenGen: func() string {
			return fmt.Sprintf("tok-%d", n)
		},
	}
}

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestRegisterSupersedesPriorLease(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := newManager(fs)

	a, err := m.Register(ctx, "mod1", "dev-a", now)
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Heartbeat(ctx, HeartbeatParams{LeaseID: a.ID, Token: a.Token}, now); err != nil {
		t.Fatalf("heartbeat on fresh lease: %v", err)
	}

	b, err := m.Register(ctx, "mod1", "dev-b", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	err = m.Heartbeat(ctx, HeartbeatParams{LeaseID: a.ID, Token: a.Token}, now.Add(2*time.Minute))
	var le *domain.LeaseError
	if !errors.As(err, &le) {
		t.Fatalf("superseded heartbeat must fail with LeaseError, got %v", err)
	}

	active, found, _ := m.Active(ctx, "mod1")
	if !found || active.ID != b.ID {
		t.Fatalf("active lease must be b, got %+v found=%v", active, found)
	}
}

func TestAuthenticateTokenMismatch(t *testing.T) {
	ctx := context.Background()
	m := newManager(newFakeStore())
	l, _ := m.Register(ctx, "mod1", "dev-a", now)

	_, err := m.Authenticate(ctx, l.ID, "wrong-token")
	var le *domain.LeaseError
	if !errors.As(err, &le) {
		t.Fatalf("expected LeaseError, got %v", err)
	}

	ok, err := m.Validate(ctx, l.ID, "wrong-token")
	if err != nil || ok {
		t.Fatalf("Validate must report false without error, got ok=%v err=%v", ok, err)
	}
	ok, err = m.Validate(ctx, l.ID, l.Token)
	if err != nil || !ok {
		t.Fatalf("Validate with good token: ok=%v err=%v", ok, err)
	}
}

func TestAuthenticateUnknownLease(t *testing.T) {
	m := newManager(newFakeStore())
	_, err := m.Authenticate(context.Background(), "lease_nope", "tok")
	var le *domain.LeaseError
	if !errors.As(err, &le) {
		t.Fatalf("expected LeaseError, got %v", err)
	}
}

func TestHeartbeatUpdatesDeviceStatus(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := newManager(fs)
	l, _ := m.Register(ctx, "mod1", "dev-a", now)

	err := m.Heartbeat(ctx, HeartbeatParams{
		LeaseID:        l.ID,
		Token:          l.Token,
		CurrentURL:     "https://web.whatsapp.com/",
		WhatsAppStatus: "connected",
	}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got := fs.leases[l.ID]
	if got.WhatsAppStatus != "connected" || got.CurrentURL != "https://web.whatsapp.com/" {
		t.Fatalf("device status not refreshed: %+v", got)
	}
	if !got.LastHeartbeatAt.Equal(now.Add(time.Second)) {
		t.Fatalf("liveness not refreshed: %v", got.LastHeartbeatAt)
	}
}

func TestReapStale(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := newManager(fs)
	l, _ := m.Register(ctx, "mod1", "dev-a", now)

	n, err := m.ReapStale(ctx, now.Add(5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("reap: n=%d err=%v", n, err)
	}
	if _, found, _ := m.Active(ctx, "mod1"); found {
		t.Fatal("reaped lease must no longer be active")
	}
	err = m.Heartbeat(ctx, HeartbeatParams{LeaseID: l.ID, Token: l.Token}, now.Add(6*time.Minute))
	var le *domain.LeaseError
	if !errors.As(err, &le) {
		t.Fatalf("heartbeat after reap must fail with LeaseError, got %v", err)
	}
}
