package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"patientq/internal/command"
	"patientq/internal/domain"
	"patientq/internal/store"
)

type fakeCommandStore struct {
	mu   sync.Mutex
	cmds map[string]domain.Command
}

func (f *fakeCommandStore) InsertCommand(_ context.Context, in store.CommandInsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds[in.ID] = domain.Command{
		ID: in.ID, ModeratorID: in.ModeratorID, MessageID: in.MessageID,
		CommandType: in.CommandType, Payload: in.Payload,
		Status: domain.CommandPending, CreatedAt: in.Now, ExpiresAt: in.ExpiresAt,
	}
	return nil
}

func (f *fakeCommandStore) GetCommand(_ context.Context, id string) (domain.Command, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cmds[id]
	return c, ok, nil
}

func (f *fakeCommandStore) TransitionCommand(_ context.Context, _ store.CommandTransition) (bool, error) {
	return false, nil
}

func (f *fakeCommandStore) PendingCommands(_ context.Context, _ string) ([]domain.Command, error) {
	return nil, nil
}

func (f *fakeCommandStore) DueForExpiry(_ context.Context, _ time.Time) ([]domain.Command, error) {
	return nil, nil
}

func (f *fakeCommandStore) AckedBefore(_ context.Context, _ time.Time) ([]domain.Command, error) {
	return nil, nil
}

func (f *fakeCommandStore) PendingOlderThan(_ context.Context, _ time.Time) ([]domain.Command, error) {
	return nil, nil
}

type fakeQueueStore struct {
	mu       sync.Mutex
	messages map[string]domain.Message
	reorders [][]store.MessagePosition
}

func (f *fakeQueueStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	return m, ok, nil
}

func (f *fakeQueueStore) InsertMessageAt(_ context.Context, in store.MessageInsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[in.ID] = domain.Message{
		ID: in.ID, QueueID: in.QueueID, PatientID: in.PatientID,
		Status: domain.MessageQueued, Position: in.Position,
		Lifecycle: domain.LifecycleActive, CreatedAt: in.Now,
	}
	return nil
}

func (f *fakeQueueStore) TrashMessage(_ context.Context, id string, trashUntil, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.Deleted() {
		return false, nil
	}
	m.Lifecycle = domain.LifecycleTrashed
	m.TrashExpiresAt = &trashUntil
	f.messages[id] = m
	return true, nil
}

func (f *fakeQueueStore) RestoreMessage(_ context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.Lifecycle != domain.LifecycleTrashed || !m.TrashExpiresAt.After(now) {
		return false, nil
	}
	m.Lifecycle = domain.LifecycleActive
	m.TrashExpiresAt = nil
	f.messages[id] = m
	return true, nil
}

func (f *fakeQueueStore) ReorderMessages(_ context.Context, _ string, orders []store.MessagePosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range orders {
		if _, ok := f.messages[o.MessageID]; !ok {
			return &domain.ValidationError{Field: "messageId", Reason: "unknown message " + o.MessageID}
		}
	}
	f.reorders = append(f.reorders, orders)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeCommandStore, *fakeQueueStore) {
	t.Helper()
	cs := &fakeCommandStore{cmds: map[string]domain.Command{}}
	qs := &fakeQueueStore{messages: map[string]domain.Message{}}
	n := 0
	api := &API{
		Commands: &command.Service{Store: cs, IDGen: func() string {
			n++
			return fmt.Sprintf("cmd_%d", n)
		}},
		Queue: qs,
	}
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, cs, qs
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestCreateCommand(t *testing.T) {
	srv, cs, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/commands", map[string]any{
		"moderatorId": "mod_1",
		"commandType": "logout",
		"payload":     map[string]any{"force": true},
		"expiresAt":   time.Now().Add(time.Minute).Format(time.RFC3339),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var cmd domain.Command
	if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Status != domain.CommandPending || cmd.CommandType != "logout" {
		t.Fatalf("command = %+v", cmd)
	}
	if _, ok := cs.cmds[cmd.ID]; !ok {
		t.Fatal("command not persisted")
	}
}

func TestCreateCommandRejectsTightExpiry(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/commands", map[string]any{
		"moderatorId": "mod_1",
		"commandType": "logout",
		"expiresAt":   time.Now().Add(time.Second).Format(time.RFC3339),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetCommandNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/commands/cmd_missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMessageTrashAndRestore(t *testing.T) {
	srv, _, qs := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/messages", map[string]any{
		"queueId":   "q1",
		"patientId": "pat_1",
		"position":  1,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	id := created["id"]

	resp = postJSON(t, srv.URL+"/v1/messages/remove", map[string]string{"messageId": id})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	if qs.messages[id].Lifecycle != domain.LifecycleTrashed {
		t.Fatalf("lifecycle = %s, want trashed", qs.messages[id].Lifecycle)
	}

	resp = postJSON(t, srv.URL+"/v1/messages/restore", map[string]string{"messageId": id})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d", resp.StatusCode)
	}
	if qs.messages[id].Lifecycle != domain.LifecycleActive {
		t.Fatalf("lifecycle = %s, want active", qs.messages[id].Lifecycle)
	}

	// A second restore finds nothing trashed.
	resp = postJSON(t, srv.URL+"/v1/messages/restore", map[string]string{"messageId": id})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double restore status = %d, want 404", resp.StatusCode)
	}
}

func TestReorderValidation(t *testing.T) {
	srv, _, qs := newTestServer(t)
	qs.messages["m1"] = domain.Message{ID: "m1", QueueID: "q1", Lifecycle: domain.LifecycleActive}

	resp := postJSON(t, srv.URL+"/v1/messages/reorder", map[string]any{
		"queueId": "q1",
		"orders":  []map[string]any{{"messageId": "m1", "position": 0}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero position status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/v1/messages/reorder", map[string]any{
		"queueId": "q1",
		"orders":  []map[string]any{{"messageId": "m_unknown", "position": 2}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown message status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/v1/messages/reorder", map[string]any{
		"queueId": "q1",
		"orders":  []map[string]any{{"messageId": "m1", "position": 2}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reorder status = %d, want 200", resp.StatusCode)
	}
	if len(qs.reorders) != 1 {
		t.Fatalf("reorders applied = %d, want 1", len(qs.reorders))
	}
}

func TestCheckConditionsReportsOverlap(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/conditions/check", map[string]any{
		"conditions": []map[string]any{
			{"id": "c1", "queueId": "q1", "templateId": "t1", "operator": "RANGE", "minValue": 1, "maxValue": 5, "lifecycle": "active"},
			{"id": "c2", "queueId": "q1", "templateId": "t2", "operator": "EQUAL", "value": 3, "lifecycle": "active"},
		},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body checkConditionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Valid || len(body.Conflicts) == 0 {
		t.Fatalf("body = %+v, want overlap conflict", body)
	}
}
