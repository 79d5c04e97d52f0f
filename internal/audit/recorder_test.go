package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu        sync.Mutex
	entries   []*Entry
	failUntil int // number of Append calls that fail before succeeding
	calls     int
}

func (m *memStore) Append(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failUntil {
		return errors.New("storage unavailable")
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memStore) Query(context.Context, Filter) ([]Entry, int64, error) {
	return nil, 0, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRecordWritesSynchronously(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store)
	defer rec.Close()

	rec.Record(context.Background(), "rbac.role.create", "role", "r1", nil, map[string]string{"key": "manager"})

	if store.count() != 1 {
		t.Fatalf("entries = %d, want 1", store.count())
	}
	entry := store.entries[0]
	if entry.ID == "" {
		t.Fatal("entry must have an id")
	}
	if entry.Action != "rbac.role.create" || entry.ResourceType != "role" || entry.ResourceID != "r1" {
		t.Fatalf("entry = %+v", entry)
	}
	if len(entry.OldValues) != 0 {
		t.Fatalf("nil old values must stay empty, got %s", entry.OldValues)
	}
	if string(entry.NewValues) != `{"key":"manager"}` {
		t.Fatalf("new values = %s", entry.NewValues)
	}
}

func TestRecordSurvivesCanceledRequestContext(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store)
	defer rec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Record(ctx, "rbac.role.delete", "role", "r1", nil, nil)

	if store.count() != 1 {
		t.Fatal("write must proceed after request cancellation")
	}
}

func TestRecordRetriesAfterTransientFailure(t *testing.T) {
	store := &memStore{failUntil: 2}
	rec := NewRecorder(store, WithBaseBackoff(time.Millisecond))
	defer rec.Close()

	rec.Record(context.Background(), "rbac.override.upsert", "user_permission_override", "o1", nil, nil)

	waitFor(t, 2*time.Second, func() bool { return store.count() == 1 })
}

func TestRecordAlertsAfterExhaustedRetries(t *testing.T) {
	store := &memStore{failUntil: 1 << 30}
	alerted := make(chan error, 1)
	rec := NewRecorder(store,
		WithBaseBackoff(time.Millisecond),
		WithMaxAttempts(2),
		WithAlert(func(_ *Entry, err error) {
			select {
			case alerted <- err:
			default:
			}
		}))
	defer rec.Close()

	rec.Record(context.Background(), "rbac.role.update", "role", "r1", nil, nil)

	select {
	case err := <-alerted:
		if err == nil {
			t.Fatal("alert must carry the last error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert not fired")
	}
	if store.count() != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store)
	defer rec.Close()

	for i := 0; i < 50; i++ {
		rec.Record(context.Background(), "rbac.role.update", "role", "r1", nil, nil)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for i := 1; i < len(store.entries); i++ {
		if !store.entries[i].CreatedAt.After(store.entries[i-1].CreatedAt) {
			t.Fatalf("timestamp %d not after its predecessor", i)
		}
	}
}

func TestRecordCarriesContextMeta(t *testing.T) {
	store := &memStore{}
	rec := NewRecorder(store)
	defer rec.Close()

	ctx := WithMeta(context.Background(), Meta{
		ActorUserID:    "admin1",
		OrganizationID: "org1",
		IPAddress:      "10.0.0.1",
		UserAgent:      "curl/8",
		RequestID:      "req-42",
	})
	rec.Record(ctx, "rbac.role.assign", "user_role", "ur1", nil, nil)

	entry := store.entries[0]
	if entry.ActorUserID != "admin1" || entry.OrganizationID != "org1" ||
		entry.IPAddress != "10.0.0.1" || entry.RequestID != "req-42" {
		t.Fatalf("meta not carried: %+v", entry)
	}
}

func TestCloseIsIdempotentAndDrains(t *testing.T) {
	store := &memStore{failUntil: 1}
	rec := NewRecorder(store, WithBaseBackoff(time.Millisecond))

	rec.Record(context.Background(), "rbac.role.create", "role", "r1", nil, nil)
	rec.Close()
	rec.Close()

	if store.count() != 1 {
		t.Fatalf("queued entry not drained, entries = %d", store.count())
	}
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{Page: 0, PageSize: 0}.Normalize()
	if f.Page != 1 || f.PageSize != DefaultPageSize {
		t.Fatalf("defaults = %+v", f)
	}
	f = Filter{Page: 3, PageSize: 10_000}.Normalize()
	if f.PageSize != MaxPageSize {
		t.Fatalf("page size not clamped: %d", f.PageSize)
	}
	if f.Page != 3 {
		t.Fatalf("page changed: %d", f.Page)
	}
}
