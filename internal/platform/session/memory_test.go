package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

func testPrincipal(role principal.Role) *principal.Principal {
	return &principal.Principal{
		ID:       uuid.New(),
		Role:     role,
		ClinicID: "clinic-001",
	}
}

func newTestMemoryStore(policy Policy) (*MemoryStore, *time.Time) {
	store := NewMemoryStore(policy)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	return store, &now
}

func TestMemoryStore_CreateValidateRoundTrip(t *testing.T) {
	store, _ := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()
	p := testPrincipal(principal.RoleDoctor)

	created, err := store.Create(ctx, p, DeviceInfo{IP: "10.0.0.1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a session id")
	}

	sess, status, err := store.Validate(ctx, created.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if status != StatusValid {
		t.Fatalf("status = %s, want valid", status)
	}
	if sess.UserID != p.ID || sess.ClinicID != "clinic-001" || sess.Role != principal.RoleDoctor {
		t.Errorf("session fields mismatch: %+v", sess)
	}
	if sess.Device.IP != "10.0.0.1" {
		t.Errorf("device ip = %q", sess.Device.IP)
	}
}

func TestMemoryStore_UnknownSessionNotFound(t *testing.T) {
	store, _ := newTestMemoryStore(DefaultPolicy())

	_, status, err := store.Validate(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusNotFound {
		t.Errorf("status = %s, want not_found", status)
	}
}

func TestMemoryStore_IdleTimeout(t *testing.T) {
	store, now := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()

	created, _ := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{})

	// 14 minutes of silence: still valid.
	*now = now.Add(14 * time.Minute)
	if _, status, _ := store.Validate(ctx, created.ID); status != StatusValid {
		t.Fatalf("at 14m status = %s, want valid", status)
	}

	// Activity resets the window.
	store.Touch(ctx, created.ID, *now)

	// 16 minutes after the touch: idle timeout.
	*now = now.Add(16 * time.Minute)
	if _, status, _ := store.Validate(ctx, created.ID); status != StatusIdleTimeout {
		t.Errorf("at 16m idle status = %s, want idle_timeout", status)
	}
}

func TestMemoryStore_AbsoluteTimeoutIgnoresActivity(t *testing.T) {
	store, now := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()

	created, _ := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{})

	// Touch every 10 minutes for 7 days; the absolute limit still fires.
	deadline := now.Add(7*24*time.Hour + time.Minute)
	for now.Before(deadline) {
		*now = now.Add(10 * time.Minute)
		store.Touch(ctx, created.ID, *now)
	}

	if _, status, _ := store.Validate(ctx, created.ID); status != StatusAbsoluteTimeout {
		t.Errorf("status = %s, want absolute_timeout despite constant activity", status)
	}
}

func TestMemoryStore_RoleOverrideTimeout(t *testing.T) {
	policy := DefaultPolicy()
	policy.RoleOverrides = map[principal.Role]RoleLimits{
		principal.RolePatient: {IdleTimeout: 30 * time.Minute},
	}
	store, now := newTestMemoryStore(policy)
	ctx := context.Background()

	doctor, _ := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{})
	patient, _ := store.Create(ctx, testPrincipal(principal.RolePatient), DeviceInfo{})

	*now = now.Add(20 * time.Minute)

	if _, status, _ := store.Validate(ctx, doctor.ID); status != StatusIdleTimeout {
		t.Errorf("doctor at 20m = %s, want idle_timeout", status)
	}
	if _, status, _ := store.Validate(ctx, patient.ID); status != StatusValid {
		t.Errorf("patient at 20m = %s, want valid under 30m override", status)
	}
}

func TestMemoryStore_TouchOnlyMovesForward(t *testing.T) {
	store, now := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()

	created, _ := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{})

	later := now.Add(5 * time.Minute)
	store.Touch(ctx, created.ID, later)

	// A delayed touch with an older timestamp must not rewind.
	store.Touch(ctx, created.ID, now.Add(1*time.Minute))

	sess, _, _ := store.Validate(ctx, created.ID)
	if !sess.LastActivityAt.Equal(later) {
		t.Errorf("LastActivityAt = %v, want %v", sess.LastActivityAt, later)
	}
}

func TestMemoryStore_ConcurrentTouchesConvergeToLatest(t *testing.T) {
	store, now := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()

	created, _ := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{})

	latest := now.Add(60 * time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			store.Touch(ctx, created.ID, now.Add(time.Duration(offset+1)*time.Second))
		}(i)
	}
	wg.Wait()

	sess, _, _ := store.Validate(ctx, created.ID)
	if !sess.LastActivityAt.Equal(latest) {
		t.Errorf("LastActivityAt = %v, want %v", sess.LastActivityAt, latest)
	}
}

func TestMemoryStore_RevokeBeatsTouch(t *testing.T) {
	store, now := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()

	created, _ := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{})

	if err := store.Revoke(ctx, created.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// A touch landing after the revoke must not resurrect the session.
	if err := store.Touch(ctx, created.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("touch after revoke: %v", err)
	}

	if _, status, _ := store.Validate(ctx, created.ID); status != StatusNotFound {
		t.Errorf("status = %s, want not_found after revoke", status)
	}
}

func TestMemoryStore_CapEvictsLeastRecentlyActive(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxConcurrent = 2
	store, now := newTestMemoryStore(policy)
	ctx := context.Background()
	p := testPrincipal(principal.RoleDoctor)

	first, _ := store.Create(ctx, p, DeviceInfo{IP: "1.1.1.1"})
	*now = now.Add(time.Minute)
	second, _ := store.Create(ctx, p, DeviceInfo{IP: "2.2.2.2"})

	// Activity on the first makes the second the eviction candidate.
	*now = now.Add(time.Minute)
	store.Touch(ctx, first.ID, *now)

	*now = now.Add(time.Minute)
	third, _ := store.Create(ctx, p, DeviceInfo{IP: "3.3.3.3"})

	if _, status, _ := store.Validate(ctx, second.ID); status != StatusNotFound {
		t.Errorf("second session = %s, want evicted", status)
	}
	if _, status, _ := store.Validate(ctx, first.ID); status != StatusValid {
		t.Errorf("first session = %s, want still valid", status)
	}
	if _, status, _ := store.Validate(ctx, third.ID); status != StatusValid {
		t.Errorf("third session = %s, want valid", status)
	}

	live, _ := store.ListByUser(ctx, p.ID)
	if len(live) != 2 {
		t.Errorf("live sessions = %d, want cap of 2", len(live))
	}
}

func TestMemoryStore_CapIsPerUser(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxConcurrent = 1
	store, _ := newTestMemoryStore(policy)
	ctx := context.Background()

	a, b := testPrincipal(principal.RoleDoctor), testPrincipal(principal.RoleNurse)
	sessA, _ := store.Create(ctx, a, DeviceInfo{})
	sessB, _ := store.Create(ctx, b, DeviceInfo{})

	if _, status, _ := store.Validate(ctx, sessA.ID); status != StatusValid {
		t.Errorf("user A session = %s; another user's login must not evict it", status)
	}
	if _, status, _ := store.Validate(ctx, sessB.ID); status != StatusValid {
		t.Errorf("user B session = %s", status)
	}
}

func TestMemoryStore_RevokeAll(t *testing.T) {
	store, _ := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()
	p := testPrincipal(principal.RoleDoctor)

	for i := 0; i < 3; i++ {
		store.Create(ctx, p, DeviceInfo{})
	}

	count, err := store.RevokeAll(ctx, p.ID)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if count != 3 {
		t.Errorf("revoked %d, want 3", count)
	}

	live, _ := store.ListByUser(ctx, p.ID)
	if len(live) != 0 {
		t.Errorf("%d sessions survived revoke all", len(live))
	}
}

func TestMemoryStore_ListByUserNewestFirst(t *testing.T) {
	store, now := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()
	p := testPrincipal(principal.RoleDoctor)

	first, _ := store.Create(ctx, p, DeviceInfo{})
	*now = now.Add(time.Minute)
	second, _ := store.Create(ctx, p, DeviceInfo{})

	*now = now.Add(time.Minute)
	store.Touch(ctx, first.ID, *now)

	live, _ := store.ListByUser(ctx, p.ID)
	if len(live) != 2 {
		t.Fatalf("got %d sessions", len(live))
	}
	if live[0].ID != first.ID || live[1].ID != second.ID {
		t.Errorf("order = [%s %s], want most recent activity first", live[0].ID, live[1].ID)
	}
}

func TestMemoryStore_ValidateReturnsCopy(t *testing.T) {
	store, _ := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()

	created, _ := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{})

	sess, _, _ := store.Validate(ctx, created.ID)
	sess.Revoked = true

	if _, status, _ := store.Validate(ctx, created.ID); status != StatusValid {
		t.Error("mutating a returned session must not affect the store")
	}
}

func TestMemoryStore_SetPolicyAppliesToIdleChecks(t *testing.T) {
	store, now := newTestMemoryStore(DefaultPolicy())
	ctx := context.Background()

	created, _ := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{})

	tightened := store.CurrentPolicy()
	tightened.IdleTimeout = 5 * time.Minute
	store.SetPolicy(tightened)

	*now = now.Add(10 * time.Minute)
	if _, status, _ := store.Validate(ctx, created.ID); status != StatusIdleTimeout {
		t.Errorf("status = %s, want idle_timeout under tightened policy", status)
	}
}

func TestMemoryStore_ConcurrentCreateAndSetPolicy(t *testing.T) {
	store := NewMemoryStore(DefaultPolicy())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := store.Create(ctx, testPrincipal(principal.RoleDoctor), DeviceInfo{}); err != nil {
				t.Errorf("create: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			p := DefaultPolicy()
			p.AbsoluteTimeout = time.Duration(i+1) * time.Hour
			store.SetPolicy(p)
		}
	}()
	wg.Wait()
}
