package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicgate/clinicgate/internal/platform/audit"
	"github.com/clinicgate/clinicgate/internal/platform/clinic"
	"github.com/clinicgate/clinicgate/internal/platform/principal"
	"github.com/clinicgate/clinicgate/internal/platform/session"
	"github.com/clinicgate/clinicgate/internal/platform/token"
)

const (
	dispatchSecret   = "dispatch-test-secret-0123456789ab"
	dispatchIssuer   = "clinicgate"
	dispatchAudience = "clinicgate-api"
)

// fixedVersions answers every token version lookup with the same value.
type fixedVersions struct {
	version int64
	err     error

	mu    sync.Mutex
	calls int
}

func (v *fixedVersions) TokenVersion(context.Context, uuid.UUID) (int64, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return v.version, v.err
}

func (v *fixedVersions) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// eventSink collects appended audit events synchronously.
type eventSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *eventSink) Append(_ context.Context, e *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) snapshot() []*audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

type dispatchEnv struct {
	e        *echo.Echo
	d        *Dispatcher
	issuer   *token.Issuer
	sessions *session.MemoryStore
	sink     *eventSink
	auditor  *audit.Dispatcher
}

// newDispatchEnv wires a full pipeline against in-memory parts. versions may
// be nil for "version always matches". store may be nil for a fresh memory
// store.
func newDispatchEnv(t *testing.T, versions token.VersionSource, store session.Store) *dispatchEnv {
	t.Helper()

	if versions == nil {
		versions = &fixedVersions{version: 1}
	}
	mem, _ := store.(*session.MemoryStore)
	if store == nil {
		mem = session.NewMemoryStore(session.DefaultPolicy())
		store = mem
	}

	sink := &eventSink{}
	auditor := audit.NewDispatcher(sink, zerolog.Nop(), 64)

	keys := token.NewHMACProvider([]byte(dispatchSecret))
	verifier := token.NewVerifier(keys, versions, dispatchIssuer, dispatchAudience)
	extractor := token.NewExtractor(nil, "", []string{"/documents/:id"})

	env := &dispatchEnv{
		e: echo.New(),
		d: NewDispatcher(extractor, verifier, store, auditor, nil, zerolog.Nop()),
		// Long-lived tokens so session-clock tests outrun token expiry.
		issuer:   token.NewHMACIssuer([]byte(dispatchSecret), dispatchIssuer, dispatchAudience, 30*24*time.Hour),
		sessions: mem,
		sink:     sink,
		auditor:  auditor,
	}
	return env
}

// flush stops the audit writer and returns everything it persisted.
func (env *dispatchEnv) flush(t *testing.T) []*audit.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := env.auditor.Close(ctx); err != nil {
		t.Fatalf("audit flush: %v", err)
	}
	return env.sink.snapshot()
}

func (env *dispatchEnv) request(method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func newDoctor(clinicID string, perms ...string) *principal.Principal {
	return &principal.Principal{
		ID:           uuid.New(),
		Role:         principal.RoleDoctor,
		ClinicID:     clinicID,
		Permissions:  perms,
		TokenVersion: 1,
	}
}

// login creates a live session for p and mints a matching access token.
func (env *dispatchEnv) login(t *testing.T, p *principal.Principal) string {
	t.Helper()
	sess, err := env.sessions.Create(context.Background(), p, session.DeviceInfo{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	p.SessionID = sess.ID
	tok, err := env.issuer.Mint(p)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

type observed struct {
	called  bool
	authn   principal.Authn
	authnOK bool
	scope   clinic.Context
	scopeOK bool
}

func observeHandler(obs *observed) echo.HandlerFunc {
	return func(c echo.Context) error {
		obs.called = true
		obs.authn, obs.authnOK = AuthnFromContext(c.Request().Context())
		obs.scope, obs.scopeOK = clinic.ScopeFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}
}

func TestGuard_AuthorizedRequestDispatches(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	p := newDoctor("clinic-001", "patients:read")
	tok := env.login(t, p)

	var obs observed
	env.e.GET("/patients", observeHandler(&obs), env.d.Guard(Guard{
		Roles:       []principal.Role{principal.RoleDoctor},
		Permissions: []string{"patients:read"},
	}))

	rec := env.request(http.MethodGet, "/patients", bearer(tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !obs.called {
		t.Fatal("handler never ran")
	}
	got, ok := PrincipalFromContext(contextWith(obs.authn))
	if !ok || got.ID != p.ID {
		t.Error("handler context missing the authenticated principal")
	}
	if !obs.scopeOK || obs.scope.ClinicID != "clinic-001" || obs.scope.IsSuperAdmin {
		t.Errorf("clinic scope = %+v, want clinic-001 non-admin", obs.scope)
	}

	events := env.flush(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want exactly 1", len(events))
	}
	e := events[0]
	if e.Category != audit.CategoryAuthSuccess || e.Outcome != audit.OutcomeAllow {
		t.Errorf("event = %s/%s, want AUTH_SUCCESS/allow", e.Category, e.Outcome)
	}
	if e.PrincipalID != p.ID.String() || e.ClinicID != "clinic-001" || e.SessionID != p.SessionID {
		t.Errorf("event identity fields wrong: %+v", e)
	}
	if e.Action != "read" {
		t.Errorf("Action = %q, want read for GET", e.Action)
	}
}

// contextWith rebuilds a context carrying a, so PrincipalFromContext can be
// exercised against what the handler observed.
func contextWith(a principal.Authn) context.Context {
	return WithAuthn(context.Background(), a)
}

func TestGuard_HandlerOwnedOutcomeSuppressesGenericSuccess(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	p := newDoctor("clinic-001")
	tok := env.login(t, p)

	env.e.POST("/auth/logout", func(c echo.Context) error {
		pr, _ := PrincipalFromContext(c.Request().Context())
		env.auditor.Record(&audit.Event{
			PrincipalID: pr.ID.String(),
			ClinicID:    pr.ClinicID,
			Category:    audit.CategoryAuthSuccess,
			Action:      "logout",
			Outcome:     audit.OutcomeAllow,
		})
		return c.NoContent(http.StatusNoContent)
	}, env.d.Guard(Guard{HandlerRecordsOutcome: true}))

	rec := env.request(http.MethodPost, "/auth/logout", bearer(tok))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	events := env.flush(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want exactly the handler's own", len(events))
	}
	if events[0].Action != "logout" {
		t.Errorf("Action = %q, want the handler's logout event, not a generic success", events[0].Action)
	}
}

func TestGuard_HandlerOwnedOutcomeStillAuditsDenials(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	p := newDoctor("clinic-001")
	tok := env.login(t, p)

	env.e.PUT("/admin/session-policy", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, env.d.Guard(Guard{
		Roles:                 []principal.Role{principal.RoleSuperAdmin},
		HandlerRecordsOutcome: true,
	}))

	rec := env.request(http.MethodPut, "/admin/session-policy", bearer(tok))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	events := env.flush(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	if events[0].Category != audit.CategoryAuthFailure || events[0].Outcome != audit.OutcomeDeny {
		t.Errorf("event = %s/%s, want AUTH_FAILURE/deny despite the handler-owned flag",
			events[0].Category, events[0].Outcome)
	}
}

func TestGuard_TokenFailures(t *testing.T) {
	expiredIssuer := token.NewHMACIssuer([]byte(dispatchSecret), dispatchIssuer, dispatchAudience, 15*time.Minute)
	expiredIssuer.SetClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	foreignIssuer := token.NewHMACIssuer([]byte("another-signing-secret-0123456789"), dispatchIssuer, dispatchAudience, 15*time.Minute)

	tests := []struct {
		name       string
		header     map[string]string
		wantReason RejectReason
	}{
		{"missing token", nil, RejectTokenMissing},
		{"garbage token", bearer("not.a.jwt"), RejectTokenMalformed},
		{"expired token", nil, RejectTokenExpired}, // header built below
		{"foreign signature", nil, RejectTokenMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newDispatchEnv(t, nil, nil)
			env.e.GET("/patients", observeHandler(&observed{}), env.d.Guard(Guard{}))

			p := newDoctor("clinic-001")
			header := tt.header
			switch tt.name {
			case "expired token":
				p.SessionID = uuid.NewString()
				tok, err := expiredIssuer.Mint(p)
				if err != nil {
					t.Fatal(err)
				}
				header = bearer(tok)
			case "foreign signature":
				p.SessionID = uuid.NewString()
				tok, err := foreignIssuer.Mint(p)
				if err != nil {
					t.Fatal(err)
				}
				header = bearer(tok)
			}

			rec := env.request(http.MethodGet, "/patients", header)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"error_code":"unauthenticated"`) {
				t.Errorf("body %s does not carry the uniform contract", rec.Body.String())
			}

			events := env.flush(t)
			if len(events) != 1 {
				t.Fatalf("recorded %d events, want 1", len(events))
			}
			e := events[0]
			if e.Category != audit.CategoryAuthFailure || e.Outcome != audit.OutcomeDeny {
				t.Errorf("event = %s/%s, want AUTH_FAILURE/deny", e.Category, e.Outcome)
			}
			if e.Reason != string(tt.wantReason) {
				t.Errorf("audit reason = %q, want %q", e.Reason, tt.wantReason)
			}
		})
	}
}

// All 401s must be byte-identical regardless of which internal reason fired.
func TestGuard_UniformUnauthorizedBody(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	env.e.GET("/patients", observeHandler(&observed{}), env.d.Guard(Guard{}))
	defer env.flush(t)

	missing := env.request(http.MethodGet, "/patients", nil)
	garbage := env.request(http.MethodGet, "/patients", bearer("garbage"))

	if missing.Code != garbage.Code {
		t.Fatalf("status differs: %d vs %d", missing.Code, garbage.Code)
	}
	if missing.Body.String() != garbage.Body.String() {
		t.Errorf("401 bodies differ:\n%s\n%s", missing.Body.String(), garbage.Body.String())
	}
}

func TestGuard_RevokedTokenVersion(t *testing.T) {
	versions := &fixedVersions{version: 7}
	env := newDispatchEnv(t, versions, nil)
	env.e.GET("/patients", observeHandler(&observed{}), env.d.Guard(Guard{}))

	p := newDoctor("clinic-001")
	p.TokenVersion = 6 // behind the authoritative version
	tok := env.login(t, p)

	rec := env.request(http.MethodGet, "/patients", bearer(tok))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	events := env.flush(t)
	if len(events) != 1 || events[0].Reason != string(RejectTokenRevoked) {
		t.Fatalf("events = %+v, want one token_revoked denial", events)
	}
	if versions.callCount() != 1 {
		t.Errorf("version lookups = %d, revocation must not be retried", versions.callCount())
	}
}

func TestGuard_VersionLookupOutageFailsClosedAfterRetry(t *testing.T) {
	versions := &fixedVersions{err: fmt.Errorf("%w: pool timeout", token.ErrVersionUnavailable)}
	env := newDispatchEnv(t, versions, nil)

	var obs observed
	env.e.GET("/patients", observeHandler(&obs), env.d.Guard(Guard{}))

	p := newDoctor("clinic-001")
	tok := env.login(t, p)

	rec := env.request(http.MethodGet, "/patients", bearer(tok))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 fail-closed", rec.Code)
	}
	if obs.called {
		t.Fatal("handler ran despite an unverifiable token")
	}
	if versions.callCount() != 2 {
		t.Errorf("version lookups = %d, want 2 (one retry)", versions.callCount())
	}

	events := env.flush(t)
	if len(events) != 1 || events[0].Reason != string(RejectDependencyUnavailable) {
		t.Fatalf("events = %+v, want one dependency_unavailable denial", events)
	}
}

// unavailableStore fails every operation the way a dead Redis would.
type unavailableStore struct {
	mu            sync.Mutex
	validateCalls int
}

func (s *unavailableStore) fail() error {
	return fmt.Errorf("%w: connection refused", session.ErrUnavailable)
}

func (s *unavailableStore) Create(context.Context, *principal.Principal, session.DeviceInfo) (*session.Session, error) {
	return nil, s.fail()
}

func (s *unavailableStore) Validate(context.Context, string) (*session.Session, session.Status, error) {
	s.mu.Lock()
	s.validateCalls++
	s.mu.Unlock()
	return nil, session.StatusNotFound, s.fail()
}

func (s *unavailableStore) Touch(context.Context, string, time.Time) error { return s.fail() }
func (s *unavailableStore) Revoke(context.Context, string) error           { return s.fail() }
func (s *unavailableStore) RevokeAll(context.Context, uuid.UUID) (int, error) {
	return 0, s.fail()
}
func (s *unavailableStore) ListByUser(context.Context, uuid.UUID) ([]*session.Session, error) {
	return nil, s.fail()
}

func TestGuard_SessionStoreOutageFailsClosed(t *testing.T) {
	store := &unavailableStore{}
	env := newDispatchEnv(t, nil, store)

	var obs observed
	env.e.GET("/patients", observeHandler(&obs), env.d.Guard(Guard{}))

	// Mint directly: the dead store cannot create a session.
	p := newDoctor("clinic-001")
	p.SessionID = uuid.NewString()
	tok, err := env.issuer.Mint(p)
	if err != nil {
		t.Fatal(err)
	}

	rec := env.request(http.MethodGet, "/patients", bearer(tok))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: a store outage must never skip validation", rec.Code)
	}
	if obs.called {
		t.Fatal("handler ran without a validated session")
	}
	if store.validateCalls != 2 {
		t.Errorf("validate calls = %d, want 2 (one retry)", store.validateCalls)
	}
	env.flush(t)
}

func TestGuard_SessionTimeouts(t *testing.T) {
	tests := []struct {
		name       string
		advance    time.Duration
		wantReason RejectReason
	}{
		{"idle timeout", 16 * time.Minute, RejectSessionIdleTimeout},
		{"absolute timeout", 8 * 24 * time.Hour, RejectSessionAbsoluteTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newDispatchEnv(t, nil, nil)
			env.e.GET("/patients", observeHandler(&observed{}), env.d.Guard(Guard{}))

			now := time.Now()
			cur := &now
			env.sessions.SetClock(func() time.Time { return *cur })

			p := newDoctor("clinic-001")
			tok := env.login(t, p)

			later := now.Add(tt.advance)
			cur = &later

			rec := env.request(http.MethodGet, "/patients", bearer(tok))
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}

			events := env.flush(t)
			if len(events) != 1 {
				t.Fatalf("recorded %d events, want 1", len(events))
			}
			if events[0].Category != audit.CategorySessionTimeout {
				t.Errorf("category = %s, want SESSION_TIMEOUT", events[0].Category)
			}
			if events[0].Reason != string(tt.wantReason) {
				t.Errorf("reason = %q, want %q", events[0].Reason, tt.wantReason)
			}
		})
	}
}

func TestGuard_RevokedSessionDenied(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	env.e.GET("/patients", observeHandler(&observed{}), env.d.Guard(Guard{}))

	p := newDoctor("clinic-001")
	tok := env.login(t, p)
	if err := env.sessions.Revoke(context.Background(), p.SessionID); err != nil {
		t.Fatal(err)
	}

	rec := env.request(http.MethodGet, "/patients", bearer(tok))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	events := env.flush(t)
	if len(events) != 1 || events[0].Reason != string(RejectSessionNotFound) {
		t.Fatalf("events = %+v, want one session_not_found denial", events)
	}
}

func TestGuard_SessionUserMismatchDenied(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	env.e.GET("/patients", observeHandler(&observed{}), env.d.Guard(Guard{}))

	owner := newDoctor("clinic-001")
	env.login(t, owner)

	// A second user presents a token pointing at the first user's session.
	thief := newDoctor("clinic-001")
	thief.SessionID = owner.SessionID
	tok, err := env.issuer.Mint(thief)
	if err != nil {
		t.Fatal(err)
	}

	rec := env.request(http.MethodGet, "/patients", bearer(tok))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	events := env.flush(t)
	if len(events) != 1 || events[0].Reason != string(RejectSessionNotFound) {
		t.Fatalf("events = %+v, want one session_not_found denial", events)
	}
}

func TestGuard_SessionlessToken(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)

	var docObs, apiObs observed
	env.e.GET("/documents/:id", observeHandler(&docObs), env.d.Guard(Guard{AllowSessionless: true}))
	env.e.GET("/patients", observeHandler(&apiObs), env.d.Guard(Guard{AllowSessionless: true}))

	p := newDoctor("clinic-001")
	link, err := env.issuer.MintLink(p, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Safe-listed query route: admitted.
	rec := env.request(http.MethodGet, "/documents/doc-1?access_token="+link, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("link token on safelisted route: status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !docObs.called {
		t.Fatal("document handler never ran")
	}

	// Same token as a bearer header: rejected even though the guard allows
	// sessionless, because the source is not a safelisted query parameter.
	rec = env.request(http.MethodGet, "/patients", bearer(link))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("link token via bearer: status = %d, want 401", rec.Code)
	}
	if apiObs.called {
		t.Fatal("handler ran on a sessionless bearer token")
	}
	env.flush(t)
}

func TestGuard_SessionlessTokenDeniedWithoutGuardOptIn(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	var obs observed
	env.e.GET("/documents/:id", observeHandler(&obs), env.d.Guard(Guard{}))

	p := newDoctor("clinic-001")
	link, err := env.issuer.MintLink(p, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	rec := env.request(http.MethodGet, "/documents/doc-1?access_token="+link, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: sessionless needs the guard opt-in", rec.Code)
	}
	if obs.called {
		t.Fatal("handler ran")
	}
	env.flush(t)
}

func TestGuard_AuthorizationDenials(t *testing.T) {
	tests := []struct {
		name         string
		guard        Guard
		target       string
		route        string
		wantReason   RejectReason
		wantCategory audit.Category
	}{
		{
			name:         "insufficient role",
			guard:        Guard{Roles: []principal.Role{principal.RoleClinicAdmin}},
			route:        "/admin/users",
			target:       "/admin/users",
			wantReason:   RejectInsufficientRole,
			wantCategory: audit.CategoryAuthFailure,
		},
		{
			name:         "insufficient permission",
			guard:        Guard{Permissions: []string{"billing:export"}},
			route:        "/billing",
			target:       "/billing",
			wantReason:   RejectInsufficientPermission,
			wantCategory: audit.CategoryAuthFailure,
		},
		{
			name:         "cross tenant",
			guard:        Guard{ClinicParam: "clinic_id"},
			route:        "/clinics/:clinic_id/patients",
			target:       "/clinics/clinic-002/patients",
			wantReason:   RejectCrossTenantAccess,
			wantCategory: audit.CategoryCrossTenantAttempt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newDispatchEnv(t, nil, nil)
			var obs observed
			env.e.GET(tt.route, observeHandler(&obs), env.d.Guard(tt.guard))

			p := newDoctor("clinic-001", "patients:read")
			tok := env.login(t, p)

			rec := env.request(http.MethodGet, tt.target, bearer(tok))
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"error_code":"forbidden"`) {
				t.Errorf("body %s does not carry the uniform 403 contract", rec.Body.String())
			}
			if obs.called {
				t.Fatal("handler ran on a denied request")
			}

			events := env.flush(t)
			if len(events) != 1 {
				t.Fatalf("recorded %d events, want 1", len(events))
			}
			e := events[0]
			if e.Category != tt.wantCategory || e.Reason != string(tt.wantReason) {
				t.Errorf("event = %s/%q, want %s/%q", e.Category, e.Reason, tt.wantCategory, tt.wantReason)
			}
			if e.PrincipalID != p.ID.String() {
				t.Error("denial event must identify the principal")
			}
		})
	}
}

func TestGuard_SuperAdminCrossClinicFlagged(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	var obs observed
	env.e.GET("/clinics/:clinic_id/patients", observeHandler(&obs), env.d.Guard(Guard{ClinicParam: "clinic_id"}))

	sa := &principal.Principal{
		ID:           uuid.New(),
		Role:         principal.RoleSuperAdmin,
		ClinicID:     "clinic-hq",
		TokenVersion: 1,
	}
	tok := env.login(t, sa)

	rec := env.request(http.MethodGet, "/clinics/clinic-002/patients", bearer(tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !obs.scope.IsSuperAdmin {
		t.Error("super-admin scope flag missing from handler context")
	}

	events := env.flush(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	if !events[0].SuperAdminCrossClinic {
		t.Error("cross-clinic super-admin success must carry the audit flag")
	}
}

func TestGuard_PHIAccessEvent(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	env.e.GET("/patients/:id", observeHandler(&observed{}), env.d.Guard(Guard{
		Roles:    []principal.Role{principal.RoleDoctor},
		Resource: "patient",
	}))

	p := newDoctor("clinic-001")
	tok := env.login(t, p)

	rec := env.request(http.MethodGet, "/patients/pat-42", bearer(tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	events := env.flush(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want exactly 1", len(events))
	}
	e := events[0]
	if e.Category != audit.CategoryPHIAccess {
		t.Errorf("category = %s, want PHI_ACCESS", e.Category)
	}
	if e.ResourceType != "patient" || e.ResourceID != "pat-42" {
		t.Errorf("resource = %s/%s, want patient/pat-42", e.ResourceType, e.ResourceID)
	}
}

func TestGuard_BreakGlass(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	var obs observed
	// Nurses are not on this route; break-glass is the only way in.
	env.e.GET("/patients/:id", observeHandler(&obs), env.d.Guard(Guard{
		Roles:           []principal.Role{principal.RoleDoctor},
		Resource:        "patient",
		AllowBreakGlass: true,
	}))

	nurse := &principal.Principal{
		ID:           uuid.New(),
		Role:         principal.RoleNurse,
		ClinicID:     "clinic-001",
		TokenVersion: 1,
	}
	tok := env.login(t, nurse)

	hdr := bearer(tok)
	hdr[BreakGlassHeader] = "patient coding in room 4"

	rec := env.request(http.MethodGet, "/patients/pat-42", hdr)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 under break-glass", rec.Code)
	}
	if !obs.called {
		t.Fatal("handler never ran")
	}

	events := env.flush(t)
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	e := events[0]
	if e.Category != audit.CategoryEmergencyAccess {
		t.Errorf("category = %s, want EMERGENCY_ACCESS", e.Category)
	}
	if !e.Alert {
		t.Error("break-glass event must set the alert flag")
	}
	if e.Reason != "patient coding in room 4" {
		t.Errorf("Reason = %q, want the stated justification", e.Reason)
	}
}

func TestGuard_BreakGlassRequiresHeader(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	env.e.GET("/patients/:id", observeHandler(&observed{}), env.d.Guard(Guard{
		Roles:           []principal.Role{principal.RoleDoctor},
		AllowBreakGlass: true,
	}))

	nurse := &principal.Principal{ID: uuid.New(), Role: principal.RoleNurse, ClinicID: "clinic-001", TokenVersion: 1}
	tok := env.login(t, nurse)

	rec := env.request(http.MethodGet, "/patients/pat-42", bearer(tok))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: no header means no override", rec.Code)
	}
	env.flush(t)
}

func TestGuard_BreakGlassRateLimited(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	env.e.GET("/patients/:id", observeHandler(&observed{}), env.d.Guard(Guard{
		Roles:           []principal.Role{principal.RoleDoctor},
		AllowBreakGlass: true,
	}))

	nurse := &principal.Principal{ID: uuid.New(), Role: principal.RoleNurse, ClinicID: "clinic-001", TokenVersion: 1}
	tok := env.login(t, nurse)
	hdr := bearer(tok)
	hdr[BreakGlassHeader] = "mass casualty intake"

	for i := 0; i < breakGlassMaxPerHour; i++ {
		if rec := env.request(http.MethodGet, "/patients/pat-42", hdr); rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := env.request(http.MethodGet, "/patients/pat-42", hdr)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("attempt %d: status = %d, want 429", breakGlassMaxPerHour+1, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error_code":"rate_limited"`) {
		t.Errorf("body %s does not carry the 429 contract", rec.Body.String())
	}

	events := env.flush(t)
	if len(events) != breakGlassMaxPerHour+1 {
		t.Fatalf("recorded %d events, want %d", len(events), breakGlassMaxPerHour+1)
	}
	last := events[len(events)-1]
	if last.Outcome != audit.OutcomeDeny || last.Reason != string(RejectRateLimited) {
		t.Errorf("final event = %s/%q, want deny/rate_limited", last.Outcome, last.Reason)
	}
}

func TestGuard_OptionalAuth(t *testing.T) {
	t.Run("no token dispatches anonymous", func(t *testing.T) {
		env := newDispatchEnv(t, nil, nil)
		var obs observed
		env.e.GET("/directory", observeHandler(&obs), env.d.Guard(Guard{OptionalAuth: true}))

		rec := env.request(http.MethodGet, "/directory", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !obs.authnOK {
			t.Fatal("optional-auth handler must still receive an Authn")
		}
		if !obs.authn.IsAnonymous() {
			t.Error("missing token must resolve to the anonymous variant")
		}
		if obs.scopeOK {
			t.Error("anonymous request must carry no clinic scope")
		}

		if events := env.flush(t); len(events) != 0 {
			t.Errorf("anonymous dispatch recorded %d events, want 0", len(events))
		}
	})

	t.Run("invalid token dispatches anonymous and audits", func(t *testing.T) {
		env := newDispatchEnv(t, nil, nil)
		var obs observed
		env.e.GET("/directory", observeHandler(&obs), env.d.Guard(Guard{OptionalAuth: true}))

		rec := env.request(http.MethodGet, "/directory", bearer("corrupted"))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !obs.authn.IsAnonymous() {
			t.Error("invalid token on optional route must resolve to anonymous")
		}

		events := env.flush(t)
		if len(events) != 1 {
			t.Fatalf("recorded %d events, want 1 soft failure", len(events))
		}
		if events[0].Outcome != audit.OutcomeDeny || events[0].Reason != string(RejectTokenMalformed) {
			t.Errorf("soft failure event = %+v", events[0])
		}
	})

	t.Run("valid token still authenticates", func(t *testing.T) {
		env := newDispatchEnv(t, nil, nil)
		var obs observed
		env.e.GET("/directory", observeHandler(&obs), env.d.Guard(Guard{OptionalAuth: true}))

		p := newDoctor("clinic-001")
		tok := env.login(t, p)

		rec := env.request(http.MethodGet, "/directory", bearer(tok))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if obs.authn.IsAnonymous() {
			t.Error("valid token on optional route must authenticate")
		}
		if events := env.flush(t); len(events) != 1 {
			t.Errorf("recorded %d events, want 1 success", len(events))
		}
	})

	t.Run("dependency outage still fails closed", func(t *testing.T) {
		versions := &fixedVersions{err: fmt.Errorf("%w: down", token.ErrVersionUnavailable)}
		env := newDispatchEnv(t, versions, nil)
		env.e.GET("/directory", observeHandler(&observed{}), env.d.Guard(Guard{OptionalAuth: true}))

		p := newDoctor("clinic-001")
		tok := env.login(t, p)

		rec := env.request(http.MethodGet, "/directory", bearer(tok))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503: outages are not soft failures", rec.Code)
		}
		env.flush(t)
	})
}

func TestGuard_TouchAdvancesActivity(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	env.e.GET("/patients", observeHandler(&observed{}), env.d.Guard(Guard{}))

	now := time.Now()
	cur := &now
	env.sessions.SetClock(func() time.Time { return *cur })
	env.d.SetClock(func() time.Time { return *cur })

	p := newDoctor("clinic-001")
	tok := env.login(t, p)

	// 10 minutes pass, then the request lands. Another 10 minutes later the
	// session is still live only if the request refreshed activity.
	step1 := now.Add(10 * time.Minute)
	cur = &step1
	if rec := env.request(http.MethodGet, "/patients", bearer(tok)); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	step2 := now.Add(20 * time.Minute)
	cur = &step2
	if rec := env.request(http.MethodGet, "/patients", bearer(tok)); rec.Code != http.StatusOK {
		t.Fatalf("second request status = %d, want 200: first request must have touched the session", rec.Code)
	}
	env.flush(t)
}

func TestGuard_NoSuccessAuditOnCancelledRequest(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)

	env.e.GET("/patients", func(c echo.Context) error {
		ctx, cancel := context.WithCancel(c.Request().Context())
		cancel()
		c.SetRequest(c.Request().WithContext(ctx))
		return c.NoContent(http.StatusOK)
	}, env.d.Guard(Guard{}))

	p := newDoctor("clinic-001")
	tok := env.login(t, p)
	env.request(http.MethodGet, "/patients", bearer(tok))

	if events := env.flush(t); len(events) != 0 {
		t.Errorf("cancelled request recorded %d events, want 0", len(events))
	}
}

// failingSink refuses every append; the request path must not notice.
type failingSink struct{}

func (failingSink) Append(context.Context, *audit.Event) error {
	return errors.New("audit database down")
}

func TestGuard_AuditOutageDoesNotFailRequests(t *testing.T) {
	env := newDispatchEnv(t, nil, nil)
	env.auditor = audit.NewDispatcher(failingSink{}, zerolog.Nop(), 8)
	env.d = NewDispatcher(
		token.NewExtractor(nil, "", nil),
		token.NewVerifier(token.NewHMACProvider([]byte(dispatchSecret)), &fixedVersions{version: 1}, dispatchIssuer, dispatchAudience),
		env.sessions,
		env.auditor,
		nil,
		zerolog.Nop(),
	)
	env.e.GET("/patients", observeHandler(&observed{}), env.d.Guard(Guard{}))

	p := newDoctor("clinic-001")
	tok := env.login(t, p)

	rec := env.request(http.MethodGet, "/patients", bearer(tok))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: audit outages never fail requests", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.auditor.Close(ctx); err != nil {
		t.Fatalf("audit close: %v", err)
	}
}

func TestMethodAction(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, "read"},
		{http.MethodHead, "read"},
		{http.MethodPost, "create"},
		{http.MethodPut, "update"},
		{http.MethodPatch, "update"},
		{http.MethodDelete, "delete"},
		{"TRACE", "read"},
	}
	for _, tt := range tests {
		if got := methodAction(tt.method); got != tt.want {
			t.Errorf("methodAction(%s) = %q, want %q", tt.method, got, tt.want)
		}
	}
}
