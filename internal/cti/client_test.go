package cti_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sweeney/nfon-callmonitor/internal/cti"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

// fakePBX is a minimal CTI API.
type fakePBX struct {
	t *testing.T

	mu           sync.Mutex
	logins       int
	refreshes    int
	failRefresh  bool
	access       string
	refresh      string
	lastDial     map[string]string
	cancelled    []string
	streamStatus int
	streamBody   string
}

func newFakePBX(t *testing.T) (*fakePBX, *httptest.Server) {
	f := &fakePBX{t: t, streamStatus: http.StatusOK}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

// with runs fn under the server lock so tests can read and tweak state.
func (f *fakePBX) with(fn func(f *fakePBX)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePBX) counts() (logins, refreshes int) {
	f.with(func(f *fakePBX) { logins, refreshes = f.logins, f.refreshes })
	return logins, refreshes
}

func (f *fakePBX) issue(w http.ResponseWriter) {
	n := f.logins + f.refreshes
	f.access = signedToken(f.t, fmt.Sprintf("access-%d", n), time.Now().Add(10*time.Minute))
	f.refresh = fmt.Sprintf("refresh-%d", n)
	json.NewEncoder(w).Encode(map[string]string{"access-token": f.access, "refresh-token": f.refresh})
}

func (f *fakePBX) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/v1/login" {
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["username"] != "K1234/alice" || body["password"] != "pw" {
				http.Error(w, "bad credentials", http.StatusUnauthorized)
				return
			}
			f.logins++
			f.issue(w)
		case http.MethodPut:
			if f.failRefresh || r.Header.Get("Authorization") != "Bearer "+f.refresh {
				http.Error(w, "refresh rejected", http.StatusUnauthorized)
				return
			}
			f.refreshes++
			f.issue(w)
		}
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+f.access {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/v1/extensions/phone/data":
		w.Write([]byte(`[{"uuid":"u-21","extension_number":"21","name":"Empfang"},{"uuid":"u-22","extension_number":"22","name":"Lager"}]`))
	case r.URL.Path == "/v1/extensions/phone/states":
		w.Write([]byte(`[{"customer":"K1234","extension":"21","line":"idle","presence":"online","updated":"2026-02-12T10:00:00Z"}]`))
	case r.URL.Path == "/v1/extensions/phone/calls" && r.Method == http.MethodPost:
		json.NewDecoder(r.Body).Decode(&f.lastDial)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"uuid":"dial-1","state":"start"}`))
	case r.URL.Path == "/v1/extensions/phone/calls" && r.Method == http.MethodGet:
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "expected event stream", http.StatusNotAcceptable)
			return
		}
		w.WriteHeader(f.streamStatus)
		w.Write([]byte(f.streamBody))
	case r.Method == http.MethodDelete:
		f.cancelled = append(f.cancelled, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newClient(t *testing.T, url string) *cti.Client {
	t.Helper()
	c, err := cti.NewClient(cti.Options{BaseURL: url, Username: "K1234/alice", Password: "pw", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := cti.NewClient(cti.Options{Username: "x"}); !errors.Is(err, cti.ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestCallsBeforeLoginFail(t *testing.T) {
	_, srv := newFakePBX(t)
	c := newClient(t, srv.URL)
	if _, err := c.Extensions(context.Background()); !errors.Is(err, cti.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestLoginAndListings(t *testing.T) {
	pbx, srv := newFakePBX(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if logins, _ := pbx.counts(); logins != 1 {
		t.Errorf("expected 1 login, got %d", logins)
	}
	if exp, ok := c.TokenExpiry(); !ok || time.Until(exp) < 9*time.Minute {
		t.Errorf("unexpected token expiry %v (ok=%v)", exp, ok)
	}

	exts, err := c.Extensions(ctx)
	if err != nil {
		t.Fatalf("Extensions: %v", err)
	}
	if len(exts) != 2 || exts[0].Number != "21" || exts[0].Name != "Empfang" || exts[1].UUID != "u-22" {
		t.Errorf("unexpected extensions %+v", exts)
	}

	states, err := c.LineStates(ctx)
	if err != nil {
		t.Fatalf("LineStates: %v", err)
	}
	if len(states) != 1 || states[0].Extension != "21" || states[0].Presence != "online" {
		t.Errorf("unexpected states %+v", states)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	_, srv := newFakePBX(t)
	c, _ := cti.NewClient(cti.Options{BaseURL: srv.URL, Username: "K1234/alice", Password: "nope", Logger: quietLogger()})

	err := c.Login(context.Background())
	var se *cti.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if !errors.Is(err, cti.ErrUnexpectedStatus) {
		t.Error("StatusError should unwrap to ErrUnexpectedStatus")
	}
}

func TestRefreshUsesRefreshToken(t *testing.T) {
	pbx, srv := newFakePBX(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()
	c.Login(ctx)

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if logins, refreshes := pbx.counts(); refreshes != 1 || logins != 1 {
		t.Errorf("expected 1 refresh and 1 login, got %d/%d", refreshes, logins)
	}
	if _, err := c.Extensions(ctx); err != nil {
		t.Errorf("refreshed token should be accepted: %v", err)
	}
}

func TestRefreshFallsBackToLogin(t *testing.T) {
	pbx, srv := newFakePBX(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()
	c.Login(ctx)

	pbx.with(func(f *fakePBX) { f.failRefresh = true })
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if logins, refreshes := pbx.counts(); logins != 2 || refreshes != 0 {
		t.Errorf("expected fallback login, got logins=%d refreshes=%d", logins, refreshes)
	}
	if _, err := c.Extensions(ctx); err != nil {
		t.Errorf("new token should be accepted: %v", err)
	}
}

func TestExpiringTokenIsRenewedBeforeUse(t *testing.T) {
	pbx, srv := newFakePBX(t)
	now := time.Now()
	c, _ := cti.NewClient(cti.Options{
		BaseURL:  srv.URL,
		Username: "K1234/alice",
		Password: "pw",
		Logger:   quietLogger(),
		Clock:    func() time.Time { return now },
	})
	ctx := context.Background()
	c.Login(ctx)

	now = now.Add(10 * time.Minute)
	if _, err := c.Extensions(ctx); err != nil {
		t.Fatalf("Extensions: %v", err)
	}
	if _, refreshes := pbx.counts(); refreshes != 1 {
		t.Errorf("expected a refresh before the request, got %d", refreshes)
	}
}

func TestInitiateCall(t *testing.T) {
	pbx, srv := newFakePBX(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()
	c.Login(ctx)

	res, err := c.InitiateCall(ctx, "21", "0170 566-4234")
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if res.UUID != "dial-1" {
		t.Errorf("expected uuid dial-1, got %q", res.UUID)
	}

	want := map[string]string{
		"caller":         "21",
		"caller_context": "K1234",
		"callee":         "491705664234",
		"callee_context": "global",
		"extension":      "21",
	}
	var got map[string]string
	pbx.with(func(f *fakePBX) { got = f.lastDial })
	for k, v := range want {
		if got[k] != v {
			t.Errorf("dial payload %s: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestInitiateCallRejectsInvalidTarget(t *testing.T) {
	_, srv := newFakePBX(t)
	c := newClient(t, srv.URL)
	c.Login(context.Background())

	for _, target := range []string{"", "call me", "0170-ABC"} {
		if _, err := c.InitiateCall(context.Background(), "21", target); !errors.Is(err, cti.ErrInvalidTarget) {
			t.Errorf("InitiateCall(%q): expected ErrInvalidTarget, got %v", target, err)
		}
	}
}

func TestCancelCall(t *testing.T) {
	pbx, srv := newFakePBX(t)
	c := newClient(t, srv.URL)
	c.Login(context.Background())

	if err := c.CancelCall(context.Background(), "dial-1"); err != nil {
		t.Fatalf("CancelCall: %v", err)
	}
	var cancelled []string
	pbx.with(func(f *fakePBX) { cancelled = f.cancelled })
	if len(cancelled) != 1 || cancelled[0] != "/v1/extensions/phone/calls/dial-1" {
		t.Errorf("unexpected cancel requests %v", cancelled)
	}
}

func TestOpenCallStream(t *testing.T) {
	const streamBody = "data: {\"uuid\":\"a\"}\n"
	pbx, srv := newFakePBX(t)
	pbx.with(func(f *fakePBX) { f.streamBody = streamBody })
	c := newClient(t, srv.URL)
	c.Login(context.Background())

	body, err := c.OpenCallStream(context.Background())
	if err != nil {
		t.Fatalf("OpenCallStream: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != streamBody {
		t.Errorf("unexpected body %q", data)
	}

	pbx.with(func(f *fakePBX) { f.streamStatus = http.StatusServiceUnavailable })
	if _, err := c.OpenCallStream(context.Background()); !errors.Is(err, cti.ErrUnexpectedStatus) {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestAccount(t *testing.T) {
	c, _ := cti.NewClient(cti.Options{Username: "K1234", Password: "pw"})
	if c.Account() != "K1234" {
		t.Errorf("expected K1234, got %q", c.Account())
	}
}
