package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/keyloom/keyloom/internal/config"
	"github.com/keyloom/keyloom/internal/events"
	"github.com/keyloom/keyloom/internal/middleware"
	"github.com/keyloom/keyloom/internal/models"
	"github.com/keyloom/keyloom/internal/repository"
	"github.com/keyloom/keyloom/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeAuditReader struct {
	entries []models.AuditEntry
}

func (f *fakeAuditReader) History(_ context.Context, subjectID string, _ int32) ([]models.AuditEntry, error) {
	out := []models.AuditEntry{}
	for _, e := range f.entries {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T) (*mux.Router, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	jwtCfg := &config.JWTConfig{
		SecretKey:     testSecret,
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 7 * 24 * time.Hour,
	}
	signer, err := service.NewJWTService(jwtCfg, logger)
	if err != nil {
		t.Fatalf("NewJWTService failed: %v", err)
	}

	tokenRepo := repository.NewTokenRepository(client, logger)
	audit := &fakeAuditReader{entries: []models.AuditEntry{
		{SubjectID: "u1", ActionType: models.ActionIssued, TokenHash: "abc", CreatedAt: time.Now().UTC()},
	}}
	bus := events.NewBus()

	rotation := service.NewRotationService(signer, tokenRepo, &nullAudit{}, bus, jwtCfg, logger)

	login := config.LoginConfig{DefaultSubjectID: "user_123", DefaultDeviceID: "device_01"}
	h := NewAuthHandlers(rotation, audit, login, logger)
	am := middleware.NewAuthMiddleware(signer, logger)

	router := mux.NewRouter()
	auth := router.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", h.Login).Methods("POST")
	auth.HandleFunc("/token/refresh", h.Refresh).Methods("POST")
	auth.HandleFunc("/token/revoke", h.Revoke).Methods("POST")

	protected := router.PathPrefix("/").Subrouter()
	protected.Use(am.RequireAuth)
	protected.HandleFunc("/me", h.Me).Methods("GET")
	protected.HandleFunc("/audit/{subject_id}", h.AuditHistory).Methods("GET")

	return router, mr
}

type nullAudit struct{}

func (*nullAudit) Append(context.Context, models.AuditEntry) error { return nil }

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodePair(t *testing.T, rec *httptest.ResponseRecorder) models.TokenPair {
	t.Helper()
	var pair models.TokenPair
	if err := json.NewDecoder(rec.Body).Decode(&pair); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}
	return pair
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error.Code
}

func TestLoginWithEmptyBodyUsesDefaults(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/auth/login", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	pair := decodePair(t, rec)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens in response")
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("expected Bearer, got %q", pair.TokenType)
	}
}

func TestLoginWithExplicitIdentity(t *testing.T) {
	router, mr := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/auth/login", LoginRequest{SubjectID: "alice", DeviceID: "phone"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if !mr.Exists("refresh_token:alice:phone") {
		t.Fatal("expected store record under the explicit session identity")
	}
}

func TestRefreshHappyPath(t *testing.T) {
	router, _ := newTestRouter(t)

	loginRec := doJSON(t, router, http.MethodPost, "/auth/login", nil, nil)
	pair := decodePair(t, loginRec)

	rec := doJSON(t, router, http.MethodPost, "/auth/token/refresh", RefreshTokenRequest{RefreshToken: pair.RefreshToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rotated := decodePair(t, rec)
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}
}

func TestRefreshReplayReturnsForbidden(t *testing.T) {
	router, _ := newTestRouter(t)

	loginRec := doJSON(t, router, http.MethodPost, "/auth/login", nil, nil)
	pair := decodePair(t, loginRec)

	first := doJSON(t, router, http.MethodPost, "/auth/token/refresh", RefreshTokenRequest{RefreshToken: pair.RefreshToken}, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200 on first refresh, got %d", first.Code)
	}
	rotated := decodePair(t, first)

	replay := doJSON(t, router, http.MethodPost, "/auth/token/refresh", RefreshTokenRequest{RefreshToken: pair.RefreshToken}, nil)
	if replay.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on replay, got %d", replay.Code)
	}
	if code := decodeErrorCode(t, replay); code != "REUSE_DETECTED" {
		t.Fatalf("expected REUSE_DETECTED, got %q", code)
	}

	// The successor dies with the session.
	after := doJSON(t, router, http.MethodPost, "/auth/token/refresh", RefreshTokenRequest{RefreshToken: rotated.RefreshToken}, nil)
	if after.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for torn-down session, got %d", after.Code)
	}
}

func TestRefreshAfterRevokeReturnsUnauthorized(t *testing.T) {
	router, _ := newTestRouter(t)

	loginRec := doJSON(t, router, http.MethodPost, "/auth/login", nil, nil)
	pair := decodePair(t, loginRec)

	revokeRec := doJSON(t, router, http.MethodPost, "/auth/token/revoke", RevokeTokenRequest{RefreshToken: pair.RefreshToken}, nil)
	if revokeRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on revoke, got %d", revokeRec.Code)
	}

	rec := doJSON(t, router, http.MethodPost, "/auth/token/refresh", RefreshTokenRequest{RefreshToken: pair.RefreshToken}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "SESSION_NOT_FOUND" {
		t.Fatalf("expected SESSION_NOT_FOUND, got %q", code)
	}
}

func TestRefreshMissingTokenField(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/auth/token/refresh", RefreshTokenRequest{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "MISSING_TOKEN" {
		t.Fatalf("expected MISSING_TOKEN, got %q", code)
	}
}

func TestRefreshGarbageTokenReturnsUnauthorized(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/auth/token/refresh", RefreshTokenRequest{RefreshToken: "not-a-token"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "INVALID_TOKEN" {
		t.Fatalf("expected INVALID_TOKEN, got %q", code)
	}
}

func TestRevokeMalformedTokenReturnsBadRequest(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/auth/token/revoke", RevokeTokenRequest{RefreshToken: "not-a-token"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "MALFORMED_TOKEN" {
		t.Fatalf("expected MALFORMED_TOKEN, got %q", code)
	}
}

func TestRevokeTwiceSucceeds(t *testing.T) {
	router, _ := newTestRouter(t)

	loginRec := doJSON(t, router, http.MethodPost, "/auth/login", nil, nil)
	pair := decodePair(t, loginRec)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/auth/token/revoke", RevokeTokenRequest{RefreshToken: pair.RefreshToken}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("revoke attempt %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestMeRequiresBearerToken(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/me", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}

func TestMeReturnsSessionIdentity(t *testing.T) {
	router, _ := newTestRouter(t)

	loginRec := doJSON(t, router, http.MethodPost, "/auth/login", LoginRequest{SubjectID: "alice", DeviceID: "phone"}, nil)
	pair := decodePair(t, loginRec)

	rec := doJSON(t, router, http.MethodGet, "/me", nil, map[string]string{
		"Authorization": "Bearer " + pair.AccessToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var me MeResponse
	if err := json.NewDecoder(rec.Body).Decode(&me); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if me.SubjectID != "alice" || me.DeviceID != "phone" {
		t.Fatalf("unexpected identity: %+v", me)
	}
}

func TestMeRejectsRefreshToken(t *testing.T) {
	router, _ := newTestRouter(t)

	loginRec := doJSON(t, router, http.MethodPost, "/auth/login", nil, nil)
	pair := decodePair(t, loginRec)

	rec := doJSON(t, router, http.MethodGet, "/me", nil, map[string]string{
		"Authorization": "Bearer " + pair.RefreshToken,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for refresh token at /me, got %d", rec.Code)
	}
}

func TestAuditHistoryEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	loginRec := doJSON(t, router, http.MethodPost, "/auth/login", nil, nil)
	pair := decodePair(t, loginRec)

	rec := doJSON(t, router, http.MethodGet, "/audit/u1", nil, map[string]string{
		"Authorization": "Bearer " + pair.AccessToken,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp AuditHistoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode audit response: %v", err)
	}
	if resp.SubjectID != "u1" || len(resp.Entries) != 1 {
		t.Fatalf("unexpected audit response: %+v", resp)
	}
	if resp.Entries[0].ActionType != models.ActionIssued {
		t.Fatalf("unexpected entry: %+v", resp.Entries[0])
	}
}
