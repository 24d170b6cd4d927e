package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubUserResolver struct {
	user feed.User
	err  error
}

func (s stubUserResolver) ResolveUser(context.Context, auth.SessionClaims) (feed.User, error) {
	return s.user, s.err
}

func runAuthorize(t *testing.T, handler *httpHandler) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/tweets/1", http.NoBody)
	handler.authorizeRequest(ctx)
	return recorder, ctx
}

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		users:    stubUserResolver{},
		logger:   zap.New(core),
	}

	recorder, _ := runAuthorize(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entry.Level)
	}
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired session error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedSessionErrorAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrInvalidSessionToken},
		users:    stubUserResolver{},
		logger:   zap.New(core),
	}

	recorder, _ := runAuthorize(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected a single warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestStoresResolvedUser(t *testing.T) {
	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-9"}},
		users:    stubUserResolver{user: feed.User{ID: 9, Username: "nine"}},
		logger:   zap.NewNop(),
	}

	recorder, ctx := runAuthorize(t, handler)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected request to pass, got %d", recorder.Code)
	}
	user, ok := currentUser(ctx)
	if !ok || user.ID != 9 {
		t.Fatalf("expected resolved user in context, got %+v ok=%v", user, ok)
	}
}

func TestAuthorizeRequestFailsWhenUserCannotBeResolved(t *testing.T) {
	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-9"}},
		users:    stubUserResolver{err: errors.New("database locked")},
		logger:   zap.NewNop(),
	}

	recorder, _ := runAuthorize(t, handler)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected internal server error, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"error":"user_resolution_failed"}` {
		t.Fatalf("unexpected body: %s", recorder.Body.String())
	}
}
