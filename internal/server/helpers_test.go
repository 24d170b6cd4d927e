package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/database"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/exports"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/search"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/tasks"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "app_session"
	testIssuer        = "tauth"
)

type serverHarness struct {
	t          *testing.T
	db         *gorm.DB
	index      *search.MemoryIndex
	relay      *search.Relay
	queue      *jobs.Queue
	feed       *feed.Service
	tasks      *tasks.Service
	notifier   *notifications.Service
	exportRoot string
	server     *httptest.Server
}

type harnessOptions struct {
	exportInterval time.Duration
	startQueue     bool
}

func newServerHarness(t *testing.T, options harnessOptions) *serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:kura_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	index := search.NewMemoryIndex()
	relay, err := search.NewRelay(search.RelayConfig{Database: db, Index: index, RetryAttempts: 1})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}

	notifier, err := notifications.NewService(notifications.ServiceConfig{Database: db, Dispatcher: notifications.NewDispatcher()})
	if err != nil {
		t.Fatalf("failed to construct notifications: %v", err)
	}

	store, err := jobs.OpenBadgerStore(jobs.BadgerConfig{TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to open job store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	queue, err := jobs.NewQueue(jobs.QueueConfig{Store: store, Workers: 1})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	t.Cleanup(queue.Stop)

	feedService, err := feed.NewService(feed.ServiceConfig{Database: db, Index: index, Notifications: notifier, PageSize: 10})
	if err != nil {
		t.Fatalf("failed to construct feed service: %v", err)
	}
	taskService, err := tasks.NewService(tasks.ServiceConfig{Database: db, Queue: queue, Notifications: notifier})
	if err != nil {
		t.Fatalf("failed to construct task service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}

	exportRoot := t.TempDir()
	sink, err := exports.NewDirSink(exportRoot)
	if err != nil {
		t.Fatalf("failed to construct sink: %v", err)
	}
	exporter, err := exports.NewExporter(exports.Config{Database: db, Sink: sink, ItemInterval: options.exportInterval})
	if err != nil {
		t.Fatalf("failed to construct exporter: %v", err)
	}
	if err := exporter.Register(queue); err != nil {
		t.Fatalf("failed to register exporter: %v", err)
	}
	if options.startQueue {
		if err := queue.Start(context.Background()); err != nil {
			t.Fatalf("failed to start queue: %v", err)
		}
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Users:             userService,
		Feed:              feedService,
		Tasks:             taskService,
		Notifications:     notifier,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	return &serverHarness{
		t:          t,
		db:         db,
		index:      index,
		relay:      relay,
		queue:      queue,
		feed:       feedService,
		tasks:      taskService,
		notifier:   notifier,
		exportRoot: exportRoot,
		server:     testServer,
	}
}

// session mints a cookie for the subject; email may be empty.
func (h *serverHarness) session(subject, email string) *http.Cookie {
	h.t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          subject,
		UserEmail:       email,
		UserDisplayName: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		h.t.Fatalf("failed to sign token: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func (h *serverHarness) do(method, path string, cookie *http.Cookie, body any) *http.Response {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	h.t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (h *serverHarness) decode(response *http.Response, expectedStatus int, target any) {
	h.t.Helper()
	if response.StatusCode != expectedStatus {
		var raw map[string]any
		_ = json.NewDecoder(response.Body).Decode(&raw)
		h.t.Fatalf("expected status %d, got %d (%v)", expectedStatus, response.StatusCode, raw)
	}
	if target == nil {
		return
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		h.t.Fatalf("failed to decode response: %v", err)
	}
}

func (h *serverHarness) drain() {
	h.t.Helper()
	if _, err := h.relay.Drain(context.Background()); err != nil {
		h.t.Fatalf("relay drain failed: %v", err)
	}
}

func pathf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
