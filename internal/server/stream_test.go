package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
)

type streamEvent struct {
	name string
	data string
}

func readStreamEvents(t *testing.T, reader *bufio.Reader, events chan<- streamEvent) {
	t.Helper()
	go func() {
		defer close(events)
		current := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				current = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				events <- streamEvent{name: current, data: strings.TrimSpace(strings.TrimPrefix(line, "data:"))}
			}
		}
	}()
}

func nextEvent(t *testing.T, events <-chan streamEvent, name string) streamEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		case event, open := <-events:
			if !open {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name == name {
				return event
			}
		}
	}
}

func TestNotificationStreamEmitsUnreadCount(t *testing.T) {
	h := newServerHarness(t, harnessOptions{})
	author := h.session("streamer", "streamer@example.com")
	commenter := h.session("fan", "fan@example.com")

	var tweet tweetPayload
	h.decode(h.do(http.MethodPost, "/tweets", author, map[string]any{"textbody": "listen"}), http.StatusCreated, &tweet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/notifications/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}
	request.AddCookie(author)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	events := make(chan streamEvent, 16)
	readStreamEvents(t, bufio.NewReader(response.Body), events)
	nextEvent(t, events, streamEventHeartbeat)

	h.decode(h.do(http.MethodPost, pathf("/tweets/%d/comments", tweet.ID), commenter, map[string]any{"textbody": "hello"}), http.StatusCreated, nil)

	event := nextEvent(t, events, streamEventNotification)
	var payload notificationPayload
	if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if payload.Name != notifications.NameUnreadNotifsCount {
		t.Fatalf("unexpected notification name %q", payload.Name)
	}
	var count feed.UnreadCountPayload
	if err := json.Unmarshal(payload.Data, &count); err != nil {
		t.Fatalf("failed to decode count: %v", err)
	}
	if count.Count != 1 {
		t.Fatalf("expected one unread comment, got %d", count.Count)
	}

	h.decode(h.do(http.MethodPost, "/notifications/read", author, nil), http.StatusNoContent, nil)
	event = nextEvent(t, events, streamEventNotification)
	if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if err := json.Unmarshal(payload.Data, &count); err != nil || count.Count != 0 {
		t.Fatalf("expected the count to reset to zero, got %+v err=%v", count, err)
	}
}

func TestPollNotificationsHonoursCursor(t *testing.T) {
	h := newServerHarness(t, harnessOptions{})
	author := h.session("poller", "poller@example.com")
	commenter := h.session("chatty", "chatty@example.com")

	var tweet tweetPayload
	h.decode(h.do(http.MethodPost, "/tweets", author, map[string]any{"textbody": "poll me"}), http.StatusCreated, &tweet)
	h.decode(h.do(http.MethodPost, pathf("/tweets/%d/comments", tweet.ID), commenter, map[string]any{"textbody": "one"}), http.StatusCreated, nil)

	var first []notificationPayload
	h.decode(h.do(http.MethodGet, "/notifications?since=0", author, nil), http.StatusOK, &first)
	if len(first) != 1 {
		t.Fatalf("expected one notification, got %+v", first)
	}

	var empty []notificationPayload
	h.decode(h.do(http.MethodGet, pathf("/notifications?since=%f", first[0].Timestamp+1), author, nil), http.StatusOK, &empty)
	if len(empty) != 0 {
		t.Fatalf("expected no notifications after the cursor, got %+v", empty)
	}

	h.decode(h.do(http.MethodPost, pathf("/tweets/%d/comments", tweet.ID), commenter, map[string]any{"textbody": "two"}), http.StatusCreated, nil)
	var second []notificationPayload
	h.decode(h.do(http.MethodGet, pathf("/notifications?since=%f", first[0].Timestamp), author, nil), http.StatusOK, &second)
	if len(second) != 1 || second[0].Timestamp <= first[0].Timestamp {
		t.Fatalf("expected the replaced notification with a newer timestamp, got %+v", second)
	}

	var body map[string]any
	h.decode(h.do(http.MethodGet, "/notifications?since=yesterday", author, nil), http.StatusBadRequest, &body)
}
