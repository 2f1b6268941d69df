package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "page.rendered", Data: map[string]int{"page": 4}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: page.rendered") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"page":4`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishDocumentEvent(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishDocumentEvent("updated", "doc-1", "plan.pdf")

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: document.updated") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"name":"plan.pdf"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestAnnotationUpdateThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Burst of edits on one document; only the first broadcasts
	// immediately.
	b.PublishAnnotationUpdate("doc-1", 1)
	b.PublishAnnotationUpdate("doc-1", 2)
	b.PublishAnnotationUpdate("doc-1", 3)

	time.Sleep(50 * time.Millisecond)
	count := 0
loop:
	for {
		select {
		case msg := <-ch:
			if strings.Contains(string(msg), "annotation.updated") {
				count++
			}
		default:
			break loop
		}
	}
	if count != 1 {
		t.Errorf("annotation events = %d, want 1 (throttled)", count)
	}

	// The newest revision is delivered once the window passes.
	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, `"revision":3`) {
			t.Errorf("flushed event missing newest revision: %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("throttled event never flushed")
	}
}

func TestAnnotationThrottleIsPerDocument(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishAnnotationUpdate("doc-1", 1)
	b.PublishAnnotationUpdate("doc-2", 1)

	time.Sleep(50 * time.Millisecond)
	count := 0
loop:
	for {
		select {
		case msg := <-ch:
			if strings.Contains(string(msg), "annotation.updated") {
				count++
			}
		default:
			break loop
		}
	}
	if count != 2 {
		t.Errorf("annotation events = %d, want one per document", count)
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishDocumentEvent("created", "doc-1", "plan.pdf")
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: document.created") {
		t.Errorf("handler body missing event: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := NewBroker(0)
	ch := b.Subscribe()
	b.Close()
	b.Close()
	if _, ok := <-ch; ok {
		t.Error("client channel not closed on broker close")
	}
	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount after close = %d", got)
	}
}
