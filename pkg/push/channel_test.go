package push

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"convtrack/pkg/models"
	"convtrack/pkg/retry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushServer is a test websocket endpoint that writes the queued frames
// to every client and then closes the connection.
func pushServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the connection open briefly so the client drains frames
		time.Sleep(50 * time.Millisecond)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Reconnect = retry.Config{
		MaxRetries:     2,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     1.0,
	}
	return opts
}

func TestChannelDeliversMessages(t *testing.T) {
	srv := pushServer(t, []string{
		`{"progress":10,"status":"analyzing"}`,
		`{"progress":55,"status":"processing","current_stage":"pass 2"}`,
	})
	defer srv.Close()

	var mu sync.Mutex
	var got []Message
	opened := make(chan struct{}, 1)
	done := make(chan struct{})

	ch := Open(wsURL(srv), "job-1", Callbacks{
		OnOpen: func() { opened <- struct{}{} },
		OnMessage: func(m Message) {
			mu.Lock()
			got = append(got, m)
			if len(got) == 2 {
				close(done)
			}
			mu.Unlock()
		},
	}, fastOptions())
	defer ch.Close()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen never fired")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Status != models.JobStatusAnalyzing || got[0].Progress != 10 {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].Status != models.JobStatusProcessing || got[1].Progress != 55 {
		t.Errorf("unexpected second message: %+v", got[1])
	}
	if got[1].CurrentStage == nil || *got[1].CurrentStage != "pass 2" {
		t.Errorf("expected current_stage to be carried, got %+v", got[1])
	}

	last := ch.LastMessage()
	if last == nil || last.Progress != 55 {
		t.Errorf("LastMessage should hold the final payload, got %+v", last)
	}
}

func TestChannelDropsMalformedPayloads(t *testing.T) {
	srv := pushServer(t, []string{
		`not json at all`,
		`{"progress":500,"status":"processing"}`,
		`{"progress":20,"status":"warp-speed"}`,
		`{"progress":30,"status":"processing"}`,
	})
	defer srv.Close()

	var mu sync.Mutex
	var got []Message
	done := make(chan struct{})

	ch := Open(wsURL(srv), "job-1", Callbacks{
		OnMessage: func(m Message) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
			close(done)
		},
	}, fastOptions())
	defer ch.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("valid message never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected only the valid payload, got %d messages", len(got))
	}
	if got[0].Progress != 30 {
		t.Errorf("expected progress 30, got %d", got[0].Progress)
	}
}

func TestChannelGivesUpAfterReconnectBudget(t *testing.T) {
	// Point at a server that is already gone
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := wsURL(srv)
	srv.Close()

	ch := Open(url, "job-1", Callbacks{}, fastOptions())
	defer ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel never gave up")
	}

	if status := ch.Status(); status != StatusError {
		t.Errorf("expected StatusError after exhausting reconnects, got %s", status)
	}
}

func TestReconnectHookCountsFailedDials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := wsURL(srv)
	srv.Close()

	var mu sync.Mutex
	reconnects := 0

	opts := fastOptions()
	opts.OnReconnect = func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	}

	ch := Open(url, "job-1", Callbacks{}, opts)
	defer ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel never gave up")
	}

	mu.Lock()
	defer mu.Unlock()
	// Every failed dial counts, including the one that exhausts the budget
	if want := opts.Reconnect.MaxRetries + 1; reconnects != want {
		t.Errorf("reconnect hook fired %d times, want %d", reconnects, want)
	}
}

func TestChannelCloseStopsCallbacks(t *testing.T) {
	srv := pushServer(t, []string{`{"progress":10,"status":"processing"}`})
	defer srv.Close()

	first := make(chan struct{}, 1)
	var after int
	var mu sync.Mutex

	ch := Open(wsURL(srv), "job-1", Callbacks{
		OnMessage: func(m Message) {
			select {
			case first <- struct{}{}:
			default:
				mu.Lock()
				after++
				mu.Unlock()
			}
		},
	}, fastOptions())

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never arrived")
	}

	ch.Close()
	<-ch.Done()

	mu.Lock()
	defer mu.Unlock()
	if after != 0 {
		t.Errorf("callbacks fired after Close: %d", after)
	}
	if status := ch.Status(); status != StatusDisconnected {
		t.Errorf("expected StatusDisconnected after Close, got %s", status)
	}
}

func TestChannelCloseIdempotent(t *testing.T) {
	srv := pushServer(t, nil)
	defer srv.Close()

	ch := Open(wsURL(srv), "job-1", Callbacks{}, fastOptions())
	ch.Close()
	ch.Close() // must not panic or hang
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ok      bool
	}{
		{"valid", `{"progress":40,"status":"processing"}`, true},
		{"valid with stage", `{"progress":40,"status":"analyzing","current_stage":"probe"}`, true},
		{"garbage", `{{{`, false},
		{"unknown status", `{"progress":40,"status":"sleeping"}`, false},
		{"negative progress", `{"progress":-1,"status":"processing"}`, false},
		{"overflow progress", `{"progress":101,"status":"processing"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseMessage([]byte(tt.payload))
			if ok != tt.ok {
				t.Errorf("parseMessage(%s) ok = %v, want %v", tt.payload, ok, tt.ok)
			}
		})
	}
}
