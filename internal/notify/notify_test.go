package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabhouse/tabhouse/internal/closing"
	"github.com/tabhouse/tabhouse/pkg/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestStateEvent(t *testing.T) {
	cases := []struct {
		st   protocol.OperatingState
		want string
	}{
		{protocol.OperatingState{IsOpen: true}, "Venue is now **OPEN**"},
		{protocol.OperatingState{IsOpen: true, ForcedOpen: true}, "Venue is now **OPEN** (opened manually)"},
		{protocol.OperatingState{ForcedClosedDate: "2026-03-16"}, "Venue is now **CLOSED** (closed manually for 2026-03-16)"},
	}
	for _, tc := range cases {
		e := StateEvent(tc.st)
		if e.Kind != KindStateChanged || e.Text != tc.want {
			t.Errorf("StateEvent(%+v) = %q, want %q", tc.st, e.Text, tc.want)
		}
	}
}

func TestClosingEvent(t *testing.T) {
	e := ClosingEvent(closing.Run{Archived: 5, Drained: 2, TimedOut: true})
	want := "**Closing finished**: 5 tickets archived, 2 closed automatically after the drain wait ran out"
	if e.Text != want {
		t.Errorf("text = %q, want %q", e.Text, want)
	}

	e = ClosingEvent(closing.Run{Err: "disk full"})
	if !strings.HasPrefix(e.Text, "**Closing failed**: disk full") {
		t.Errorf("text = %q", e.Text)
	}
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("offline")}
	d := NewDispatcher([]Sink{bad, ok}, nil)

	go d.Run(context.Background())
	d.Publish(Event{Kind: KindStateChanged, Text: "one"})
	d.Publish(Event{Kind: KindStateChanged, Text: "two"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ok.count() != 2 || bad.count() != 2 {
		t.Errorf("a failing sink must not stop delivery: ok=%d bad=%d", ok.count(), bad.count())
	}

	d.Publish(Event{Kind: KindStateChanged, Text: "late"})
	if ok.count() != 2 {
		t.Error("publish after close should be dropped")
	}
}

func TestDispatcherWithoutSinks(t *testing.T) {
	d := NewDispatcher(nil, nil)
	for i := 0; i < 100; i++ {
		d.Publish(Event{Kind: KindStateChanged})
	}
	go d.Run(context.Background())
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestWebhookSigned(t *testing.T) {
	var mu sync.Mutex
	var got Event
	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		verified = Verify(body, "whsec", r.Header.Get(SignatureHeader))
		json.Unmarshal(body, &got)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{Name: "ops", URL: srv.URL, Secret: "whsec"}, srv.Client())
	if err := wh.Send(context.Background(), Event{Kind: KindClosingFinished, Text: "done"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !verified {
		t.Error("signature did not verify")
	}
	if got.Kind != KindClosingFinished || got.Text != "done" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if wh.Name() != "webhook:ops" {
		t.Errorf("name = %q", wh.Name())
	}
}

func TestWebhookBearerAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	good := NewWebhook(WebhookConfig{Name: "a", URL: srv.URL, BearerToken: "tok"}, nil)
	if err := good.Send(context.Background(), Event{}); err != nil {
		t.Errorf("bearer: %v", err)
	}

	bad := NewWebhook(WebhookConfig{Name: "b", URL: srv.URL}, nil)
	err := bad.Send(context.Background(), Event{})
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("expected HTTP 401 error, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"kind":"state_changed"}`)
	sig := Sign(body, "s3cret")
	if !Verify(body, "s3cret", sig) {
		t.Error("valid signature rejected")
	}
	for _, bad := range []string{"", "sha256=zz", Sign(body, "other"), Sign([]byte("x"), "s3cret")} {
		if Verify(body, "s3cret", bad) {
			t.Errorf("signature %q should be rejected", bad)
		}
	}
}

func TestSlack(t *testing.T) {
	var mu sync.Mutex
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&msg)
		mu.Lock()
		text = msg.Text
		mu.Unlock()
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSlack(SlackConfig{WebhookURL: srv.URL})
	if err := s.Send(context.Background(), Event{Text: "Venue is now **OPEN**"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if text != "Venue is now *OPEN*" {
		t.Errorf("text = %q", text)
	}
}

func TestTelegramFallsBackToPlainText(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"tab","username":"tabbot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			mu.Lock()
			sent = append(sent, r.FormValue("parse_mode")+"|"+r.FormValue("text"))
			mu.Unlock()
			if r.FormValue("parse_mode") == "HTML" {
				w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
				return
			}
			w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "T", ChatID: 42, APIEndpoint: srv.URL + "/bot%s/%s"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tg.Send(context.Background(), Event{Text: "Venue is now **CLOSED** <now>"}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"HTML|Venue is now <b>CLOSED</b> &lt;now&gt;",
		"|Venue is now CLOSED <now>",
	}
	if len(sent) != 2 || sent[0] != want[0] || sent[1] != want[1] {
		t.Errorf("sent = %q, want %q", sent, want)
	}
}

func TestToTelegramHTMLUnbalanced(t *testing.T) {
	if got := toTelegramHTML("a **b"); got != "a **b" {
		t.Errorf("got %q", got)
	}
}
