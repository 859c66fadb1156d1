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

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ot-sentinel/internal/action"
	"ot-sentinel/internal/schema"
)

func testAlert(actions ...string) *schema.Alert {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	inc := schema.Incident{
		ID:        "INC-1",
		Severity:  schema.SeverityHigh,
		Vector:    "plc_program_change",
		Protocol:  "modbus",
		Asset:     schema.Asset{ID: "plc-7", Name: "PLC-7", Zone: "cell-2"},
		FirstSeen: ts,
		LastSeen:  ts.Add(time.Minute),
		Count:     2,
	}
	return schema.NewAlert(inc, "plc-tamper", action.ParseAll(actions), "", "1-0")
}

type recordingServer struct {
	mu       sync.Mutex
	requests []map[string]any
	headers  []http.Header
}

func (r *recordingServer) handler(status int, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)

		r.mu.Lock()
		r.requests = append(r.requests, payload)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}
}

func (r *recordingServer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type stubNotifier struct {
	kind   action.Kind
	result Result
	delay  time.Duration
	calls  int
}

func (s *stubNotifier) Kind() action.Kind { return s.kind }
func (s *stubNotifier) Tool() string      { return "stub" }
func (s *stubNotifier) Action() string    { return "send" }

func (s *stubNotifier) Notify(ctx context.Context, _ action.Descriptor, _ *schema.Alert) Result {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return failed(ctx.Err())
		}
	}
	return s.result
}

func TestDispatcherExecute(t *testing.T) {
	ok := &stubNotifier{kind: action.KindSlack, result: Result{Success: true, Token: "123.4"}}
	bad := &stubNotifier{kind: action.KindWebhook, result: failed(errors.New("boom"))}
	d := NewDispatcher(time.Second, ok, bad)

	alert := testAlert("slack:ot-soc", "webhook:soar", "carrier-pigeon:x", "pagerduty:plant-a")
	calls := d.Execute(context.Background(), alert)

	if len(calls) != 4 {
		t.Fatalf("expected 4 tool calls, got %d", len(calls))
	}

	tests := []struct {
		tool   string
		status schema.ToolStatus
		args   string
		hasErr bool
	}{
		{"stub", schema.ToolSuccess, "channel=#ot-soc", false},
		{"stub", schema.ToolError, "endpoint=soar", true},
		{"unknown", schema.ToolError, "descriptor=carrier-pigeon:x", true},
		{"pagerduty", schema.ToolError, "service=plant-a", true},
	}
	for i, tt := range tests {
		c := calls[i]
		if c.Tool != tt.tool {
			t.Errorf("call %d: tool = %q, want %q", i, c.Tool, tt.tool)
		}
		if c.Status != tt.status {
			t.Errorf("call %d: status = %q, want %q", i, c.Status, tt.status)
		}
		if c.ArgsPreview != tt.args {
			t.Errorf("call %d: args = %q, want %q", i, c.ArgsPreview, tt.args)
		}
		if (c.Error != "") != tt.hasErr {
			t.Errorf("call %d: error = %q, hasErr %v", i, c.Error, tt.hasErr)
		}
	}
	if calls[0].Token != "123.4" {
		t.Errorf("expected token to be recorded, got %q", calls[0].Token)
	}
	if !AnySucceeded(calls) {
		t.Error("AnySucceeded() = false, want true")
	}
	if AnySucceeded(calls[1:]) {
		t.Error("AnySucceeded() = true for only failures")
	}
}

func TestDispatcherTimeout(t *testing.T) {
	slow := &stubNotifier{kind: action.KindSlack, result: Result{Success: true}, delay: time.Second}
	d := NewDispatcher(20*time.Millisecond, slow)

	start := time.Now()
	calls := d.Execute(context.Background(), testAlert("slack:ot-soc"))
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("dispatcher did not bound the notifier call")
	}
	if calls[0].Status != schema.ToolError {
		t.Errorf("expected timed out call to be an error, got %q", calls[0].Status)
	}
}

func TestSlackSimulatedThreads(t *testing.T) {
	threads := NewMemoryThreadStore()
	s := NewSlack(SlackConfig{}, threads)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	ctx := context.Background()
	alert := testAlert("slack:ot-soc")

	first := s.Notify(ctx, alert.Actions[0], alert)
	if !first.Success || !first.Simulated {
		t.Fatalf("expected simulated success, got %+v", first)
	}
	if first.Token != "1700000000000" {
		t.Errorf("unexpected token %q", first.Token)
	}

	th, err := threads.Get(ctx, alert.ID)
	if err != nil || th == nil {
		t.Fatalf("thread not saved: %v", err)
	}
	if th.Target != "#ot-soc" {
		t.Errorf("thread target = %q", th.Target)
	}

	second := s.Notify(ctx, alert.Actions[0], alert)
	if second.Token != first.Token {
		t.Errorf("reply should carry the root ts, got %q", second.Token)
	}
}

func TestSlackAPIThreading(t *testing.T) {
	rec := &recordingServer{}
	srv := httptest.NewServer(rec.handler(http.StatusOK, `{"ok":true,"channel":"C01","ts":"1700.0001"}`))
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewSlack(SlackConfig{Token: "xoxb-test", APIBaseURL: srv.URL}, NewRedisThreadStore(client))
	ctx := context.Background()
	alert := testAlert("slack:ot-soc")

	if res := s.Notify(ctx, alert.Actions[0], alert); !res.Success || res.Token != "1700.0001" {
		t.Fatalf("root post failed: %+v", res)
	}
	if !mr.Exists(ThreadKey("INC-1")) {
		t.Fatal("thread record not stored in redis")
	}

	alert.Rule = "modbus-write"
	if res := s.Notify(ctx, alert.Actions[0], alert); !res.Success {
		t.Fatalf("reply failed: %+v", res)
	}

	if rec.count() != 2 {
		t.Fatalf("expected 2 requests, got %d", rec.count())
	}
	root, reply := rec.requests[0], rec.requests[1]
	if got := rec.headers[0].Get("Authorization"); got != "Bearer xoxb-test" {
		t.Errorf("Authorization = %q", got)
	}
	if text, _ := root["text"].(string); text != "[HIGH] plc program change on PLC-7" {
		t.Errorf("root text = %q", text)
	}
	if _, ok := root["thread_ts"]; ok {
		t.Error("root message must not be threaded")
	}
	if reply["thread_ts"] != "1700.0001" || reply["channel"] != "C01" {
		t.Errorf("reply not threaded: %v", reply)
	}
	if reply["text"] != "Rule matched: modbus-write" {
		t.Errorf("reply text = %v", reply["text"])
	}
}

func TestSlackDifferentChannelStartsNewThread(t *testing.T) {
	threads := NewMemoryThreadStore()
	_ = threads.Save(context.Background(), "INC-1", Thread{ChannelID: "C01", TS: "1.0", Target: "#ot-soc"})

	s := NewSlack(SlackConfig{}, threads)
	alert := testAlert("slack:plant-ops")
	res := s.Notify(context.Background(), alert.Actions[0], alert)
	if res.Token == "1.0" {
		t.Error("notification to another channel replied in the wrong thread")
	}
}

func TestSlackAPIError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
	}{
		{"not ok", http.StatusOK, `{"ok":false,"error":"channel_not_found"}`},
		{"http error", http.StatusInternalServerError, `oops`},
		{"bad json", http.StatusOK, `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingServer{}
			srv := httptest.NewServer(rec.handler(tt.status, tt.response))
			defer srv.Close()

			threads := NewMemoryThreadStore()
			s := NewSlack(SlackConfig{Token: "t", APIBaseURL: srv.URL}, threads)
			alert := testAlert("slack:ot-soc")
			res := s.Notify(context.Background(), alert.Actions[0], alert)
			if res.Success || res.Err == nil {
				t.Fatalf("expected failure, got %+v", res)
			}
			if th, _ := threads.Get(context.Background(), alert.ID); th != nil {
				t.Error("failed post must not record a thread")
			}
		})
	}
}

func TestSlackWebhook(t *testing.T) {
	rec := &recordingServer{}
	srv := httptest.NewServer(rec.handler(http.StatusOK, "ok"))
	defer srv.Close()

	s := NewSlack(SlackConfig{WebhookURL: srv.URL}, nil)
	alert := testAlert("slack:ot-soc")
	res := s.Notify(context.Background(), alert.Actions[0], alert)
	if !res.Success || res.Simulated {
		t.Fatalf("unexpected result %+v", res)
	}
	if rec.requests[0]["channel"] != "#ot-soc" {
		t.Errorf("channel = %v", rec.requests[0]["channel"])
	}
}

func TestWebhook(t *testing.T) {
	rec := &recordingServer{}
	srv := httptest.NewServer(rec.handler(http.StatusNoContent, ""))
	defer srv.Close()

	w := NewWebhook(map[string]WebhookEndpoint{
		"soar": {URL: srv.URL, Headers: map[string]string{"X-Api-Key": "k"}},
	}, 0)

	alert := testAlert("webhook:soar", "webhook:missing")
	if res := w.Notify(context.Background(), alert.Actions[0], alert); !res.Success {
		t.Fatalf("webhook failed: %+v", res)
	}
	if rec.headers[0].Get("X-Api-Key") != "k" {
		t.Error("configured header not sent")
	}
	if rec.requests[0]["rule"] != "plc-tamper" || rec.requests[0]["id"] != "INC-1" {
		t.Errorf("unexpected payload %v", rec.requests[0])
	}

	res := w.Notify(context.Background(), alert.Actions[1], alert)
	if !errors.Is(res.Err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", res.Err)
	}
}

func TestWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer((&recordingServer{}).handler(http.StatusBadGateway, "down"))
	defer srv.Close()

	w := NewWebhook(map[string]WebhookEndpoint{"soar": {URL: srv.URL}}, time.Second)
	alert := testAlert("webhook:soar")
	res := w.Notify(context.Background(), alert.Actions[0], alert)
	if res.Success || !strings.Contains(res.Err.Error(), "502") {
		t.Errorf("expected 502 failure, got %+v", res)
	}
}

func TestPagerDuty(t *testing.T) {
	rec := &recordingServer{}
	srv := httptest.NewServer(rec.handler(http.StatusAccepted, `{"status":"success","dedup_key":"INC-1-plc-tamper"}`))
	defer srv.Close()

	p := NewPagerDuty(PagerDutyConfig{
		EventsURL:   srv.URL,
		RoutingKeys: map[string]string{"plant-a": "rk-1"},
	})
	alert := testAlert("pagerduty:plant-a", "pagerduty:plant-b")
	alert.RuleSeverity = schema.SeverityCritical

	res := p.Notify(context.Background(), alert.Actions[0], alert)
	if !res.Success || res.Token != "INC-1-plc-tamper" {
		t.Fatalf("unexpected result %+v", res)
	}

	req := rec.requests[0]
	if req["routing_key"] != "rk-1" || req["event_action"] != "trigger" {
		t.Errorf("unexpected envelope %v", req)
	}
	body, _ := req["payload"].(map[string]any)
	if body["severity"] != "critical" {
		t.Errorf("severity = %v, want critical", body["severity"])
	}

	res = p.Notify(context.Background(), alert.Actions[1], alert)
	if !errors.Is(res.Err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", res.Err)
	}
}

func TestPagerDutyRejected(t *testing.T) {
	srv := httptest.NewServer((&recordingServer{}).handler(http.StatusBadRequest, `{"status":"invalid event"}`))
	defer srv.Close()

	p := NewPagerDuty(PagerDutyConfig{EventsURL: srv.URL, RoutingKeys: map[string]string{"a": "k"}})
	alert := testAlert("pagerduty:a")
	if res := p.Notify(context.Background(), alert.Actions[0], alert); res.Success {
		t.Error("expected failure on non-202 response")
	}
}

func TestPagerDutySeverity(t *testing.T) {
	tests := []struct {
		in   schema.Severity
		want string
	}{
		{schema.SeverityCritical, "critical"},
		{schema.SeverityHigh, "error"},
		{schema.SeverityMedium, "warning"},
		{schema.SeverityLow, "info"},
		{"", "info"},
	}
	for _, tt := range tests {
		if got := pagerDutySeverity(tt.in); got != tt.want {
			t.Errorf("pagerDutySeverity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPagerDutySource(t *testing.T) {
	tests := []struct {
		name   string
		asset  string
		source string
		want   string
	}{
		{"asset id", "plc-7", "sensor", "plc-7"},
		{"no asset", "", "sensor", "sensor"},
		{"nothing known", "", "", "ot-sentinel"},
	}
	for _, tt := range tests {
		alert := testAlert()
		alert.Asset = schema.Asset{ID: tt.asset}
		alert.Source = tt.source
		if got := pagerDutySource(alert); got != tt.want {
			t.Errorf("%s: pagerDutySource() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	l := NewLog(nil)
	alert := testAlert("log:warn")
	if res := l.Notify(context.Background(), alert.Actions[0], alert); !res.Success {
		t.Errorf("log notifier failed: %+v", res)
	}

	tests := map[string]string{
		"debug": "DEBUG", "warn": "WARN", "warning": "WARN", "error": "ERROR", "info": "INFO", "": "INFO",
	}
	for in, want := range tests {
		if got := logLevel(in).String(); got != want {
			t.Errorf("logLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestHeadline(t *testing.T) {
	alert := testAlert()
	alert.Asset.Name = ""
	if got := headline(alert); got != "[HIGH] plc program change on plc-7" {
		t.Errorf("headline() = %q", got)
	}
	alert.Asset.ID = ""
	if got := headline(alert); !strings.HasSuffix(got, "on Unknown Asset") {
		t.Errorf("headline() = %q", got)
	}
}
