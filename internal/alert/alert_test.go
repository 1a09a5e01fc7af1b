package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNewPayload(t *testing.T) {
	p := NewPayload("3 deliveries failed", SeverityWarning, fixedNow, time.FixedZone("", 8*3600))
	if p.Brand != "System_Alert" || p.MessageID != "error_alert" {
		t.Errorf("unexpected fixed fields: %+v", p)
	}
	if p.Content != "[WARNING] 3 deliveries failed" {
		t.Errorf("unexpected content: %s", p.Content)
	}
	if p.Date != "2026-03-01T18:00:00+08:00" {
		t.Errorf("unexpected date: %s", p.Date)
	}
}

func TestWebhook_Alert(t *testing.T) {
	var got Payload
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer server.Close()

	w := NewWebhook(server.URL, "secret", nil)
	w.now = func() time.Time { return fixedNow }
	w.Alert(context.Background(), "auth failed", SeverityCritical)

	if got.Content != "[CRITICAL] auth failed" || got.Date != "2026-03-01T10:00:00+00:00" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if auth != "Bearer secret" {
		t.Errorf("unexpected auth header: %q", auth)
	}
}

func TestWebhook_FailureIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	w := NewWebhook(server.URL, "", nil)
	if err := w.send(context.Background(), Payload{}); err == nil {
		t.Error("expected status error from send")
	}
	w.Alert(context.Background(), "x", SeverityInfo) // must not panic

	unreachable := NewWebhook("http://127.0.0.1:1", "", nil)
	unreachable.Alert(context.Background(), "x", SeverityInfo)
}

type fakeEventBridge struct {
	inputs []*eventbridge.PutEventsInput
	err    error
	failed int32
}

func (f *fakeEventBridge) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	out := &eventbridge.PutEventsOutput{FailedEntryCount: f.failed}
	if f.failed > 0 {
		out.Entries = []eventbridgetypes.PutEventsResultEntry{{ErrorCode: aws.String("InternalFailure")}}
	}
	return out, nil
}

func TestEventBridge_Alert(t *testing.T) {
	fake := &fakeEventBridge{}
	e := NewEventBridge(fake, "ops", nil)
	e.now = func() time.Time { return fixedNow }
	e.Alert(context.Background(), "upload failed", SeverityWarning)

	if len(fake.inputs) != 1 {
		t.Fatalf("expected one PutEvents call, got %d", len(fake.inputs))
	}
	entry := fake.inputs[0].Entries[0]
	if aws.ToString(entry.EventBusName) != "ops" || aws.ToString(entry.Source) != "channel-relay" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	var p Payload
	if err := json.Unmarshal([]byte(aws.ToString(entry.Detail)), &p); err != nil {
		t.Fatal(err)
	}
	if p.Content != "[WARNING] upload failed" {
		t.Errorf("unexpected detail: %+v", p)
	}

	fake.err = errors.New("throttled")
	e.Alert(context.Background(), "x", SeverityInfo)
	fake.err, fake.failed = nil, 1
	e.Alert(context.Background(), "x", SeverityInfo)
}

type countingEmitter struct{ n int }

func (c *countingEmitter) Alert(context.Context, string, Severity) { c.n++ }

func TestCombine(t *testing.T) {
	if _, ok := Combine().(Nop); !ok {
		t.Error("no emitters should yield Nop")
	}
	a := &countingEmitter{}
	if Combine(nil, a) != Emitter(a) {
		t.Error("single emitter should be returned as-is")
	}
	b := &countingEmitter{}
	Combine(a, b).Alert(context.Background(), "m", SeverityInfo)
	if a.n != 1 || b.n != 1 {
		t.Errorf("fan-out failed: a=%d b=%d", a.n, b.n)
	}
}
