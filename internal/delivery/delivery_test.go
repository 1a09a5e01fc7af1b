package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fpang/channel-relay/internal/alert"
	"github.com/fpang/channel-relay/internal/record"
)

type recordedAlert struct {
	message  string
	severity alert.Severity
}

type fakeAlerter struct{ alerts []recordedAlert }

func (f *fakeAlerter) Alert(_ context.Context, message string, severity alert.Severity) {
	f.alerts = append(f.alerts, recordedAlert{message, severity})
}

type fakeRecorder struct{ ids []string }

func (f *fakeRecorder) Remember(_ context.Context, _, _, id string) { f.ids = append(f.ids, id) }

func records(n int) []record.DeliveryRecord {
	out := make([]record.DeliveryRecord, n)
	for i := range out {
		out[i] = record.DeliveryRecord{
			SourceChannel: "100",
			Brand:         "BrandA",
			Content:       "post " + strconv.Itoa(i+1),
			MediaURLs:     []string{},
			MediaType:     record.MediaText,
			MessageID:     strconv.Itoa(i + 1),
			Date:          "2026-03-01T10:00:00+00:00",
		}
	}
	return out
}

func newTestDispatcher(url string, opts Options, alerter alert.Emitter, rec Recorder) (*Dispatcher, *[]time.Duration) {
	opts.Endpoint = url
	d := New(opts, alerter, rec)
	var sleeps []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return nil
	}
	return d, &sleeps
}

func TestDispatch_EveryKthFails(t *testing.T) {
	const n, k = 10, 3
	var mu sync.Mutex
	count := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		c := count
		mu.Unlock()
		if c%k == 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	alerter := &fakeAlerter{}
	rec := &fakeRecorder{}
	d, sleeps := newTestDispatcher(server.URL, Options{Delay: 500 * time.Millisecond}, alerter, rec)

	sum := d.Dispatch(context.Background(), records(n))
	if sum.Success+sum.Fail != n {
		t.Errorf("success+fail = %d, want %d", sum.Success+sum.Fail, n)
	}
	if sum.Success != n-n/k {
		t.Errorf("success = %d, want %d", sum.Success, n-n/k)
	}
	if len(rec.ids) != sum.Success {
		t.Errorf("recorder saw %d, want %d", len(rec.ids), sum.Success)
	}
	if len(*sleeps) != n-1 {
		t.Errorf("expected %d pauses, got %d", n-1, len(*sleeps))
	}
	if len(alerter.alerts) != 1 || alerter.alerts[0].severity != alert.SeverityWarning {
		t.Fatalf("expected one warning alert, got %+v", alerter.alerts)
	}
	if !strings.Contains(alerter.alerts[0].message, "3 of 10") {
		t.Errorf("unexpected alert message: %s", alerter.alerts[0].message)
	}
}

func TestDispatch_PayloadAndHeaders(t *testing.T) {
	var got record.DeliveryRecord
	var auth, reqID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		reqID = r.Header.Get("X-Request-ID")
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %s", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	alerter := &fakeAlerter{}
	d, _ := newTestDispatcher(server.URL, Options{Token: "tok"}, alerter, nil)
	sum := d.Dispatch(context.Background(), records(1))

	if sum.Success != 1 || sum.Fail != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if got.MessageID != "1" || got.Brand != "BrandA" || got.MediaType != record.MediaText {
		t.Errorf("unexpected payload %+v", got)
	}
	if auth != "Bearer tok" {
		t.Errorf("unexpected auth %q", auth)
	}
	if reqID == "" {
		t.Error("expected X-Request-ID header")
	}
	if len(alerter.alerts) != 0 {
		t.Errorf("no alert expected on full success")
	}
}

func TestDispatch_Gzip(t *testing.T) {
	var content string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("expected gzip encoding")
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		data, _ := io.ReadAll(zr)
		var rec record.DeliveryRecord
		json.Unmarshal(data, &rec)
		content = rec.Content
	}))
	defer server.Close()

	d, _ := newTestDispatcher(server.URL, Options{Gzip: true}, nil, nil)
	d.Dispatch(context.Background(), records(1))
	if content != "post 1" {
		t.Errorf("unexpected decoded content %q", content)
	}
}

func TestDispatch_NetworkErrorDoesNotAbortBatch(t *testing.T) {
	alerter := &fakeAlerter{}
	d, _ := newTestDispatcher("http://127.0.0.1:1/hook", Options{Timeout: time.Second}, alerter, nil)

	sum := d.Dispatch(context.Background(), records(3))
	if sum.Fail != 3 || sum.Success != 0 {
		t.Errorf("expected all 3 attempted and failed, got %+v", sum)
	}
	if len(sum.Failed) != 3 {
		t.Errorf("expected failed ids, got %v", sum.Failed)
	}
	if len(alerter.alerts) != 1 {
		t.Errorf("expected one summary alert, got %d", len(alerter.alerts))
	}
}

func TestDispatch_Empty(t *testing.T) {
	alerter := &fakeAlerter{}
	d, _ := newTestDispatcher("http://unused", Options{}, alerter, nil)
	if sum := d.Dispatch(context.Background(), nil); sum.Success != 0 || sum.Fail != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if len(alerter.alerts) != 0 {
		t.Error("no alert expected for empty batch")
	}
}
