package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHTTPSink_signsAndDelivers(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Shield-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, "audit-secret", zap.NewNop())
	rec := NewRecord()
	rec.CorrelationID = "corr-1"
	rec.EventType = "port_scan"
	rec.SourceAddress = "203.0.113.7"
	rec.Score = 40

	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("audit-secret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature mismatch: got %q want %q", gotSig, want)
	}

	var decoded Record
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("unmarshal delivered body: %v", err)
	}
	if decoded.SourceAddress != "203.0.113.7" || decoded.Score != 40 {
		t.Errorf("delivered record mangled: %+v", decoded)
	}
}

func TestHTTPSink_retriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, "", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel after the first attempt so the test does not sit in backoff.
	go func() {
		for hits.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	if err := sink.Write(ctx, NewRecord()); err == nil {
		t.Fatal("expected delivery failure")
	}
	if hits.Load() < 1 {
		t.Error("server never hit")
	}
}

type failSink struct{ calls int }

func (f *failSink) Write(context.Context, Record) error {
	f.calls++
	return errors.New("sink down")
}

type okSink struct{ calls int }

func (o *okSink) Write(context.Context, Record) error {
	o.calls++
	return nil
}

func TestMultiSink_isolatesFailures(t *testing.T) {
	bad := &failSink{}
	good := &okSink{}
	m := NewMultiSink(zap.NewNop(), bad, good)

	if err := m.Write(context.Background(), NewRecord()); err != nil {
		t.Fatalf("multi sink must swallow child failures: %v", err)
	}
	if bad.calls != 1 || good.calls != 1 {
		t.Errorf("every child must be attempted: bad=%d good=%d", bad.calls, good.calls)
	}
}
