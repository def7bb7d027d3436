package shield

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitEvent(t *testing.T) {
	var gotAuth string
	var gotReq EventRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq) //nolint:errcheck
		json.NewEncoder(w).Encode(EventResult{ //nolint:errcheck
			CorrelationID: "corr-1",
			Assessment:    Assessment{Score: 40, Band: "medium", RecommendedAction: "quick_scan"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("tok"))
	res, err := c.SubmitEvent(context.Background(), EventRequest{
		EventType:     "suspicious_port_scan",
		SourceAddress: "198.51.100.4",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Assessment.Score != 40 || res.CorrelationID != "corr-1" {
		t.Errorf("result mangled: %+v", res)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("token not attached: %q", gotAuth)
	}
	if gotReq.SourceAddress != "198.51.100.4" {
		t.Errorf("request mangled: %+v", gotReq)
	}
}

func TestLogin_storesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/token" {
			json.NewEncoder(w).Encode(map[string]string{"token": "fresh", "role": "operator"}) //nolint:errcheck
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(ToolStatus{State: "connected"}) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(srv.URL)
	role, err := c.Login(context.Background(), "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if role != "operator" {
		t.Errorf("role: %q", role)
	}

	st, err := c.GetToolStatus(context.Background())
	if err != nil {
		t.Fatalf("status after login: %v", err)
	}
	if st.State != "connected" {
		t.Errorf("state: %q", st.State)
	}
}

func TestErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not a valid IP address"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.GetReputation(context.Background(), "junk"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
