package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lawlink/consult-signaling/internal/room"
)

func TestHTTPEntitlementChecker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/consultations/c1/entitlements/alice":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"allowed":true,"role":"LAWYER","counterpartyUserId":"bob"}`))
		case "/consultations/c1/entitlements/mallory":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := NewHTTPEntitlementChecker(ts.URL)

	ent, err := c.Check(context.Background(), "c1", "alice")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ent.Allowed || ent.Role != room.RoleLawyer || ent.CounterpartUserID != "bob" {
		t.Fatalf("entitlement=%+v", ent)
	}

	ent, err = c.Check(context.Background(), "c1", "mallory")
	if err != nil {
		t.Fatalf("Check(denied): %v", err)
	}
	if ent.Allowed {
		t.Fatalf("forbidden user reported as allowed")
	}

	ent, err = c.Check(context.Background(), "c2", "alice")
	if err != nil {
		t.Fatalf("Check(unknown consultation): %v", err)
	}
	if ent.Allowed {
		t.Fatalf("unknown consultation reported as allowed")
	}
}

func TestHTTPEntitlementChecker_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	if _, err := NewHTTPEntitlementChecker(ts.URL).Check(context.Background(), "c1", "alice"); err == nil {
		t.Fatalf("expected error on 500")
	}
}

func TestHTTPRecordingService(t *testing.T) {
	var gotPaths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s, want POST", r.Method)
		}
		gotPaths = append(gotPaths, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	svc := NewHTTPRecordingService(ts.URL)
	if err := svc.Start(context.Background(), "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(context.Background(), "c1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(gotPaths) != 2 || gotPaths[0] != "/recordings/c1/start" || gotPaths[1] != "/recordings/c1/stop" {
		t.Fatalf("paths=%v", gotPaths)
	}
}

func TestHTTPRecordingService_Failure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	if err := NewHTTPRecordingService(ts.URL).Start(context.Background(), "c1"); err == nil {
		t.Fatalf("expected error on conflict status")
	}
}
