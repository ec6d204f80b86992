package grantlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitGrantSendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/grants" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		var req GrantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(GrantDetail{
			Grant:    Grant{ID: "g1", Title: req.Title, Amount: req.Amount, Status: "pending"},
			Workflow: Workflow{GrantID: "g1", Stage: "submission"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "tok")
	got, err := c.SubmitGrant(context.Background(), GrantRequest{Title: "Indexer", Amount: "1200.50"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Grant.Amount != "1200.50" || got.Workflow.Stage != "submission" {
		t.Fatalf("unexpected detail %+v", got)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Actor-Id") != "alice" {
			t.Errorf("missing actor header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusLocked)
		w.Write([]byte(`{"error":{"code":"halted","message":"treasury is paused"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.ActorID = "alice"
	_, err := c.CancelGrant(context.Background(), "g1", "changed plans")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusLocked || apiErr.Code != "halted" || apiErr.Message != "treasury is paused" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListQueriesAreEncoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/grants":
			if q.Get("status") != "approved" || q.Get("limit") != "2" || q.Get("cursor") != "a|b" {
				t.Errorf("grant query = %v", q)
			}
			json.NewEncoder(w).Encode(PaginatedGrants{Items: []Grant{{ID: "g1"}}, NextCursor: "next"})
		case "/events":
			if q.Get("grant_id") != "g1" || q.Get("cursor") != "" {
				t.Errorf("event query = %v", q)
			}
			json.NewEncoder(w).Encode(PaginatedEvents{Items: []Event{{ID: 7, Type: "grant.submitted"}}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	page, err := c.GrantsPage(context.Background(), "approved", 2, "a|b")
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "next" {
		t.Fatalf("unexpected page %+v", page)
	}
	evs, err := c.EventsPage(context.Background(), "g1", 0, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs.Items) != 1 || evs.Items[0].ID != 7 {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestWaitForStagePolls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stage := "voting"
		if calls.Add(1) >= 3 {
			stage = "complete"
		}
		json.NewEncoder(w).Encode(Workflow{GrantID: "g1", Stage: stage})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := New(srv.URL, "tok").WaitForStage(ctx, "g1", time.Millisecond, "complete", "failed")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ws.Stage != "complete" || calls.Load() != 3 {
		t.Fatalf("stage %s after %d polls", ws.Stage, calls.Load())
	}
}
