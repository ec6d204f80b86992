package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"grantline/internal/config"
	"grantline/internal/consensus"
	"grantline/internal/dbtest"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/evaluator"
	"grantline/internal/ledger"
	"grantline/internal/ledger/ledgertest"
	"grantline/internal/milestone"
	"grantline/internal/registry"
	"grantline/internal/router"
	"grantline/internal/treasury"
)

type fixedScorer struct{ score float64 }

func (s fixedScorer) Score(ctx context.Context, req evaluator.Request) (evaluator.Response, error) {
	return evaluator.Response{Score: s.score, Scale: evaluator.ScaleVote, Confidence: 0.8, Reasoning: "looks fine"}, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, tweak func(*config.Config), auth AuthConfig) *testServer {
	t.Helper()
	conn := dbtest.Open(t)
	cfg := config.Default()
	cfg.Evaluation.Timeout = 2 * time.Second
	cfg.Consensus.VotingPeriod = 0
	cfg.Workflow.RetryDelay = time.Millisecond
	cfg.Treasury.Admins = []string{"ana", "ben"}
	cfg.Treasury.InitialBalance = "50000"
	if tweak != nil {
		tweak(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := router.New(router.Config{QueueSize: 32, MaxRetries: 1, RetryDelay: time.Millisecond}, nil, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	fake := ledgertest.New()
	await := ledger.AwaitPolicy{Interval: time.Millisecond, Timeout: time.Second}
	tr := treasury.New(conn, cfg.Treasury, fake, await, nil, nil)
	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap treasury: %v", err)
	}
	reg := registry.New(conn, cfg.Consensus, nil)
	proxies := map[domain.AgentType]*evaluator.Proxy{}
	for _, typ := range domain.AgentTypes {
		proxies[typ] = evaluator.NewProxy(typ, fixedScorer{score: 2}, cfg.Evaluation.MinCoverage, time.Second, nil, nil)
		if _, err := reg.Register(ctx, registry.RegisterOptions{ID: "agent-" + string(typ), Type: typ, Weight: 3}); err != nil {
			t.Fatalf("register %s: %v", typ, err)
		}
	}
	e := engine.New(conn, cfg, engine.Deps{
		Registry:   reg,
		Router:     r,
		Proxies:    proxies,
		Consensus:  consensus.New(conn, cfg.Consensus, nil, nil),
		Milestones: milestone.New(conn, fake, await, tr, nil, nil),
		Treasury:   tr,
		Ledger:     fake,
		Await:      await,
	})

	if auth.JWTSecret == "" {
		auth.AllowLegacyActorHeader = true
	}
	handler, err := New(Config{Engine: e, Auth: auth, Background: ctx})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		cancel()
		e.Wait()
		r.Stop()
		<-done
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/v1", Engine: e, client: &http.Client{}}
}

func as(actor string, roles ...string) map[string]string {
	h := map[string]string{"X-Actor-Id": actor}
	if len(roles) > 0 {
		h["X-Actor-Roles"] = strings.Join(roles, ",")
	}
	return h
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != code {
		t.Fatalf("expected code %q, got %q (%s)", code, env.Error.Code, env.Error.Message)
	}
}

func grantBody(id, amount string) map[string]any {
	return map[string]any{
		"id":     id,
		"title":  "Payout auditor",
		"amount": amount,
		"proposal": map[string]any{
			"description":    "Open tooling that lets DAOs audit grant payouts end to end.",
			"category":       "infrastructure",
			"tech_stack":     []string{"go", "postgres"},
			"architecture":   "indexer plus API",
			"team_size":      2,
			"team_members":   []map[string]any{{"name": "Alice", "role": "lead"}, {"name": "Bo", "role": "engineer"}},
			"experience":     "built two indexers",
			"budget_items":   []map[string]any{{"category": "engineering", "description": "two engineers", "amount": amount}},
			"timeline":       "3 months",
			"impact":         "transparent funding",
			"target_users":   "grant committees",
			"community":      "forum and calls",
			"deliverables":   []string{"indexer", "dashboard"},
			"github_repo":    "github.com/example/payouts",
			"wallet_address": "0xgrantee",
			"website":        "https://payouts.example",
		},
	}
}

func waitForStage(t *testing.T, srv *testServer, grantID string, stage domain.Stage) domain.WorkflowState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/grants/"+grantID+"/workflow", nil, as("alice"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get workflow status %d: %s", res.StatusCode, string(data))
		}
		ws := decode[domain.WorkflowState](t, data)
		if ws.Stage == stage {
			return ws
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow never reached %s: %+v", stage, ws)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGrantLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil, AuthConfig{})
	client := srv.client

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/grants", grantBody("g1", "1200"), as("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	created := decode[GrantDetail](t, data)
	if created.Grant.Requester != "alice" || created.Workflow.Stage != domain.StageSubmission {
		t.Fatalf("unexpected created grant %+v", created)
	}

	waitForStage(t, srv, "g1", domain.StageComplete)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/grants/g1", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get grant status %d: %s", res.StatusCode, string(data))
	}
	detail := decode[GrantDetail](t, data)
	if detail.Grant.Status != domain.GrantCompleted || detail.Grant.PaymentRef == "" {
		t.Fatalf("expected disbursed grant, got %+v", detail.Grant)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/grants/g1/evaluations", nil, as("alice"))
	if evs := decode[[]domain.Evaluation](t, data); len(evs) != len(domain.AgentTypes) {
		t.Fatalf("expected %d evaluations, got %d", len(domain.AgentTypes), len(evs))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/grants/g1/session", nil, as("alice"))
	session := decode[SessionResponse](t, data)
	if !session.Session.Finalized || len(session.Votes) != len(domain.AgentTypes) {
		t.Fatalf("unexpected session %+v", session)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/treasury", nil, as("alice"))
	if st := decode[domain.TreasuryState](t, data); st.Balance.String() != "48800" {
		t.Fatalf("expected balance 48800, got %s", st.Balance)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/events?grant_id=g1&limit=2", nil, as("alice"))
	page := decode[EventPage](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page, got %+v", page)
	}
	if page.Items[0].Type != "workflow.advanced" || page.Items[1].Type != "grant.completed" {
		t.Fatalf("expected newest events first, got %s then %s", page.Items[0].Type, page.Items[1].Type)
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/events?grant_id=g1&limit=2&cursor="+page.NextCursor, nil, as("alice"))
	next := decode[EventPage](t, data)
	if len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("cursor did not page backwards: %+v", next)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/stats", nil, as("alice"))
	if stats := decode[engine.Stats](t, data); stats.Processed != 1 || stats.Approved != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/grants/g1/cancel", nil, as("alice"))
	expectError(t, res, data, http.StatusConflict, "invalid_transition")
}

func TestListGrantsPaginates(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Consensus.VotingPeriod = time.Hour }, AuthConfig{})
	for _, id := range []string{"g1", "g2", "g3"} {
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/grants", grantBody(id, "100"), as("alice"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit %s status %d: %s", id, res.StatusCode, string(data))
		}
	}
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 3 {
			t.Fatalf("pagination did not terminate")
		}
		url := srv.URL + "/grants?requester=alice&limit=2"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, srv.client, http.MethodGet, url, nil, as("alice"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		page := decode[GrantPage](t, data)
		for _, g := range page.Items {
			seen[g.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 grants across pages, got %v", seen)
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/grants?cursor=bogus", nil, as("alice"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

func TestCancelWhileVoting(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Consensus.VotingPeriod = time.Hour }, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/grants", grantBody("g1", "500"), as("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	waitForStage(t, srv, "g1", domain.StageVoting)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/grants/g1/cancel", map[string]any{"reason": "x"}, as("mallory"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/grants/g1/cancel", map[string]any{"reason": "duplicate"}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	if g := decode[domain.Grant](t, data); g.Status != domain.GrantCancelled {
		t.Fatalf("expected cancelled grant, got %s", g.Status)
	}
	ws := waitForStage(t, srv, "g1", domain.StageComplete)
	if ws.Progress != 100 {
		t.Fatalf("expected full progress, got %d", ws.Progress)
	}
}

func TestErrorEnvelopeAndAuthorization(t *testing.T) {
	srv := newTestServer(t, nil, AuthConfig{})
	client := srv.client

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/grants", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/grants/missing", nil, as("alice"))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/grants", grantBody("bad", "lots"), as("alice"))
	expectError(t, res, data, http.StatusBadRequest, "validation_failed")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents", map[string]any{"id": "extra", "type": "budget"}, as("alice"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents", map[string]any{"id": "extra", "type": "budget", "weight": 2}, as("ops", RoleAdmin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents", map[string]any{"id": "extra", "type": "budget"}, as("ops", RoleAdmin))
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/agents/extra", map[string]any{"reputation": 60, "feedback_delta": -10}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update agent status %d: %s", res.StatusCode, string(data))
	}
	if a := decode[domain.Agent](t, data); a.Reputation != 50 {
		t.Fatalf("expected reputation 50, got %d", a.Reputation)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/pause", map[string]any{"reason": "audit"}, as("alice"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/pause", map[string]any{"reason": "audit"}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pause status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/grants", grantBody("g1", "100"), as("alice"))
	expectError(t, res, data, http.StatusLocked, "halted")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/unpause", nil, as("ben"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unpause status %d: %s", res.StatusCode, string(data))
	}
	if st := decode[domain.TreasuryState](t, data); st.Paused {
		t.Fatalf("expected treasury to be running")
	}
}

func TestWithdrawalNeedsTwoSignatures(t *testing.T) {
	srv := newTestServer(t, nil, AuthConfig{})
	client := srv.client
	body := map[string]any{"recipient": "0xops", "amount": "2000", "reason": "audit fee"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/treasury/withdrawals", body, as("ana"))
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/emergency-stop", map[string]any{"reason": "key leak"}, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("emergency stop status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/withdrawals", body, as("ana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create withdrawal status %d: %s", res.StatusCode, string(data))
	}
	w := decode[domain.WithdrawalRequest](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/withdrawals/"+w.ID+"/execute", nil, as("ana"))
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/withdrawals/"+w.ID+"/approve", nil, as("mallory"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/withdrawals/"+w.ID+"/approve", nil, as("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first approval status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.WithdrawalRequest](t, data); got.Status != domain.WithdrawalPending {
		t.Fatalf("one signature must not execute, got %s", got.Status)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/treasury/withdrawals/"+w.ID+"/approve", map[string]any{"comment": "ok"}, as("ben"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second approval status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.WithdrawalRequest](t, data); got.Status != domain.WithdrawalExecuted {
		t.Fatalf("expected executed withdrawal, got %s", got.Status)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/treasury/withdrawals?status=executed", nil, as("alice"))
	if list := decode[[]domain.WithdrawalRequest](t, data); len(list) != 1 || list[0].ID != w.ID {
		t.Fatalf("unexpected withdrawal list %+v", list)
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/treasury", nil, as("alice"))
	if st := decode[domain.TreasuryState](t, data); st.Balance.String() != "48000" {
		t.Fatalf("expected balance 48000, got %s", st.Balance)
	}
}

func TestJWTAuthentication(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, nil, AuthConfig{JWTSecret: secret, DevLogin: true})
	client := srv.client

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/treasury", nil, as("alice"))
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/treasury", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/auth/dev/login", map[string]any{"actor_id": "ops", "roles": []string{RoleAdmin}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	token := decode[DevLoginResponse](t, data).Token
	bearer := map[string]string{"Authorization": "Bearer " + token}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/agents/agent-budget/deactivate", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status %d: %s", res.StatusCode, string(data))
	}
	if a := decode[domain.Agent](t, data); a.Active {
		t.Fatalf("expected inactive agent")
	}

	plain, err := SignToken(secret, "alice", nil, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/reconciliation-issues", nil, map[string]string{"Authorization": "Bearer " + plain})
	expectError(t, res, data, http.StatusForbidden, "forbidden")
}

func TestOpenAPIAndHealthArePublic(t *testing.T) {
	srv := newTestServer(t, nil, AuthConfig{JWTSecret: "s"})
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "/v1/grants/{grant_id}/milestones") || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi document is missing routes or security")
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv := newTestServer(t, nil, AuthConfig{JWTSecret: "s"})
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		bodies []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.client.Get(srv.URL + "/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err != nil || res.StatusCode != http.StatusOK {
				t.Errorf("openapi status %d: %v", res.StatusCode, err)
				return
			}
			mu.Lock()
			bodies = append(bodies, string(data))
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, b := range bodies {
		if b != bodies[0] || !strings.Contains(b, "bearerAuth") {
			t.Fatalf("openapi documents differ between concurrent requests")
		}
	}
}
