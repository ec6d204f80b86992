package notify_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantline/internal/config"
	"grantline/internal/dbtest"
	"grantline/internal/events"
	"grantline/internal/notify"
	"grantline/internal/repo"
)

type receiver struct {
	mu     sync.Mutex
	fail   bool
	got    []notify.Event
	sigs   []string
	bodies [][]byte
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.fail {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var evt notify.Event
	_ = json.Unmarshal(body, &evt)
	rc.got = append(rc.got, evt)
	rc.sigs = append(rc.sigs, r.Header.Get("X-Grantline-Signature"))
	rc.bodies = append(rc.bodies, body)
}

func (rc *receiver) types() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var out []string
	for _, e := range rc.got {
		out = append(out, e.Type)
	}
	return out
}

func appendEvent(t *testing.T, conn *sql.DB, typ, grantID string) {
	t.Helper()
	require.NoError(t, events.Writer{}.Append(context.Background(), conn, typ, grantID, "grant", grantID, "orchestrator", events.EventPayload{"n": 1}))
}

func TestDispatchFromCursorWithFilter(t *testing.T) {
	conn := dbtest.Open(t)
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	appendEvent(t, conn, events.GrantSubmitted, "old")
	d := notify.New(repo.Repo{DB: conn}, []config.WebhookConfig{{
		URL:    srv.URL,
		Events: []string{events.GrantDecided, "milestone.*"},
		Secret: "s3cret",
	}}, nil, nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)
	assert.Empty(t, rc.types(), "history before startup is not replayed")

	appendEvent(t, conn, events.GrantSubmitted, "g1")
	appendEvent(t, conn, events.GrantDecided, "g1")
	appendEvent(t, conn, events.MilestonePaid, "g1")
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{events.GrantDecided, events.MilestonePaid}, rc.types())

	rc.mu.Lock()
	defer rc.mu.Unlock()
	assert.Equal(t, "g1", rc.got[0].GrantID)
	assert.JSONEq(t, `{"n":1}`, string(rc.got[0].Payload))
	assert.Equal(t, "sha256="+notify.Sign("s3cret", rc.bodies[0]), rc.sigs[0])
}

func TestFailedDeliveryIsOfferedAgain(t *testing.T) {
	conn := dbtest.Open(t)
	rc := &receiver{fail: true}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	d := notify.New(repo.Repo{DB: conn}, []config.WebhookConfig{{URL: srv.URL}}, nil, nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)

	appendEvent(t, conn, events.GrantDecided, "g1")
	d.DispatchOnce(ctx)
	assert.Empty(t, rc.types())

	rc.mu.Lock()
	rc.fail = false
	rc.mu.Unlock()
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{events.GrantDecided}, rc.types())
}

func TestDisabledHookIsSkipped(t *testing.T) {
	conn := dbtest.Open(t)
	rc := &receiver{}
	srv := httptest.NewServer(rc)
	defer srv.Close()

	off := false
	d := notify.New(repo.Repo{DB: conn}, []config.WebhookConfig{{URL: srv.URL, Enabled: &off}}, nil, nil)
	d.DispatchOnce(context.Background())
	appendEvent(t, conn, events.GrantDecided, "g1")
	d.DispatchOnce(context.Background())
	assert.Empty(t, rc.types())
}
