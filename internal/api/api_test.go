package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	escrow "github.com/logistic-platform/logistics-contract"
	"github.com/logistic-platform/logistics-contract/internal/api"
)

type testServer struct {
	handler http.Handler
	clock   *clockwork.FakeClock
}

type created struct {
	Account       escrow.Account       `json:"account"`
	Authorization escrow.Authorization `json:"authorization"`
}

var epoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestCreateAndRelease(t *testing.T) {
	srv := setupServer(t)
	c := srv.create(t, 1000)

	assert.Equal(t, escrow.StatusActive, c.Account.Status)
	assert.Equal(t, int64(1000), c.Account.Balance)
	assert.Equal(t, escrow.Address("alice"), c.Authorization.Holder)

	res := srv.do(t, http.MethodPost, "/escrows/"+string(c.Account.ID)+"/release",
		"driver", map[string]any{"authorization_id": c.Authorization.ID},
	)
	assert.Equal(t, http.StatusOK, res.Code)

	var acc escrow.Account
	decode(t, res, &acc)
	assert.True(t, acc.IsReleased())

	res = srv.do(t, http.MethodPost, "/escrows/"+string(c.Account.ID)+"/release",
		"driver", map[string]any{"authorization_id": c.Authorization.ID},
	)
	assert.Equal(t, http.StatusConflict, res.Code)

	res = srv.do(t, http.MethodGet, "/payouts/bob", "", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"address":"bob","total":1000}`, res.Body.String())
}

func TestReleaseWithForeignAuthorization(t *testing.T) {
	srv := setupServer(t)
	first := srv.create(t, 10)
	second := srv.create(t, 20)

	res := srv.do(t, http.MethodPost, "/escrows/"+string(first.Account.ID)+"/release",
		"", map[string]any{"authorization_id": second.Authorization.ID},
	)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = srv.do(t, http.MethodGet, "/escrows/"+string(first.Account.ID), "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var acc escrow.Account
	decode(t, res, &acc)
	assert.True(t, acc.IsActive())
	assert.Equal(t, int64(10), acc.Balance)
}

func TestRefund(t *testing.T) {
	srv := setupServer(t)
	c := srv.create(t, 500)
	path := "/escrows/" + string(c.Account.ID) + "/refund"

	res := srv.do(t, http.MethodPost, path, "alice", nil)
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Contains(t, res.Body.String(), "deadline not reached")

	srv.clock.Advance(time.Hour + time.Millisecond)
	res = srv.do(t, http.MethodPost, path, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = srv.do(t, http.MethodPost, path, "alice", nil)
	assert.Equal(t, http.StatusOK, res.Code)

	res = srv.do(t, http.MethodGet, "/payouts/alice", "", nil)
	assert.JSONEq(t, `{"address":"alice","total":500}`, res.Body.String())

	res = srv.do(t, http.MethodPost,
		"/authorizations/"+string(c.Authorization.ID)+"/transfer", "alice",
		map[string]any{"recipient": "driver"},
	)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestPublishAndShared(t *testing.T) {
	srv := setupServer(t)
	c := srv.create(t, 5)
	path := "/escrows/" + string(c.Account.ID) + "/publish"

	assert.Equal(t, http.StatusForbidden, srv.do(t, http.MethodPost, path, "bob", nil).Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, path, "alice", nil).Code)
	assert.Equal(t, http.StatusConflict, srv.do(t, http.MethodPost, path, "alice", nil).Code)

	res := srv.do(t, http.MethodGet, "/shared", "", nil)
	var ids []escrow.AccountID
	decode(t, res, &ids)
	assert.Equal(t, []escrow.AccountID{c.Account.ID}, ids)
}

func TestTransfer(t *testing.T) {
	srv := setupServer(t)
	c := srv.create(t, 5)
	path := "/authorizations/" + string(c.Authorization.ID) + "/transfer"

	res := srv.do(t, http.MethodPost, path, "bob",
		map[string]any{"recipient": "carol"},
	)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = srv.do(t, http.MethodPost, path, "alice",
		map[string]any{"recipient": "driver"},
	)
	require.Equal(t, http.StatusOK, res.Code)
	var auth escrow.Authorization
	decode(t, res, &auth)
	assert.Equal(t, escrow.Address("driver"), auth.Holder)
	assert.Equal(t, c.Account.ID, auth.AccountID)

	res = srv.do(t, http.MethodPost, "/authorizations/missing/transfer", "alice",
		map[string]any{"recipient": "driver"},
	)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestFeed(t *testing.T) {
	srv := setupServer(t)
	c := srv.create(t, 5)
	srv.create(t, 6)
	srv.do(t, http.MethodPost, "/escrows/"+string(c.Account.ID)+"/publish", "alice", nil)

	res := srv.do(t, http.MethodGet, "/feed", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var recs []escrow.Record
	decode(t, res, &recs)
	require.Len(t, recs, 2)
	assert.Equal(t, escrow.EventCreated, recs[0].Event.Type)

	res = srv.do(t, http.MethodGet, "/feed?count=1&after="+recs[0].StreamID, "", nil)
	var page []escrow.Record
	decode(t, res, &page)
	require.Len(t, page, 1)
	assert.Equal(t, recs[1].StreamID, page[0].StreamID)

	res = srv.do(t, http.MethodGet, "/feed?count=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestBadRequests(t *testing.T) {
	srv := setupServer(t)

	res := srv.do(t, http.MethodPost, "/escrows", "alice", map[string]any{
		"reference_id": "r", "payee": "bob", "amount": 0,
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	req := httptest.NewRequest(http.MethodPost, "/escrows", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	res = srv.do(t, http.MethodGet, "/escrows/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = srv.do(t, http.MethodPost, "/escrows/missing/release", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cfg := escrow.DefaultConfig()
	cfg.Store.Addr = server.Addr()
	cfg.EnableSnapshotWorker = false

	v, err := escrow.NewVault(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	store, err := v.NewStore(cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := clockwork.NewFakeClockAt(epoch)
	svc := escrow.NewService(store,
		escrow.WithClock(escrow.NewClockSource(clock)),
	)

	return &testServer{
		handler: api.NewRouter(svc, zaptest.NewLogger(t)),
		clock:   clock,
	}
}

func (s *testServer) create(t *testing.T, amount int64) created {
	t.Helper()
	res := s.do(t, http.MethodPost, "/escrows", "alice", map[string]any{
		"reference_id": "order-1",
		"payee":        "bob",
		"amount":       amount,
		"deadline":     escrow.AsUnixMilli(epoch.Add(time.Hour)),
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	var c created
	decode(t, res, &c)
	return c
}

func (s *testServer) do(
	t *testing.T, method, path, caller string, body any,
) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req.Header.Set(api.CallerHeader, caller)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, res *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), v))
}
