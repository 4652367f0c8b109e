package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/allocation/internal/adapter/messaging"
	"github.com/rl1809/allocation/internal/adapter/notification"
	"github.com/rl1809/allocation/internal/adapter/storage"
	"github.com/rl1809/allocation/internal/core/domain"
	"github.com/rl1809/allocation/internal/core/service"
	"github.com/rl1809/allocation/internal/port"
)

type mockGuard struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (m *mockGuard) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockGuard) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type failingBus struct {
	err error
}

func (f failingBus) Handle(ctx context.Context, msg domain.Message) ([]string, error) {
	return nil, f.err
}

func newTestBus(store *storage.MemoryStore) *service.MessageBus {
	logger := zap.NewNop()
	return service.Bootstrap(service.Dependencies{
		UnitOfWork: store.NewUnitOfWork,
		Publisher:  messaging.NewLogPublisher(logger),
		Notifier:   notification.NewLogNotifier(logger),
		Logger:     logger,
	})
}

func newTestServer(t *testing.T, guard IdempotencyGuard) *httptest.Server {
	t.Helper()
	store := storage.NewMemoryStore()
	h := NewHTTPHandler(newTestBus(store), store, guard, nil)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any, headers ...string) (*http.Response, HTTPResponse) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out HTTPResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func addBatch(t *testing.T, srv *httptest.Server, ref, sku string, qty int, eta string) {
	t.Helper()
	body := map[string]any{"ref": ref, "sku": sku, "qty": qty}
	if eta != "" {
		body["eta"] = eta
	}
	resp, _ := post(t, srv, "/add_batch", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAllocate_HappyPathReturns201AndBatchRef(t *testing.T) {
	srv := newTestServer(t, nil)
	addBatch(t, srv, "laterbatch", "SMALL-TABLE", 100, "2011-01-02")
	addBatch(t, srv, "earlybatch", "SMALL-TABLE", 100, "2011-01-01")
	addBatch(t, srv, "otherbatch", "OTHER-TABLE", 100, "")

	resp, out := post(t, srv, "/allocate", map[string]any{"orderid": "o1", "sku": "SMALL-TABLE", "qty": 3})

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, out.Success)
	assert.Equal(t, "earlybatch", out.BatchRef)
}

func TestAllocate_UnknownSkuReturns400(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, out := post(t, srv, "/allocate", map[string]any{"orderid": "o1", "sku": "UNKNOWN", "qty": 3})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Message, "invalid sku")
}

func TestAllocate_OutOfStockReturns410(t *testing.T) {
	srv := newTestServer(t, nil)
	addBatch(t, srv, "b1", "TINY-LAMP", 1, "")

	resp, out := post(t, srv, "/allocate", map[string]any{"orderid": "o1", "sku": "TINY-LAMP", "qty": 5})

	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "out of stock", out.Message)
}

func TestAllocate_RejectsInvalidBody(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/allocate", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, _ := post(t, srv, "/allocate", map[string]any{"orderid": "o1", "sku": "X", "qty": 0})
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestAllocate_IdempotencyKey(t *testing.T) {
	guard := &mockGuard{keys: make(map[string]bool)}
	srv := newTestServer(t, guard)
	addBatch(t, srv, "b1", "LAMP", 10, "")
	line := map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 1}

	first, _ := post(t, srv, "/allocate", line, idempotencyHeader, "req-1")
	second, _ := post(t, srv, "/allocate", line, idempotencyHeader, "req-1")

	assert.Equal(t, http.StatusCreated, first.StatusCode)
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestAllocate_FailedRequestReleasesIdempotencyKey(t *testing.T) {
	guard := &mockGuard{keys: make(map[string]bool)}
	srv := newTestServer(t, guard)
	line := map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 1}

	first, _ := post(t, srv, "/allocate", line, idempotencyHeader, "req-1")
	require.Equal(t, http.StatusBadRequest, first.StatusCode)

	addBatch(t, srv, "b1", "LAMP", 10, "")
	retry, out := post(t, srv, "/allocate", line, idempotencyHeader, "req-1")

	assert.Equal(t, http.StatusCreated, retry.StatusCode)
	assert.Equal(t, "b1", out.BatchRef)

	again, _ := post(t, srv, "/allocate", line, idempotencyHeader, "req-1")
	assert.Equal(t, http.StatusConflict, again.StatusCode)
}

func TestAllocate_ConflictReleasesIdempotencyKey(t *testing.T) {
	guard := &mockGuard{keys: make(map[string]bool)}
	store := storage.NewMemoryStore()
	h := NewHTTPHandler(failingBus{err: port.ErrConcurrentModification}, store, guard, nil)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, _ := post(t, srv, "/allocate", map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 1}, idempotencyHeader, "req-2")

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotContains(t, guard.keys, "allocate:req-2")
}

func TestAllocate_IdempotencyFailureReturns500(t *testing.T) {
	guard := &mockGuard{keys: make(map[string]bool), err: errors.New("redis down")}
	srv := newTestServer(t, guard)

	resp, _ := post(t, srv, "/allocate", map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 1}, idempotencyHeader, "req-1")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestDeallocate(t *testing.T) {
	srv := newTestServer(t, nil)
	addBatch(t, srv, "b1", "LAMP", 10, "")
	line := map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 4}
	post(t, srv, "/allocate", line)

	resp, out := post(t, srv, "/deallocate", line)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "b1", out.BatchRef)

	resp, _ = post(t, srv, "/deallocate", line)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChangeBatchQuantity(t *testing.T) {
	srv := newTestServer(t, nil)
	addBatch(t, srv, "b1", "LAMP", 10, "")

	resp, _ := post(t, srv, "/change_batch_quantity", map[string]any{"ref": "b1", "qty": 5})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = post(t, srv, "/change_batch_quantity", map[string]any{"ref": "missing", "qty": 5})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddBatch_RejectsBadEta(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := post(t, srv, "/add_batch", map[string]any{"ref": "b1", "sku": "LAMP", "qty": 10, "eta": "soon"})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAllocations_View(t *testing.T) {
	srv := newTestServer(t, nil)
	addBatch(t, srv, "b1", "LAMP", 10, "")
	post(t, srv, "/allocate", map[string]any{"orderid": "order1", "sku": "LAMP", "qty": 2})

	resp, err := http.Get(srv.URL + "/allocations/order1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []domain.AllocationView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Equal(t, []domain.AllocationView{{SKU: "LAMP", BatchRef: "b1"}}, views)

	missing, err := http.Get(srv.URL + "/allocations/nobody")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestWriteError_MapsErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidSku, http.StatusBadRequest},
		{domain.ErrBatchNotFound, http.StatusNotFound},
		{errors.Join(errors.New("commit"), port.ErrConcurrentModification), http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		h := NewHTTPHandler(failingBus{err: tc.err}, store, nil, nil)
		srv := httptest.NewServer(h.Routes())

		payload, _ := json.Marshal(map[string]any{"ref": "b1", "qty": 1})
		resp, err := http.Post(srv.URL+"/change_batch_quantity", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		resp.Body.Close()
		srv.Close()

		assert.Equal(t, tc.want, resp.StatusCode, tc.err.Error())
	}
}
