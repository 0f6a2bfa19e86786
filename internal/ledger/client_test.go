package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-dispatcher/internal/dispatch"
	"batch-dispatcher/internal/models"
)

type fakeNode struct {
	mu     sync.Mutex
	next   map[string]uint64
	status map[string]int
	auth   string
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	n := &fakeNode{next: map[string]uint64{}, status: map[string]int{}}
	r := chi.NewRouter()
	r.Get("/accounts/{address}/sequence", func(w http.ResponseWriter, req *http.Request) {
		n.mu.Lock()
		defer n.mu.Unlock()
		addr := chi.URLParam(req, "address")
		if code := n.status[addr]; code != 0 {
			w.WriteHeader(code)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]uint64{"sequence": n.next[addr]})
	})
	r.Post("/accounts/{address}/submissions", func(w http.ResponseWriter, req *http.Request) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.auth = req.Header.Get("Authorization")
		addr := chi.URLParam(req, "address")
		if code := n.status[addr]; code != 0 {
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "forced"})
			return
		}
		var body submitRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Kind == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.Sequence != n.next[addr] {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad sequence"})
			return
		}
		n.next[addr]++
		_ = json.NewEncoder(w).Encode(submitResponse{ConfirmationID: "tx-" + addr, Cost: 21})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return n, srv
}

func TestClientSequenceAndSubmit(t *testing.T) {
	node, srv := newFakeNode(t)
	node.next["alice"] = 9

	c, err := New(srv.URL+"/", time.Second, WithAPIKey("secret"))
	require.NoError(t, err)

	seq, err := c.CurrentSequence(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 9, seq)

	receipt, err := c.Submit(context.Background(), "alice", 9, models.Payload{Kind: "transfer", Body: json.RawMessage(`{"to":"bob"}`)})
	require.NoError(t, err)
	assert.Equal(t, "tx-alice", receipt.ConfirmationID)
	assert.EqualValues(t, 9, receipt.Sequence)
	assert.EqualValues(t, 21, receipt.Cost)
	assert.Equal(t, "Bearer secret", node.auth)
}

func TestClientMapsStatusCodes(t *testing.T) {
	node, srv := newFakeNode(t)
	c, err := New(srv.URL, time.Second)
	require.NoError(t, err)

	cases := []struct {
		code  int
		want  error
		class dispatch.Class
	}{
		{http.StatusUnauthorized, dispatch.ErrUnauthorized, dispatch.ClassIdentityFatal},
		{http.StatusForbidden, dispatch.ErrUnauthorized, dispatch.ClassIdentityFatal},
		{http.StatusConflict, dispatch.ErrSequenceMismatch, dispatch.ClassTransient},
		{http.StatusTooManyRequests, dispatch.ErrRateLimited, dispatch.ClassTransient},
		{http.StatusUnprocessableEntity, dispatch.ErrRejected, dispatch.ClassPermanent},
		{http.StatusBadGateway, dispatch.ErrTransient, dispatch.ClassTransient},
	}
	for _, tc := range cases {
		node.mu.Lock()
		node.status["bob"] = tc.code
		node.mu.Unlock()

		_, err := c.Submit(context.Background(), "bob", 0, models.Payload{Kind: "transfer"})
		require.Error(t, err)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.code)
		assert.Equal(t, tc.class, dispatch.Classify(err), "status %d", tc.code)
		assert.True(t, IsStatus(err, tc.code))
	}
}

func TestClientSequenceMismatchMessage(t *testing.T) {
	_, srv := newFakeNode(t)
	c, err := New(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), "carol", 5, models.Payload{Kind: "transfer"})
	require.ErrorIs(t, err, dispatch.ErrSequenceMismatch)
	assert.Contains(t, err.Error(), "bad sequence")
}

func TestClientNetworkErrorIsTransient(t *testing.T) {
	_, srv := newFakeNode(t)
	url := srv.URL
	srv.Close()

	c, err := New(url, time.Second)
	require.NoError(t, err)
	_, err = c.CurrentSequence(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrTransient)
}

func TestClientHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(srv.URL, 5*time.Second)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.CurrentSequence(ctx, "alice")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://ledger", time.Second)
	assert.Error(t, err)
}
