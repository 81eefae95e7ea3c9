package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/visualdiff-farm/internal/results/domain"
	"github.com/cuongbtq/visualdiff-farm/internal/results/model"
	"github.com/cuongbtq/visualdiff-farm/internal/results/storage"
)

// memStore mirrors the conditional updates of the SQL storage
type memStore struct {
	mu      sync.Mutex
	results []*model.Result
	err     error
}

func (s *memStore) add(r *model.Result) {
	r.ID = int64(len(s.results) + 1)
	r.Status = domain.StatusWaiting
	r.StatusMessage = domain.MessageWaiting
	s.results = append(s.results, r)
}

func (s *memStore) NextEligible(ctx context.Context, now time.Time) (*model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	var eligible []*model.Result
	for _, r := range s.results {
		if r.Status == domain.StatusOK {
			continue
		}
		if r.WaitUntil.Valid && !r.WaitUntil.Time.Before(now) {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil, storage.ErrRecordNotFound
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	copied := *eligible[0]
	return &copied, nil
}

func (s *memStore) transition(id int64, to string, apply func(r *model.Result)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.results {
		if r.ID != id {
			continue
		}
		if !domain.CanTransition(r.Status, to) {
			return storage.ErrRecordNotFound
		}
		r.Status = to
		apply(r)
		return nil
	}
	return storage.ErrRecordNotFound
}

func (s *memStore) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	return s.transition(id, domain.StatusOK, func(r *model.Result) {
		r.StatusMessage = domain.MessageSent
		r.SentAt = sql.NullTime{Time: sentAt, Valid: true}
		r.WaitUntil = sql.NullTime{}
	})
}

func (s *memStore) MarkFailed(ctx context.Context, id int64, message string, waitUntil time.Time) error {
	return s.transition(id, domain.StatusError, func(r *model.Result) {
		r.StatusMessage = message
		r.WaitUntil = sql.NullTime{Time: waitUntil, Valid: true}
	})
}

func (s *memStore) get(id int64) model.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.results[id-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDeliverer(store DeliveryStore, clock *fakeClock) *Deliverer {
	d := NewDeliverer(&DelivererConfig{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:           store,
		IdleInterval:    time.Millisecond,
		Backoff:         30 * time.Second,
		DeliveryTimeout: time.Second,
	})
	d.now = clock.Now
	return d
}

func newRecord(uuid, callbackURL string, createdAt time.Time) *model.Result {
	return &model.Result{
		UUID:          uuid,
		CorrelationID: "c-" + uuid,
		Origin:        "drupal",
		CallbackURL:   callbackURL,
		RawPayload:    json.RawMessage(`{"metadata":{"id":"abc","success":true},"errors":[]}`),
		CreatedAt:     createdAt,
	}
}

func TestDeliverer_DeliverNext(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
	store := &memStore{}
	store.add(newRecord("u-1", server.URL, clock.Now()))

	d := newTestDeliverer(store, clock)
	require.True(t, d.DeliverNext(context.Background()))

	result := store.get(1)
	assert.Equal(t, domain.StatusOK, result.Status)
	assert.Equal(t, domain.MessageSent, result.StatusMessage)
	assert.True(t, result.SentAt.Valid)

	assert.Equal(t, "u-1", received["uuid"])
	assert.Equal(t, true, received["metadata"].(map[string]any)["success"])

	assert.False(t, d.DeliverNext(context.Background()))
}

func TestDeliverer_Backoff(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	store := &memStore{}
	store.add(newRecord("u-1", server.URL, start))

	d := newTestDeliverer(store, clock)
	ctx := context.Background()

	require.True(t, d.DeliverNext(ctx))
	result := store.get(1)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.StatusMessage, "callback returned 503")
	assert.Equal(t, start.Add(30*time.Second), result.WaitUntil.Time)

	clock.Advance(29 * time.Second)
	assert.False(t, d.DeliverNext(ctx), "selected before wait_until")

	clock.Advance(2 * time.Second)
	fail.Store(false)
	require.True(t, d.DeliverNext(ctx))
	assert.Equal(t, domain.StatusOK, store.get(1).Status)
}

func TestDeliverer_Failures(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name        string
		record      func() *model.Result
		wantMessage string
	}{
		{
			name:        "unreachable callback",
			record:      func() *model.Result { return newRecord("u-1", closedURL, time.Time{}) },
			wantMessage: domain.ErrDeliveryFailed.Error(),
		},
		{
			name:        "missing callback",
			record:      func() *model.Result { return newRecord("u-1", "", time.Time{}) },
			wantMessage: "no callback url",
		},
		{
			name: "payload is not an object",
			record: func() *model.Result {
				r := newRecord("u-1", closedURL, time.Time{})
				r.RawPayload = json.RawMessage(`[1,2]`)
				return r
			},
			wantMessage: "not a JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Now()}
			store := &memStore{}
			store.add(tt.record())

			require.True(t, newTestDeliverer(store, clock).DeliverNext(context.Background()))

			result := store.get(1)
			assert.Equal(t, domain.StatusError, result.Status)
			assert.Contains(t, result.StatusMessage, tt.wantMessage)
		})
	}
}

func TestDeliverer_OrderAndStoreErrors(t *testing.T) {
	var mu sync.Mutex
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		order = append(order, body["uuid"].(string))
		mu.Unlock()
	}))
	defer server.Close()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base.Add(time.Hour)}
	store := &memStore{}
	store.add(newRecord("late", server.URL, base.Add(time.Minute)))
	store.add(newRecord("early", server.URL, base))

	d := newTestDeliverer(store, clock)
	require.True(t, d.DeliverNext(context.Background()))
	require.True(t, d.DeliverNext(context.Background()))
	assert.Equal(t, []string{"early", "late"}, order)

	store.err = errors.New("connection reset")
	assert.False(t, d.DeliverNext(context.Background()))
}

func TestDeliverer_Run(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	store := &memStore{}
	store.add(newRecord("u-1", server.URL, time.Now()))
	store.add(newRecord("u-2", server.URL, time.Now()))

	d := newTestDeliverer(store, &fakeClock{now: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, domain.StatusOK, store.get(1).Status)
	assert.Equal(t, domain.StatusOK, store.get(2).Status)
	assert.Equal(t, int32(2), calls.Load())
}
