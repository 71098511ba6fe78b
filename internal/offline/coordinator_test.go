package offline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"goldrock/internal/backend"
	"goldrock/internal/config"
	"goldrock/internal/events"
	"goldrock/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	saved   []models.QueuedAction
	saves   int
	saveErr error
	loadErr error
}

func (s *memStore) Save(_ context.Context, actions []models.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = make([]models.QueuedAction, len(actions))
	for i, a := range actions {
		s.saved[i] = a.Clone()
	}
	return nil
}

func (s *memStore) Load(_ context.Context) ([]models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]models.QueuedAction(nil), s.saved...), nil
}

func (s *memStore) snapshot() []models.QueuedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QueuedAction(nil), s.saved...)
}

type sentRequest struct {
	Method string
	Path   string
	Body   string
}

// scriptedDeliverer answers each call with respond(callIndex, request).
type scriptedDeliverer struct {
	mu      sync.Mutex
	calls   []sentRequest
	respond func(n int, req sentRequest) error
}

func (d *scriptedDeliverer) Send(_ context.Context, method, path string, body json.RawMessage) error {
	d.mu.Lock()
	req := sentRequest{Method: method, Path: path, Body: string(body)}
	n := len(d.calls)
	d.calls = append(d.calls, req)
	respond := d.respond
	d.mu.Unlock()

	if respond == nil {
		return nil
	}
	return respond(n, req)
}

func (d *scriptedDeliverer) sent() []sentRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentRequest(nil), d.calls...)
}

func (d *scriptedDeliverer) bodies() []string {
	var out []string
	for _, c := range d.sent() {
		out = append(out, c.Body)
	}
	return out
}

type staticProber bool

func (p staticProber) Probe(context.Context) bool { return bool(p) }

type eventRecorder struct {
	mu    sync.Mutex
	types []string
	data  []*events.Event
}

func recordEvents(bus *events.EventBus, types ...string) *eventRecorder {
	rec := &eventRecorder{}
	for _, typ := range types {
		bus.Subscribe(typ, func(e *events.Event) error {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.types = append(rec.types, e.Type)
			rec.data = append(rec.data, e)
			return nil
		})
	}
	return rec
}

func (r *eventRecorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == typ {
			n++
		}
	}
	return n
}

type harness struct {
	coord     *Coordinator
	store     *memStore
	deliverer *scriptedDeliverer
	source    *SignalSource
	bus       *events.EventBus
}

func newHarness(t *testing.T, online bool, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:     &memStore{},
		deliverer: &scriptedDeliverer{},
		source:    NewSignalSource(),
		bus:       events.NewEventBus(),
	}
	o := Options{
		Store:        h.store,
		Deliverer:    h.deliverer,
		Router:       NewRouter(config.BackendConfig{}),
		Source:       h.source,
		Events:       h.bus,
		Retry:        DefaultRetryPolicy(),
		AssumeOnline: online,
		NotifyOnDrop: true,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.coord = NewCoordinator(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coord.Close(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.coord.Start(context.Background())
	h.coord.Wait()
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func idsOf(actions []models.QueuedAction) []string {
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestEnqueueOfflinePersistsWithoutDelivery(t *testing.T) {
	h := newHarness(t, false)
	h.start(t)

	action := h.coord.Enqueue(models.KindUploadBill, payload(t, map[string]string{"name": "lab.pdf"}))
	h.coord.Wait()

	assert.NotEmpty(t, action.ID)
	assert.Equal(t, 0, action.RetryCount)
	assert.Empty(t, h.deliverer.sent())

	status := h.coord.QueueStatus()
	assert.Equal(t, 1, status.PendingCount)
	assert.False(t, status.Syncing)
	require.Len(t, h.store.snapshot(), 1)
	assert.Equal(t, action.ID, h.store.snapshot()[0].ID)
}

func TestUploadBillRetriedThenDelivered(t *testing.T) {
	h := newHarness(t, true)
	h.deliverer.respond = func(n int, _ sentRequest) error {
		if n == 0 {
			return &backend.StatusError{Method: http.MethodPost, Path: "/api/bills", Code: http.StatusInternalServerError}
		}
		return nil
	}
	h.start(t)

	h.coord.Enqueue(models.KindUploadBill, payload(t, map[string]string{"name": "scan.pdf"}))
	h.coord.Wait()

	status := h.coord.QueueStatus()
	require.Equal(t, 1, status.PendingCount)
	assert.Equal(t, 1, status.Actions[0].RetryCount)
	assert.Equal(t, 1, h.store.snapshot()[0].RetryCount)

	h.coord.Drain(context.Background())

	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount)
	assert.Empty(t, h.store.snapshot())
	calls := h.deliverer.sent()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, http.MethodPost, c.Method)
		assert.Equal(t, "/api/bills", c.Path)
	}
}

func TestActionDroppedAfterRetryCap(t *testing.T) {
	h := newHarness(t, true)
	h.deliverer.respond = func(int, sentRequest) error { return errors.New("connection reset") }
	rec := recordEvents(h.bus, events.EventActionDropped, events.EventActionRetried)
	h.start(t)

	h.coord.Enqueue(models.KindSendMessage, payload(t, map[string]string{"text": "hello"}))
	h.coord.Wait()

	for i := 0; i < 5; i++ {
		h.coord.Drain(context.Background())
	}

	assert.Len(t, h.deliverer.sent(), 1+models.DefaultMaxRetries)
	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount)
	assert.Empty(t, h.store.snapshot())
	assert.Equal(t, models.DefaultMaxRetries, rec.count(events.EventActionRetried))
	require.Equal(t, 1, rec.count(events.EventActionDropped))

	var dropped events.ActionEventPayload
	rec.mu.Lock()
	last := rec.data[len(rec.data)-1]
	rec.mu.Unlock()
	require.NoError(t, last.Decode(&dropped))
	assert.Equal(t, "send_message", dropped.Kind)
	assert.Equal(t, models.DefaultMaxRetries, dropped.RetryCount)
	assert.Contains(t, dropped.Error, "connection reset")
}

func TestDropNotificationCanBeDisabled(t *testing.T) {
	h := newHarness(t, true, func(o *Options) { o.NotifyOnDrop = false })
	h.deliverer.respond = func(int, sentRequest) error { return errors.New("down") }
	rec := recordEvents(h.bus, events.EventActionDropped)
	h.start(t)

	h.coord.Enqueue(models.KindSendMessage, payload(t, map[string]string{"text": "hi"}))
	h.coord.Wait()
	for i := 0; i < models.DefaultMaxRetries; i++ {
		h.coord.Drain(context.Background())
	}

	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount)
	assert.Equal(t, 0, rec.count(events.EventActionDropped))
}

func TestZeroRetryCapDropsOnFirstFailure(t *testing.T) {
	h := newHarness(t, true, func(o *Options) { o.Retry.MaxRetries = 0 })
	h.deliverer.respond = func(int, sentRequest) error { return errors.New("bad gateway") }
	rec := recordEvents(h.bus, events.EventActionDropped)
	h.start(t)

	h.coord.Enqueue(models.KindUploadBill, json.RawMessage(`{}`))
	h.coord.Wait()

	assert.Len(t, h.deliverer.sent(), 1)
	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount)
	assert.Equal(t, 1, rec.count(events.EventActionDropped))
}

func TestDrainIsFIFOAndRequeuesFailuresAtTail(t *testing.T) {
	h := newHarness(t, false)
	h.deliverer.respond = func(_ int, req sentRequest) error {
		if req.Body == `{"n":"B"}` {
			return errors.New("timeout")
		}
		return nil
	}
	h.start(t)

	a := h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`{"n":"A"}`))
	b := h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`{"n":"B"}`))
	c := h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`{"n":"C"}`))
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, idsOf(h.coord.QueueStatus().Actions))

	h.source.SetOnline(true)
	h.coord.Wait()

	assert.Equal(t, []string{`{"n":"A"}`, `{"n":"B"}`, `{"n":"C"}`}, h.deliverer.bodies())
	status := h.coord.QueueStatus()
	require.Equal(t, 1, status.PendingCount)
	assert.Equal(t, b.ID, status.Actions[0].ID)
	assert.Equal(t, 1, status.Actions[0].RetryCount)
}

func TestEnqueueDuringDrainWaitsForNextPass(t *testing.T) {
	started := make(chan string, 4)
	release := make(chan struct{})

	h := newHarness(t, false)
	h.deliverer.respond = func(_ int, req sentRequest) error {
		started <- req.Body
		<-release
		return nil
	}
	h.start(t)

	a := h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`"A"`))
	h.source.SetOnline(true)

	select {
	case body := <-started:
		assert.Equal(t, `"A"`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not start")
	}

	b := h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`"B"`))

	status := h.coord.QueueStatus()
	assert.True(t, status.Syncing)
	assert.Equal(t, []string{a.ID, b.ID}, idsOf(status.Actions))
	assert.Equal(t, []string{a.ID, b.ID}, idsOf(h.store.snapshot()), "in-flight action must stay persisted")

	close(release)
	h.coord.Wait()

	assert.Equal(t, []string{`"A"`, `"B"`}, h.deliverer.bodies())
	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount)
	assert.False(t, h.coord.QueueStatus().Syncing)
}

func TestRestartRestoresQueueInOrder(t *testing.T) {
	store := &memStore{}
	first := newHarness(t, false, func(o *Options) { o.Store = store })
	first.start(t)

	a := first.coord.Enqueue(models.KindUploadBill, json.RawMessage(`{"n":1}`))
	b := first.coord.Enqueue(models.KindUpdateBill, json.RawMessage(`{"id":"b-7","paid":true}`))
	require.NoError(t, first.coord.Close(context.Background()))

	second := newHarness(t, false, func(o *Options) { o.Store = store })
	second.start(t)

	status := second.coord.QueueStatus()
	assert.Equal(t, []string{a.ID, b.ID}, idsOf(status.Actions))
	assert.JSONEq(t, `{"id":"b-7","paid":true}`, string(status.Actions[1].Payload))
	assert.Empty(t, second.deliverer.sent())
}

func TestStartClampsRetryCountAndDrainsWhenOnline(t *testing.T) {
	store := &memStore{saved: []models.QueuedAction{
		{ID: "1-aaaaaaaa", Kind: models.KindSendMessage, Payload: json.RawMessage(`{}`), EnqueuedAt: 1, RetryCount: 9},
		{ID: "2-bbbbbbbb", Kind: models.KindUploadBill, Payload: json.RawMessage(`{}`), EnqueuedAt: 2},
	}}
	h := newHarness(t, false, func(o *Options) {
		o.Store = store
		o.Prober = staticProber(true)
	})
	h.deliverer.respond = func(_ int, req sentRequest) error {
		if req.Path == "/api/chat/messages" {
			return errors.New("still failing")
		}
		return nil
	}
	h.start(t)

	assert.True(t, h.coord.IsOnline())
	assert.Len(t, h.deliverer.sent(), 2)
	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount, "clamped action is dropped on its next failure")
}

func TestOnlineSignalDuringBootProbeDrainsOnce(t *testing.T) {
	store := &memStore{saved: []models.QueuedAction{
		{ID: "1-aaaaaaaa", Kind: models.KindSendMessage, Payload: json.RawMessage(`{}`), EnqueuedAt: 1},
	}}
	var h *harness
	h = newHarness(t, false, func(o *Options) {
		o.Store = store
		o.Prober = proberFunc(func(context.Context) bool {
			h.source.SetOnline(true)
			return false
		})
	})
	h.deliverer.respond = func(int, sentRequest) error { return errors.New("503") }
	h.start(t)

	assert.True(t, h.coord.IsOnline())
	assert.Len(t, h.deliverer.sent(), 1)
	require.Equal(t, 1, h.coord.QueueStatus().PendingCount)
	assert.Equal(t, 1, h.coord.QueueStatus().Actions[0].RetryCount)
}

func TestUnsupportedSchemaStartsEmpty(t *testing.T) {
	store := &memStore{loadErr: models.ErrUnsupportedSchema}
	h := newHarness(t, true, func(o *Options) { o.Store = store })
	h.start(t)

	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount)
	assert.Equal(t, 0, store.saves, "stored data is left untouched until the next mutation")
}

func TestPersistFailureKeepsMemoryQueue(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	h := newHarness(t, false, func(o *Options) { o.Store = store })
	rec := recordEvents(h.bus, events.EventPersistenceFailed)
	h.start(t)

	action := h.coord.Enqueue(models.KindUploadBill, json.RawMessage(`{}`))

	assert.NotEmpty(t, action.ID)
	assert.Equal(t, 1, h.coord.QueueStatus().PendingCount)
	assert.Equal(t, 1, rec.count(events.EventPersistenceFailed))
}

func TestMalformedUpdateBillFollowsRetryPath(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	h.coord.Enqueue(models.KindUpdateBill, json.RawMessage(`{"paid":true}`))
	h.coord.Wait()

	status := h.coord.QueueStatus()
	require.Equal(t, 1, status.PendingCount)
	assert.Equal(t, 1, status.Actions[0].RetryCount)

	for i := 0; i < models.DefaultMaxRetries; i++ {
		h.coord.Drain(context.Background())
	}
	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount)
	assert.Empty(t, h.deliverer.sent())
}

func TestUpdateBillRoutedByPayloadID(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	h.coord.Enqueue(models.KindUpdateBill, json.RawMessage(`{"id":"b 42","status":"paid"}`))
	h.coord.Wait()

	calls := h.deliverer.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPatch, calls[0].Method)
	assert.Equal(t, "/api/bills/b%2042", calls[0].Path)
}

func TestOnlyOfflineToOnlineEdgeTriggersDrain(t *testing.T) {
	h := newHarness(t, false)
	h.deliverer.respond = func(int, sentRequest) error { return errors.New("502") }
	rec := recordEvents(h.bus, events.EventConnectivity)
	h.start(t)

	h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`{}`))

	h.source.SetOnline(true)
	h.coord.Wait()
	assert.Len(t, h.deliverer.sent(), 1)

	h.source.SetOnline(true)
	h.coord.Wait()
	assert.Len(t, h.deliverer.sent(), 1)

	h.source.SetOnline(false)
	h.source.SetOnline(false)
	assert.False(t, h.coord.IsOnline())

	h.source.SetOnline(true)
	h.coord.Wait()
	assert.Len(t, h.deliverer.sent(), 2)
	assert.Equal(t, 3, rec.count(events.EventConnectivity))
}

func TestDrainOfflineIsNoop(t *testing.T) {
	h := newHarness(t, false)
	h.start(t)

	h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`{}`))
	h.coord.Drain(context.Background())

	assert.Empty(t, h.deliverer.sent())
	assert.Equal(t, 1, h.coord.QueueStatus().PendingCount)
}

func TestCancelledDrainKeepsRemainderUntouched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, false)
	h.deliverer.respond = func(int, sentRequest) error {
		cancel()
		return ctx.Err()
	}
	h.start(t)

	a := h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`"A"`))
	b := h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`"B"`))

	// flip the flag without the edge-triggered background drain
	h.coord.monitor.online.Store(true)
	h.coord.Drain(ctx)

	assert.Len(t, h.deliverer.sent(), 1)
	status := h.coord.QueueStatus()
	assert.Equal(t, []string{a.ID, b.ID}, idsOf(status.Actions))
	for _, action := range status.Actions {
		assert.Equal(t, 0, action.RetryCount)
	}
	assert.Equal(t, []string{a.ID, b.ID}, idsOf(h.store.snapshot()))
}

func TestClearEmptiesQueueAndStore(t *testing.T) {
	h := newHarness(t, false)
	h.start(t)

	h.coord.Enqueue(models.KindUploadBill, json.RawMessage(`{}`))
	h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`{}`))
	h.coord.Clear(context.Background())

	assert.Equal(t, 0, h.coord.QueueStatus().PendingCount)
	assert.Empty(t, h.store.snapshot())
}

func TestQueueStatusReturnsCopy(t *testing.T) {
	h := newHarness(t, false)
	h.start(t)

	h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`{"text":"x"}`))

	status := h.coord.QueueStatus()
	status.Actions[0].Payload[2] = 'X'
	status.Actions[0].RetryCount = 99

	fresh := h.coord.QueueStatus()
	assert.JSONEq(t, `{"text":"x"}`, string(fresh.Actions[0].Payload))
	assert.Equal(t, 0, fresh.Actions[0].RetryCount)
}

func TestCloseStopsConnectivitySubscription(t *testing.T) {
	h := newHarness(t, false)
	h.start(t)

	h.coord.Enqueue(models.KindSendMessage, json.RawMessage(`{}`))
	require.NoError(t, h.coord.Close(context.Background()))

	h.source.SetOnline(true)
	h.coord.Wait()

	assert.False(t, h.coord.IsOnline())
	assert.Empty(t, h.deliverer.sent())
}

func TestRedrainScheduledWhileActionsRemain(t *testing.T) {
	h := newHarness(t, true, func(o *Options) {
		o.RedrainEnabled = true
		o.Retry.InitialDelay = 10 * time.Millisecond
		o.Retry.MaxDelay = 20 * time.Millisecond
	})
	h.deliverer.respond = func(n int, _ sentRequest) error {
		if n == 0 {
			return errors.New("flaky")
		}
		return nil
	}
	h.start(t)

	h.coord.Enqueue(models.KindUploadBill, json.RawMessage(`{}`))

	require.Eventually(t, func() bool {
		return len(h.deliverer.sent()) == 2 && h.coord.QueueStatus().PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)
}
