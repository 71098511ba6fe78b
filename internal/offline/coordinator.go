package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goldrock/internal/config"
	"goldrock/internal/domain"
	"goldrock/internal/events"
	"goldrock/internal/metrics"
	"goldrock/internal/models"

	"github.com/rs/zerolog"
)

const persistTimeout = 5 * time.Second

// Options wires a Coordinator to its collaborators.
type Options struct {
	Store     domain.QueueStore
	Deliverer domain.Deliverer
	Router    *Router
	Source    ConnectivitySource
	Prober    Prober
	Events    domain.EventPublisher
	// Retry.MaxRetries of 0 drops an action on its first failure; negative selects the default cap.
	Retry RetryPolicy

	// AssumeOnline is the boot state when no Prober is set.
	AssumeOnline bool
	// NotifyOnDrop publishes events.EventActionDropped for actions that exhaust their retries.
	NotifyOnDrop bool
	// RedrainEnabled schedules a follow-up drain while online actions remain after a pass.
	RedrainEnabled bool

	Logger *zerolog.Logger
}

// Coordinator owns the offline queue: it persists every mutation and drains the
// queue to the backend when connectivity is available.
type Coordinator struct {
	store     domain.QueueStore
	deliverer domain.Deliverer
	router    *Router
	events    domain.EventPublisher
	retry     RetryPolicy
	notify    bool
	redrain   bool
	logger    *zerolog.Logger
	monitor   *Monitor
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// drainMu serializes drain passes.
	drainMu sync.Mutex

	mu       sync.Mutex
	idle     *sync.Cond
	queue    []models.QueuedAction
	inflight []models.QueuedAction
	draining bool
	active   int
	closed   bool
	timer    *time.Timer
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	if opts.Router == nil {
		opts.Router = NewRouter(config.BackendConfig{})
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = models.DefaultMaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:     opts.Store,
		deliverer: opts.Deliverer,
		router:    opts.Router,
		events:    opts.Events,
		retry:     opts.Retry,
		notify:    opts.NotifyOnDrop,
		redrain:   opts.RedrainEnabled,
		logger:    opts.Logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.idle = sync.NewCond(&c.mu)
	c.monitor = newMonitor(opts.Source, opts.Prober, opts.AssumeOnline, c.triggerDrain, opts.Events, opts.Logger)
	return c
}

// Start restores the persisted queue, detects connectivity and subscribes to the source.
// A load failure is logged and the coordinator starts empty; the stored copy is only
// overwritten by the next mutation.
func (c *Coordinator) Start(ctx context.Context) {
	var restored []models.QueuedAction
	if c.store != nil {
		actions, err := c.store.Load(ctx)
		switch {
		case errors.Is(err, models.ErrUnsupportedSchema):
			c.logger.Error().Err(err).Msg("persisted queue written by a newer version, starting empty")
		case err != nil:
			c.logger.Error().Err(err).Msg("failed to restore queue, starting empty")
		default:
			restored = actions
		}
	}

	for i := range restored {
		if restored[i].RetryCount > c.retry.MaxRetries {
			restored[i].RetryCount = c.retry.MaxRetries
		}
	}

	c.mu.Lock()
	c.queue = append(restored, c.queue...)
	depth := len(c.queue)
	c.mu.Unlock()
	metrics.SetQueueDepth(depth)
	c.logger.Info().Int("pending", depth).Msg("offline queue restored")

	// an online signal during the probe has already triggered its own drain
	if online, signaled := c.monitor.Start(ctx); online && !signaled && depth > 0 {
		c.triggerDrain()
	}
}

// Close unsubscribes from connectivity signals and waits for background drains.
// If ctx expires first, running deliveries are cancelled and their actions kept.
func (c *Coordinator) Close(ctx context.Context) error {
	c.monitor.Stop()

	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

// Wait blocks until every background drain started so far has finished.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	for c.active > 0 {
		c.idle.Wait()
	}
	c.mu.Unlock()
}

// Enqueue records an action locally and, when online, kicks off a background drain.
// It never fails: a persistence error is logged and the in-memory queue stays authoritative.
func (c *Coordinator) Enqueue(kind models.ActionKind, payload json.RawMessage) models.QueuedAction {
	action := models.NewQueuedAction(kind, payload, c.now())

	c.mu.Lock()
	c.queue = append(c.queue, action)
	persistErr := c.persistLocked()
	depth := c.depthLocked()
	c.mu.Unlock()

	c.reportPersist(persistErr, depth)
	metrics.SetQueueDepth(depth)
	c.logger.Debug().Str("action_id", action.ID).Str("kind", string(kind)).Int("pending", depth).Msg("action enqueued")
	c.publish(events.EventActionEnqueued, actionPayload(action, nil))

	if c.monitor.Online() {
		c.triggerDrain()
	}
	return action.Clone()
}

// QueueStatus returns a copy of the pending actions: the unprocessed part of a running
// drain followed by the live queue. It never touches the durable store.
func (c *Coordinator) QueueStatus() models.QueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	actions := make([]models.QueuedAction, 0, c.depthLocked())
	for _, a := range c.inflight {
		actions = append(actions, a.Clone())
	}
	for _, a := range c.queue {
		actions = append(actions, a.Clone())
	}
	return models.QueueStatus{
		PendingCount: len(actions),
		Actions:      actions,
		Syncing:      c.draining,
	}
}

// IsOnline returns the cached connectivity flag; it does not probe the network.
func (c *Coordinator) IsOnline() bool {
	return c.monitor.Online()
}

// SetOnline feeds a connectivity signal straight into the monitor.
func (c *Coordinator) SetOnline(online bool) {
	c.monitor.handle(online)
}

// Clear discards every pending action (logout). Actions already taken by a running drain
// are still attempted by that drain.
func (c *Coordinator) Clear(_ context.Context) {
	c.mu.Lock()
	dropped := len(c.queue)
	c.queue = nil
	persistErr := c.persistLocked()
	depth := c.depthLocked()
	c.mu.Unlock()

	c.reportPersist(persistErr, depth)
	metrics.SetQueueDepth(depth)
	c.logger.Info().Int("dropped", dropped).Msg("offline queue cleared")
}

// Drain delivers every action queued at the moment it starts, in order, one at a time.
// Actions enqueued meanwhile wait for the next drain.
func (c *Coordinator) Drain(ctx context.Context) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	if !c.monitor.Online() {
		return
	}

	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	snapshot := c.queue
	c.queue = nil
	c.inflight = append([]models.QueuedAction(nil), snapshot...)
	c.draining = true
	c.mu.Unlock()

	start := c.now()
	summary := events.DrainPayload{}

	for i, action := range snapshot {
		if ctx.Err() != nil {
			c.requeueRemainder(snapshot[i:])
			c.logger.Warn().Int("requeued", len(snapshot)-i).Msg("drain interrupted")
			break
		}

		err := c.deliver(ctx, action)
		if err != nil && ctx.Err() != nil {
			c.requeueRemainder(snapshot[i:])
			c.logger.Warn().Int("requeued", len(snapshot)-i).Msg("drain interrupted")
			break
		}
		summary.Attempted++

		outcome := c.settle(action, err)
		switch outcome {
		case models.DeliveryDelivered:
			summary.Delivered++
		case models.DeliveryRetried:
			summary.Retried++
		case models.DeliveryDropped:
			summary.Dropped++
		}
	}

	c.mu.Lock()
	c.inflight = nil
	c.draining = false
	persistErr := c.persistLocked()
	remaining := len(c.queue)
	maxRetry := 0
	for _, a := range c.queue {
		if a.RetryCount > maxRetry {
			maxRetry = a.RetryCount
		}
	}
	c.mu.Unlock()

	c.reportPersist(persistErr, remaining)
	summary.Remaining = remaining
	summary.Duration = c.now().Sub(start)
	metrics.SetQueueDepth(remaining)
	metrics.ObserveDrain(summary.Duration)
	c.logger.Info().
		Int("attempted", summary.Attempted).
		Int("delivered", summary.Delivered).
		Int("retried", summary.Retried).
		Int("dropped", summary.Dropped).
		Int("remaining", remaining).
		Dur("duration", summary.Duration).
		Msg("drain finished")
	c.publish(events.EventDrainCompleted, summary)

	if remaining > 0 && c.redrain && c.monitor.Online() {
		c.scheduleRedrain(c.retry.NextDelay(maxRetry))
	}
}

func (c *Coordinator) deliver(ctx context.Context, action models.QueuedAction) error {
	method, path, err := c.router.Resolve(action)
	if err != nil {
		return err
	}
	if c.deliverer == nil {
		return errors.New("no deliverer configured")
	}
	return c.deliverer.Send(ctx, method, path, action.Payload)
}

// settle applies one delivery outcome to the queue and persists it.
func (c *Coordinator) settle(action models.QueuedAction, deliveryErr error) string {
	outcome := models.DeliveryDelivered
	if deliveryErr != nil {
		if c.retry.Exhausted(action.RetryCount) {
			outcome = models.DeliveryDropped
		} else {
			outcome = models.DeliveryRetried
			action.RetryCount++
		}
	}

	c.mu.Lock()
	if len(c.inflight) > 0 {
		c.inflight = c.inflight[1:]
	}
	if outcome == models.DeliveryRetried {
		c.queue = append(c.queue, action)
	}
	persistErr := c.persistLocked()
	depth := c.depthLocked()
	c.mu.Unlock()

	c.reportPersist(persistErr, depth)

	metrics.ObserveDelivery(string(action.Kind), outcome)
	log := c.logger.With().Str("action_id", action.ID).Str("kind", string(action.Kind)).Int("retry_count", action.RetryCount).Logger()

	switch outcome {
	case models.DeliveryDelivered:
		log.Debug().Msg("action delivered")
		c.publish(events.EventActionDelivered, actionPayload(action, nil))
	case models.DeliveryRetried:
		log.Warn().Err(deliveryErr).Msg("delivery failed, will retry on next drain")
		c.publish(events.EventActionRetried, actionPayload(action, deliveryErr))
	case models.DeliveryDropped:
		log.Error().Err(deliveryErr).Msg("action dropped after retry cap")
		if c.notify {
			c.publish(events.EventActionDropped, actionPayload(action, deliveryErr))
		}
	}
	return outcome
}

// requeueRemainder puts unattempted actions back at the front, unchanged.
func (c *Coordinator) requeueRemainder(rest []models.QueuedAction) {
	c.mu.Lock()
	c.queue = append(append([]models.QueuedAction(nil), rest...), c.queue...)
	c.inflight = nil
	persistErr := c.persistLocked()
	depth := c.depthLocked()
	c.mu.Unlock()

	c.reportPersist(persistErr, depth)
}

func (c *Coordinator) triggerDrain() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.active++
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.active--
			if c.active == 0 {
				c.idle.Broadcast()
			}
			c.mu.Unlock()
		}()
		c.Drain(c.ctx)
	}()
}

func (c *Coordinator) scheduleRedrain(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.logger.Debug().Dur("delay", delay).Msg("re-drain scheduled")
	c.timer = time.AfterFunc(delay, c.triggerDrain)
}

// persistLocked writes the unprocessed drain remainder plus the live queue. Caller holds c.mu.
func (c *Coordinator) persistLocked() error {
	if c.store == nil {
		return nil
	}
	pending := make([]models.QueuedAction, 0, c.depthLocked())
	pending = append(pending, c.inflight...)
	pending = append(pending, c.queue...)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return c.store.Save(ctx, pending)
}

// reportPersist logs a failed save. In-memory state stays authoritative either way.
func (c *Coordinator) reportPersist(err error, pending int) {
	if err == nil {
		return
	}
	metrics.IncPersistError()
	c.logger.Error().Err(err).Int("pending", pending).Msg("failed to persist offline queue")
	c.publish(events.EventPersistenceFailed, map[string]string{"error": err.Error()})
}

func (c *Coordinator) depthLocked() int {
	return len(c.inflight) + len(c.queue)
}

func (c *Coordinator) publish(eventType string, payload interface{}) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishJSON(eventType, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", eventType).Msg("event handler failed")
	}
}

func actionPayload(a models.QueuedAction, err error) events.ActionEventPayload {
	p := events.ActionEventPayload{
		ActionID:   a.ID,
		Kind:       string(a.Kind),
		RetryCount: a.RetryCount,
		EnqueuedAt: a.EnqueuedAt,
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}
