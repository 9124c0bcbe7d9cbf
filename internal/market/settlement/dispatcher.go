// Package settlement executes committed trades: it notifies both matched
// parties over their registered webhooks and records each side's completion
// or failure independently.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/clustermesh/capmarket/pkg/metrics"
	"github.com/clustermesh/capmarket/pkg/models"
)

// TaskSink records terminal task transitions. The market store satisfies it.
type TaskSink interface {
	CompleteTask(ctx context.Context, id uuid.UUID, side models.Direction) error
	FailTask(ctx context.Context, id uuid.UUID, side models.Direction) error
}

// Settlement is one committed trade handed to the dispatcher, with both
// sides' callback endpoints captured at commit time.
type Settlement struct {
	Spec        models.TransactionSpec
	PubEndpoint string
	SubEndpoint string
}

// Options bound the webhook calls. Zero values get sane defaults.
type Options struct {
	CallTimeout time.Duration
	MaxAttempts int
	RetryMin    time.Duration
	RetryMax    time.Duration
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryMin <= 0 {
		o.RetryMin = 250 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
	return o
}

// Dispatcher settles committed trades asynchronously. The two sides of a
// trade are causally independent: one side's callback failure never rolls
// back the committed template or the other side's outcome.
type Dispatcher struct {
	client *http.Client
	tasks  TaskSink
	broker *Broker
	kafka  *KafkaPublisher
	logger *zap.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. broker and kafka may be nil.
func NewDispatcher(tasks TaskSink, broker *Broker, kafka *KafkaPublisher, logger *zap.Logger, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client: &http.Client{Timeout: opts.CallTimeout},
		tasks:  tasks,
		broker: broker,
		kafka:  kafka,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatch submits one committed trade for settlement and returns
// immediately. Each side is settled as an independent concurrent task;
// neither blocks the other.
func (d *Dispatcher) Dispatch(settlement Settlement) {
	d.publish(Event{
		TransactionID: settlement.Spec.ID,
		ProductID:     settlement.Spec.ProductID,
		Template:      settlement.Spec.Template,
		Timestamp:     settlement.Spec.Timestamp,
	})

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.settle(settlement, models.DirectionPub, settlement.PubEndpoint)
	}()
	go func() {
		defer d.wg.Done()
		d.settle(settlement, models.DirectionSub, settlement.SubEndpoint)
	}()
}

// Wait blocks until every dispatched settlement has reached a terminal state.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close drains in-flight settlements until ctx expires, then aborts the rest.
func (d *Dispatcher) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.cancel()
	d.client.CloseIdleConnections()
}

// settle calls one side's webhook with bounded retries and records the
// terminal state. Every outcome is logged and published; nothing is dropped
// silently.
func (d *Dispatcher) settle(settlement Settlement, side models.Direction, endpoint string) {
	spec := settlement.Spec

	err := d.call(spec, side, endpoint)
	if err == nil {
		if err := d.tasks.CompleteTask(d.ctx, spec.ID, side); err != nil {
			d.logger.Error("failed to record task completion",
				zap.String("transaction_id", spec.ID.String()),
				zap.String("side", string(side)),
				zap.Error(err))
			return
		}
		metrics.SettlementOutcomes.WithLabelValues(string(side), string(models.TaskCompleted)).Inc()
		d.logger.Info("settled transaction side",
			zap.String("transaction_id", spec.ID.String()),
			zap.String("side", string(side)))
		d.publish(Event{
			TransactionID: spec.ID,
			ProductID:     spec.ProductID,
			Template:      spec.Template,
			Side:          side,
			State:         models.TaskCompleted,
			Timestamp:     time.Now().UTC(),
		})
		return
	}

	failure := models.ErrFunctionFailedSub
	if side == models.DirectionPub {
		failure = models.ErrFunctionFailedPub
	}
	err = fmt.Errorf("%w: %w", failure, err)

	if recErr := d.tasks.FailTask(d.ctx, spec.ID, side); recErr != nil {
		d.logger.Error("failed to record task failure",
			zap.String("transaction_id", spec.ID.String()),
			zap.String("side", string(side)),
			zap.Error(recErr))
	}
	metrics.SettlementOutcomes.WithLabelValues(string(side), string(models.TaskFailed)).Inc()
	d.logger.Error("transaction side failed",
		zap.String("transaction_id", spec.ID.String()),
		zap.String("side", string(side)),
		zap.Error(err))
	d.publish(Event{
		TransactionID: spec.ID,
		ProductID:     spec.ProductID,
		Template:      spec.Template,
		Side:          side,
		State:         models.TaskFailed,
		Error:         err.Error(),
		Timestamp:     time.Now().UTC(),
	})
}

// call POSTs the receipt to the endpoint, retrying transient failures with
// exponential backoff up to MaxAttempts. An empty endpoint acknowledges
// immediately: the side registered no callback.
func (d *Dispatcher) call(spec models.TransactionSpec, side models.Direction, endpoint string) error {
	if endpoint == "" {
		return nil
	}

	receipt := models.TransactionReceipt{
		ID:       spec.ID,
		Template: spec.Template,
		Outcome:  "committed",
	}
	body, err := json.Marshal(receipt)
	if err != nil {
		return err
	}

	retry := &backoff.Backoff{
		Min:    d.opts.RetryMin,
		Max:    d.opts.RetryMax,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		lastErr = d.post(endpoint, spec.ID, side, body)
		if lastErr == nil {
			return nil
		}
		d.logger.Warn("webhook call failed",
			zap.String("transaction_id", spec.ID.String()),
			zap.String("side", string(side)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt == d.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(retry.Duration()):
		case <-d.ctx.Done():
			return d.ctx.Err()
		}
	}
	return lastErr
}

func (d *Dispatcher) post(endpoint string, id uuid.UUID, side models.Direction, body []byte) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// Receivers deduplicate retried deliveries on this key.
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%s", id, side))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var result models.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode webhook response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("webhook rejected receipt: %s", result.Error)
	}
	return nil
}

func (d *Dispatcher) publish(event Event) {
	if d.broker != nil {
		d.broker.Publish(event)
	}
	if d.kafka != nil {
		d.kafka.Publish(d.ctx, event)
	}
}
