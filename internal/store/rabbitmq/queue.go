package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/jobflow/internal/logger"
	"github.com/suPer8Hu/jobflow/internal/queue"
)

const attemptsHeader = "x-attempts"

type Options struct {
	URL         string
	Queue       string
	Prefetch    int
	MaxAttempts int
	Backoff     time.Duration
	Logger      *logger.Logger
}

// Queue publishes to <queue>, retries through <queue>.retry (per-message TTL, dead-lettered
// back to main) and parks exhausted messages in <queue>.dlq.
type Queue struct {
	conn *amqp.Connection
	opts Options
	log  *logger.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	consumeMu  sync.Mutex
	consumeCh  *amqp.Channel
	deliveries <-chan amqp.Delivery

	active atomic.Int64
}

func Dial(opts Options) (*Queue, error) {
	if opts.Queue == "" {
		opts.Queue = "jobs"
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := declareTopology(ch, opts.Queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	return &Queue{
		conn:  conn,
		opts:  opts,
		log:   opts.Logger.With("component", "rabbitmq", "queue", opts.Queue),
		pubCh: ch,
	}, nil
}

func retryQueue(q string) string { return q + ".retry" }
func dlqQueue(q string) string   { return q + ".dlq" }

func declareTopology(ch *amqp.Channel, mainQ string) error {
	// DLQ
	if _, err := ch.QueueDeclare(dlqQueue(mainQ), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlqQueue(mainQ), err)
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(retryQueue(mainQ), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQ,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", retryQueue(mainQ), err)
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := ch.QueueDeclare(mainQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQueue(mainQ),
	}); err != nil {
		return fmt.Errorf("declare %s: %w", mainQ, err)
	}
	return nil
}

// Enqueue always reports true: RabbitMQ cannot look a message up by id. Duplicates are
// absorbed downstream, the job store rejects a second record and the worker acks a
// redelivered finished job without running it.
func (q *Queue) Enqueue(ctx context.Context, e queue.Entry) (bool, error) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	if err := q.publish(ctx, q.opts.Queue, newPublishing(e.JobID, body, nil)); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", e.JobID, err)
	}
	return true, nil
}

func newPublishing(jobID string, body []byte, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Headers:      headers,
		Body:         body,
		Timestamp:    time.Now(),
	}
}

func (q *Queue) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dc, err := q.pubCh.PublishWithDeferredConfirmWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		msg,
	)
	if err != nil {
		return err
	}
	if dc == nil {
		return errors.New("publish channel not in confirm mode")
	}
	return awaitConfirm(cctx, dc)
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm waits for the broker's ack of one publish. Each publish has its own
// confirmation, so a late ack can never be read as the answer to a later publish.
func awaitConfirm(ctx context.Context, dc confirmation) error {
	ack, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish confirmation: %w", err)
	}
	if !ack {
		return errors.New("broker nacked publish")
	}
	return nil
}

func (q *Queue) consume() (<-chan amqp.Delivery, error) {
	q.consumeMu.Lock()
	defer q.consumeMu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	// strict concurrency control
	if err := ch.Qos(q.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(q.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.consumeCh = ch
	q.deliveries = msgs
	return msgs, nil
}

func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	msgs, err := q.consume()
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil, queue.ErrClosed
			}
			e, err := decodeEntry(d.Body)
			if err != nil {
				q.log.Warn("bad message", "messageId", d.MessageId, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			q.active.Add(1)
			return &delivery{q: q, d: d, entry: e}, nil
		}
	}
}

func decodeEntry(body []byte) (queue.Entry, error) {
	var e queue.Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return queue.Entry{}, err
	}
	if e.JobID == "" {
		return queue.Entry{}, errors.New("missing jobId")
	}
	return e, nil
}

// attempts reads the retry counter this driver stamps on republished messages.
func attempts(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func (q *Queue) depth(name string) (int64, error) {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	st, err := q.pubCh.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", name, err)
	}
	return int64(st.Messages), nil
}

func (q *Queue) CountWaiting(ctx context.Context) (int64, error) {
	return q.depth(q.opts.Queue)
}

// CountActive only sees deliveries held by this process.
func (q *Queue) CountActive(ctx context.Context) (int64, error) {
	return q.active.Load(), nil
}

func (q *Queue) CountDelayed(ctx context.Context) (int64, error) {
	return q.depth(retryQueue(q.opts.Queue))
}

func (q *Queue) CountFailed(ctx context.Context) (int64, error) {
	return q.depth(dlqQueue(q.opts.Queue))
}

func (q *Queue) Close() error {
	q.consumeMu.Lock()
	if q.consumeCh != nil {
		_ = q.consumeCh.Close()
	}
	q.consumeMu.Unlock()
	if q.pubCh != nil {
		_ = q.pubCh.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

type delivery struct {
	q       *Queue
	d       amqp.Delivery
	entry   queue.Entry
	settled atomic.Bool
}

func (d *delivery) Entry() queue.Entry { return d.entry }

func (d *delivery) settle() bool {
	if d.settled.Swap(true) {
		return false
	}
	d.q.active.Add(-1)
	return true
}

func (d *delivery) Ack(ctx context.Context) error {
	if !d.settle() {
		return nil
	}
	return d.d.Ack(false)
}

// Fail republishes to the retry queue while attempts remain, otherwise dead-letters to the DLQ.
func (d *delivery) Fail(ctx context.Context, cause error) error {
	if !d.settle() {
		return nil
	}
	n := attempts(d.d.Headers) + 1
	if n >= d.q.opts.MaxAttempts {
		d.q.log.Warn("job exhausted attempts", "jobId", d.entry.JobID, "attempts", n, "error", cause)
		return d.d.Nack(false, false)
	}

	msg := newPublishing(d.entry.JobID, d.d.Body, amqp.Table{attemptsHeader: int32(n)})
	msg.Expiration = strconv.FormatInt(queue.Backoff(d.q.opts.Backoff, n).Milliseconds(), 10)
	if err := d.q.publish(ctx, retryQueue(d.q.opts.Queue), msg); err != nil {
		// fall back to the DLQ rather than lose the failure
		_ = d.d.Nack(false, false)
		return fmt.Errorf("schedule retry %s: %w", d.entry.JobID, err)
	}
	return d.d.Ack(false)
}
