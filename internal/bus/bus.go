// Package bus provides the RabbitMQ transport between the controller
// and the workers. Scan jobs travel over a shared durable queue with
// manual acknowledgement; completion notifications travel over
// short-lived per-bulk-scan queues that expire once nobody listens.
package bus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/metrics"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// Config holds the bus connection settings.
type Config struct {
	URL             string
	JobQueue        string
	DoneQueuePrefix string
	DoneQueueTTL    time.Duration
	ConnectTimeout  time.Duration
}

// Bus is one connection to the message broker. Publishing goes through
// a dedicated channel guarded by a mutex; each consumer gets a channel
// of its own.
type Bus struct {
	conn   *amqp.Connection
	config Config

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// Connect dials the broker and opens the publish channel. A connection
// failure here is fatal for the process; the returned error carries the
// BUS_CONNECTION code.
func Connect(cfg Config) (*Bus, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Dial:      amqp.DefaultDial(timeout),
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return nil, errors.ErrBusConnection(err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logging.ErrorBus("failed to close connection after channel failure", closeErr)
		}
		return nil, errors.ErrBusConnection(err)
	}

	logging.InfoBus("connected to message bus", "job_queue", cfg.JobQueue)
	return &Bus{conn: conn, config: cfg, pubCh: pubCh}, nil
}

// Close closes the connection and all channels derived from it.
func (b *Bus) Close() error {
	return b.conn.Close()
}

// DeclareJobQueue declares the shared scan job queue. The queue is
// durable and survives broker restarts; jobs in flight are redelivered
// when a worker dies without acknowledging.
func (b *Bus) DeclareJobQueue() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	_, err := b.pubCh.QueueDeclare(
		b.config.JobQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.WrapBusError(errors.CodeBusConnection, "failed to declare job queue", err).
			WithQueue(b.config.JobQueue)
	}
	return nil
}

// PublishJob publishes one scan job to the shared job queue with
// persistent delivery.
func (b *Bus) PublishJob(ctx context.Context, job *scan.ScanJobDescription) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.WrapBusError(errors.CodeSerialization, "failed to serialize scan job", err).
			WithQueue(b.config.JobQueue)
	}
	if err := b.publish(ctx, b.config.JobQueue, body, true); err != nil {
		metrics.Global().IncrementBusErrors(b.config.JobQueue, "publish")
		return err
	}
	metrics.Global().IncrementBusPublished(b.config.JobQueue)
	return nil
}

func (b *Bus) publish(ctx context.Context, queue string, body []byte, persistent bool) error {
	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := b.pubCh.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: deliveryMode,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return errors.WrapBusError(errors.CodeBusPublish, "failed to publish message", err).
			WithQueue(queue)
	}
	return nil
}

// JobConsumer is one worker's subscription to the shared job queue. It
// owns the channel the deliveries arrive on; acknowledgements must go
// through the same channel, so they live here too.
type JobConsumer struct {
	ch    *amqp.Channel
	queue string
	jobs  chan *scan.ScanJobDescription
}

// ConsumeJobs opens a consumer on the shared job queue with the given
// prefetch limit. Payloads that fail to deserialize are rejected
// without requeue and logged; they never reach the jobs channel.
func (b *Bus) ConsumeJobs(ctx context.Context, prefetch int) (*JobConsumer, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.WrapBusError(errors.CodeBusConsume, "failed to open consumer channel", err).
			WithQueue(b.config.JobQueue)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, errors.WrapBusError(errors.CodeBusConsume, "failed to set prefetch", err).
			WithQueue(b.config.JobQueue)
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		b.config.JobQueue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, errors.WrapBusError(errors.CodeBusConsume, "failed to start consuming", err).
			WithQueue(b.config.JobQueue)
	}

	consumer := &JobConsumer{
		ch:    ch,
		queue: b.config.JobQueue,
		jobs:  make(chan *scan.ScanJobDescription),
	}
	go consumer.decodeLoop(ctx, deliveries)
	return consumer, nil
}

func (c *JobConsumer) decodeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.jobs)
	for delivery := range deliveries {
		var job scan.ScanJobDescription
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			logging.ErrorBus("rejecting undecodable scan job", err,
				"queue", c.queue, "delivery_tag", delivery.DeliveryTag)
			metrics.Global().IncrementBusErrors(c.queue, "decode")
			if nackErr := delivery.Nack(false, false); nackErr != nil {
				logging.ErrorBus("failed to reject message", nackErr, "queue", c.queue)
			}
			continue
		}
		job.SetDeliveryTag(delivery.DeliveryTag)
		metrics.Global().IncrementBusConsumed(c.queue)

		select {
		case c.jobs <- &job:
		case <-ctx.Done():
			return
		}
	}
}

// Jobs returns the channel of decoded jobs. It closes when the consumer
// channel closes.
func (c *JobConsumer) Jobs() <-chan *scan.ScanJobDescription {
	return c.jobs
}

// Ack acknowledges one job on the consumer's own channel.
func (c *JobConsumer) Ack(job *scan.ScanJobDescription) error {
	if err := c.ch.Ack(job.DeliveryTag(), false); err != nil {
		return errors.WrapBusError(errors.CodeBusConsume, "failed to acknowledge job", err).
			WithQueue(c.queue)
	}
	return nil
}

// Close closes the consumer channel.
func (c *JobConsumer) Close() error {
	return c.ch.Close()
}

// DoneQueueName derives the completion queue name for one bulk scan.
func (b *Bus) DoneQueueName(bulkScanID int64) string {
	return b.config.DoneQueuePrefix + strconv.FormatInt(bulkScanID, 10)
}

// declareDoneQueue declares a bulk scan's completion queue on the given
// channel. The queue is transient and expires after sitting unused for
// the configured TTL, so abandoned bulk scans clean up after themselves.
func (b *Bus) declareDoneQueue(ch *amqp.Channel, bulkScanID int64) (string, error) {
	name := b.DoneQueueName(bulkScanID)
	_, err := ch.QueueDeclare(
		name,
		false, // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-expires": b.config.DoneQueueTTL.Milliseconds()},
	)
	if err != nil {
		return "", errors.WrapBusError(errors.CodeBusConnection, "failed to declare done queue", err).
			WithQueue(name)
	}
	return name, nil
}

// DeclareDoneQueue declares a bulk scan's completion queue using the
// publish channel. The monitor calls this before any job is published
// so no completion event can be lost.
func (b *Bus) DeclareDoneQueue(bulkScanID int64) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	_, err := b.declareDoneQueue(b.pubCh, bulkScanID)
	return err
}

// jobAcker acknowledges a finished job on its consuming channel.
type jobAcker interface {
	Ack(job *scan.ScanJobDescription) error
}

// doneEventSink publishes one completion event.
type doneEventSink interface {
	publishDone(ctx context.Context, job *scan.ScanJobDescription) error
}

// NotifyOfDone completes one job: the job is acknowledged first, then,
// for monitored bulk scans, the finished job is published to the bulk
// scan's completion queue. An acknowledged job whose notification fails
// is lost to the monitor but never re-executed; the reverse order could
// double-count a job.
func (b *Bus) NotifyOfDone(ctx context.Context, consumer *JobConsumer, job *scan.ScanJobDescription) error {
	return completeJob(ctx, consumer, b, job)
}

// completeJob runs both completion steps even when the first fails: the
// ack travels over the consumer channel and the done event over the
// publish channel, so a broken consumer channel does not doom the
// publish.
func completeJob(ctx context.Context, acker jobAcker, sink doneEventSink, job *scan.ScanJobDescription) error {
	ackErr := acker.Ack(job)
	if ackErr != nil {
		logging.ErrorBus("failed to acknowledge job, still publishing done event", ackErr)
	}
	if !job.BulkScanInfo.Monitored {
		return ackErr
	}
	if err := sink.publishDone(ctx, job); err != nil {
		return stderrors.Join(ackErr, err)
	}
	return ackErr
}

func (b *Bus) publishDone(ctx context.Context, job *scan.ScanJobDescription) error {
	name := b.DoneQueueName(job.BulkScanInfo.BulkScanID)
	body, err := json.Marshal(job)
	if err != nil {
		return errors.WrapBusError(errors.CodeSerialization, "failed to serialize done notification", err).
			WithQueue(name)
	}
	if err := b.publish(ctx, name, body, false); err != nil {
		metrics.Global().IncrementBusErrors(name, "publish")
		return err
	}
	metrics.Global().IncrementBusPublished(name)
	return nil
}

// ConsumeDone subscribes to a bulk scan's completion queue. Events are
// auto-acknowledged; an undecodable event is logged and skipped. The
// returned channel closes when the queue is deleted or the context
// ends.
func (b *Bus) ConsumeDone(ctx context.Context, bulkScanID int64) (<-chan *scan.ScanJobDescription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.WrapBusError(errors.CodeBusConsume, "failed to open consumer channel", err)
	}
	name, err := b.declareDoneQueue(ch, bulkScanID)
	if err != nil {
		return nil, err
	}

	deliveries, err := ch.ConsumeWithContext(ctx,
		name,
		"",    // consumer tag
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, errors.WrapBusError(errors.CodeBusConsume, "failed to start consuming", err).
			WithQueue(name)
	}

	events := make(chan *scan.ScanJobDescription)
	go func() {
		defer close(events)
		defer func() {
			if err := ch.Close(); err != nil {
				logging.ErrorBus("failed to close done consumer channel", err, "queue", name)
			}
		}()
		for delivery := range deliveries {
			var job scan.ScanJobDescription
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				logging.ErrorBus("skipping undecodable done notification", err, "queue", name)
				continue
			}
			metrics.Global().IncrementBusConsumed(name)
			select {
			case events <- &job:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// String describes the bus for logging.
func (b *Bus) String() string {
	return fmt.Sprintf("bus(job_queue=%s)", b.config.JobQueue)
}
