package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

const (
	amqpExchange   = "campaign_dispatch"
	amqpReadyQueue = "campaign_dispatch.ready"
	amqpReadyKey   = "ready"
)

// delayTiers are fixed-TTL queues that dead-letter into the ready queue. A
// message waits in the largest tier not exceeding its remaining delay and is
// re-routed on arrival until it is due. Per-queue TTLs avoid the head-of-line
// blocking of per-message expiration.
var delayTiers = []time.Duration{
	time.Second,
	10 * time.Second,
	time.Minute,
	10 * time.Minute,
	time.Hour,
}

func tierName(d time.Duration) string {
	return fmt.Sprintf("delay.%dms", d.Milliseconds())
}

// pickTier returns the routing key for a message that is due in remaining.
func pickTier(remaining time.Duration) string {
	if remaining <= 0 {
		return amqpReadyKey
	}
	chosen := delayTiers[0]
	for _, t := range delayTiers {
		if t <= remaining {
			chosen = t
		}
	}
	return tierName(chosen)
}

type amqpEnvelope struct {
	Job   model.DispatchJob `json:"job"`
	DueAt time.Time         `json:"due_at"`
}

// AMQPQueue implements JobQueue on RabbitMQ. The broker cannot pause or delete
// by campaign, so paused campaigns are parked by re-routing through a delay
// tier and purged campaigns are dropped when consumed. Both sets are local to
// this process; workers in other processes rely on the campaign status check.
type AMQPQueue struct {
	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	conCh      *amqp.Channel
	deliveries <-chan amqp.Delivery

	stateMu sync.RWMutex
	paused  map[int]bool
	purged  map[int]bool

	ParkDelay time.Duration
	log       *zap.Logger
}

func NewAMQPQueue(url string, prefetch int, parkDelay time.Duration, log *zap.Logger) (*AMQPQueue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	if parkDelay <= 0 {
		parkDelay = 5 * time.Second
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, appErrors.NewQueueUnavailable("amqp", err)
	}
	q := &AMQPQueue{
		conn:      conn,
		paused:    make(map[int]bool),
		purged:    make(map[int]bool),
		ParkDelay: parkDelay,
		log:       log,
	}
	if err := q.setup(prefetch); err != nil {
		conn.Close()
		return nil, err
	}

	go func() {
		if cerr := <-conn.NotifyClose(make(chan *amqp.Error, 1)); cerr != nil {
			log.Error("RabbitMQ connection closed", zap.Error(cerr))
		}
	}()
	return q, nil
}

func (q *AMQPQueue) setup(prefetch int) error {
	pubCh, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	q.pubCh = pubCh

	if err := pubCh.ExchangeDeclare(amqpExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := pubCh.QueueDeclare(amqpReadyQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare ready queue: %w", err)
	}
	if err := pubCh.QueueBind(amqpReadyQueue, amqpReadyKey, amqpExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind ready queue: %w", err)
	}
	for _, tier := range delayTiers {
		name := amqpExchange + "." + tierName(tier)
		args := amqp.Table{
			"x-message-ttl":             tier.Milliseconds(),
			"x-dead-letter-exchange":    amqpExchange,
			"x-dead-letter-routing-key": amqpReadyKey,
		}
		if _, err := pubCh.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare delay queue %s: %w", name, err)
		}
		if err := pubCh.QueueBind(name, tierName(tier), amqpExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind delay queue %s: %w", name, err)
		}
	}

	conCh, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	if err := conCh.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := conCh.Consume(amqpReadyQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	q.conCh = conCh
	q.deliveries = deliveries
	return nil
}

func (q *AMQPQueue) publish(env amqpEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", env.Job.ID, err)
	}
	key := pickTier(time.Until(env.DueAt))

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err = q.pubCh.Publish(amqpExchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Job.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return appErrors.NewQueueUnavailable("amqp", err)
	}
	return nil
}

// Enqueue publishes the job; duplicate ids are tolerated and deduped by the
// worker's recipient status check.
func (q *AMQPQueue) Enqueue(ctx context.Context, job model.DispatchJob, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return q.publish(amqpEnvelope{Job: job, DueAt: time.Now().Add(delay)})
}

func (q *AMQPQueue) Reserve(ctx context.Context) (*Reservation, error) {
	for {
		var d amqp.Delivery
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-q.deliveries:
			if !ok {
				return nil, appErrors.NewQueueUnavailable("amqp", fmt.Errorf("delivery channel closed"))
			}
			d = msg
		}

		var env amqpEnvelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			q.log.Error("dropping undecodable message", zap.Error(err))
			d.Ack(false)
			continue
		}

		q.stateMu.RLock()
		purged := q.purged[env.Job.CampaignID]
		paused := q.paused[env.Job.CampaignID]
		q.stateMu.RUnlock()

		switch {
		case purged:
			d.Ack(false)
			continue
		case paused:
			env.DueAt = time.Now().Add(q.ParkDelay)
			if err := q.rerouteThenAck(env, d); err != nil {
				return nil, err
			}
			continue
		case time.Now().Before(env.DueAt):
			if err := q.rerouteThenAck(env, d); err != nil {
				return nil, err
			}
			continue
		}
		return &Reservation{Job: env.Job, ReservedAt: time.Now(), token: d}, nil
	}
}

func (q *AMQPQueue) rerouteThenAck(env amqpEnvelope, d amqp.Delivery) error {
	if err := q.publish(env); err != nil {
		d.Nack(false, true)
		return err
	}
	return d.Ack(false)
}

func (q *AMQPQueue) Ack(ctx context.Context, r *Reservation) error {
	d, ok := r.token.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("%w: reservation %s has no delivery", appErrors.ErrInvariant, r.Job.ID)
	}
	if err := d.Ack(false); err != nil {
		return appErrors.NewQueueUnavailable("amqp", err)
	}
	return nil
}

func (q *AMQPQueue) Release(ctx context.Context, r *Reservation, delay time.Duration) error {
	d, ok := r.token.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("%w: reservation %s has no delivery", appErrors.ErrInvariant, r.Job.ID)
	}
	return q.rerouteThenAck(amqpEnvelope{Job: r.Job, DueAt: time.Now().Add(delay)}, d)
}

func (q *AMQPQueue) PauseCampaign(ctx context.Context, campaignID int) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	q.paused[campaignID] = true
	return nil
}

func (q *AMQPQueue) ResumeCampaign(ctx context.Context, campaignID int) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	delete(q.paused, campaignID)
	return nil
}

func (q *AMQPQueue) PurgeCampaign(ctx context.Context, campaignID int) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	q.purged[campaignID] = true
	delete(q.paused, campaignID)
	return nil
}

func (q *AMQPQueue) Close() error {
	if q.conCh != nil {
		q.conCh.Close()
	}
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	return q.conn.Close()
}

var _ JobQueue = (*AMQPQueue)(nil)
