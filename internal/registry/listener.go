// Package registry implements C8, the Address Registry Listener: a
// consumer on a chain-scoped AMQP fanout exchange that keeps a
// policy.WatchedSet in sync across every chain core sharing the same
// address registry.
//
// It mirrors datasync/chaindatafetcher/event/kafka/kafka.go's KafkaBroker:
// a single long-lived connection, a consumer identified by a
// go-uuid-suffixed client ID, and a Start/Stop pair around a consume loop
// that passes every message to one handler (handle) — retargeted from Sarama/Kafka consumer groups onto
// github.com/rabbitmq/amqp091-go's fanout-exchange model.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/policy"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// addressUpdate is the minimum wire shape required; extra fields are
// ignored by json.Unmarshal's default behavior.
type addressUpdate struct {
	Address string `json:"address"`
	Remove  bool   `json:"remove"`
}

// Listener is C8.
type Listener struct {
	url          string
	exchangeName string
	set          *policy.WatchedSet
	log          *klog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	processed int64
	dropped   int64
}

// Options configures a Listener.
type Options struct {
	URL       string // amqp:// connection string
	ChainName string // exchange is wallet_updates_<ChainName>
}

func New(set *policy.WatchedSet, opts Options) *Listener {
	return &Listener{
		url:          opts.URL,
		exchangeName: fmt.Sprintf("wallet_updates_%s", opts.ChainName),
		set:          set,
		log:          klog.New(klog.ModuleRegistry),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the reconnect-and-consume loop in its own goroutine. It
// returns immediately; callers wait for shutdown with Stop.
func (l *Listener) Start() {
	go l.run()
}

// Stop signals the consume loop to exit and blocks until it has.
func (l *Listener) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Listener) run() {
	defer close(l.doneCh)
	backoff := minBackoff
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		if err := l.connectAndConsume(); err != nil {
			l.log.Warn("amqp connection lost, reconnecting", "exchange", l.exchangeName, "backoff", backoff, "err", err)
			select {
			case <-l.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff // clean shutdown or the channel closed gracefully
	}
}

// connectAndConsume dials, declares the fanout exchange, binds an
// auto-delete anonymous queue, and consumes until the channel closes or
// Stop is called. A consumer tag is derived the same way KafkaBroker
// derives its Sarama ClientID: "<exchange>-<uuid>".
func (l *Listener) connectAndConsume() error {
	conn, err := amqp.Dial(l.url)
	if err != nil {
		return fmt.Errorf("registry: dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("registry: channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(l.exchangeName, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("registry: declare exchange %s: %w", l.exchangeName, err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("registry: declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", l.exchangeName, false, nil); err != nil {
		return fmt.Errorf("registry: bind queue: %w", err)
	}

	tagSuffix, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Errorf("registry: generate consumer tag: %w", err)
	}
	consumerTag := fmt.Sprintf("%s-%s", l.exchangeName, tagSuffix)

	// auto-ack: an invalid message is ack-and-dropped rather than requeued,
	// since it will never become parseable on redelivery.
	deliveries, err := ch.Consume(q.Name, consumerTag, true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("registry: consume: %w", err)
	}

	l.log.Info("registry listener consuming", "exchange", l.exchangeName, "queue", q.Name, "consumer_tag", consumerTag)

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-l.stopCh:
			return nil
		case amqpErr := <-closeCh:
			if amqpErr != nil {
				return amqpErr
			}
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("registry: delivery channel closed")
			}
			l.handle(msg.Body)
		}
	}
}

func (l *Listener) handle(body []byte) {
	var update addressUpdate
	if err := json.Unmarshal(body, &update); err != nil || update.Address == "" {
		l.dropped++
		l.log.Warn("dropping malformed address update", "body", string(body), "err", err)
		return
	}

	if update.Remove {
		l.set.Remove(update.Address)
	} else {
		l.set.Add(update.Address)
	}
	l.processed++
}

// Stats returns processed/dropped message counts, exposed to C10.
type Stats struct {
	Processed int64
	Dropped   int64
}

func (l *Listener) StatsSnapshot() Stats {
	return Stats{Processed: l.processed, Dropped: l.dropped}
}
