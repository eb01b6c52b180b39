// Package amqpbus carries signaling over RabbitMQ: one fanout exchange per
// room, one exclusive auto-deleted queue per subscriber.
package amqpbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	exchangePrefix = "voicemesh.room."
	contentType    = "application/msgpack"
	redialDelay    = 500 * time.Millisecond
)

type Bus struct {
	conn *amqp.Connection
}

// Dial keeps trying uri until it connects or ctx is done.
func Dial(ctx context.Context, uri string) (*Bus, error) {
	for {
		conn, err := amqp.Dial(uri)
		if err == nil {
			return &Bus{conn: conn}, nil
		}
		log.Warn().Err(err).Str("module", "amqpbus").Msg("dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("amqp dial: %w", err)
		case <-time.After(redialDelay):
		}
	}
}

func (b *Bus) Close() error {
	return b.conn.Close()
}

var _ core.SignalBus = (*Bus)(nil)

func exchangeName(room domain.RoomID) string {
	return exchangePrefix + string(room)
}

func (b *Bus) Subscribe(_ context.Context, room domain.RoomID, self domain.ParticipantID) (core.Subscription, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	exchange := exchangeName(room)
	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		false,    // durable
		true,     // delete when unused
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	tag := string(self) + "." + uuid.NewString()
	msgs, err := ch.Consume(
		q.Name, // queue
		tag,    // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	s := &subscription{
		ch:       ch,
		exchange: exchange,
		tag:      tag,
		self:     self,
		out:      make(chan core.Envelope),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger: log.With().
			Str("module", "amqpbus").
			Str("room", string(room)).
			Str("self", string(self)).
			Logger(),
	}
	go s.consume(msgs)
	return s, nil
}

type subscription struct {
	ch       *amqp.Channel
	exchange string
	tag      string
	self     domain.ParticipantID
	logger   zerolog.Logger

	pubMu sync.Mutex
	out   chan core.Envelope
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) C() <-chan core.Envelope { return s.out }

func (s *subscription) consume(msgs <-chan amqp.Delivery) {
	defer close(s.done)
	defer close(s.out)
	for d := range msgs {
		env, err := decode(d.Body)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping message")
			continue
		}
		if d.AppId != "" && d.AppId != string(env.From) {
			s.logger.Warn().Str("app_id", d.AppId).Str("from", string(env.From)).Msg("sender mismatch")
			continue
		}
		if !addressed(s.self, env) {
			continue
		}
		select {
		case s.out <- env:
		case <-s.stop:
			return
		}
	}
}

// addressed reports whether self should see env on a fanout exchange, where
// every subscriber receives every message including its own.
func addressed(self domain.ParticipantID, env core.Envelope) bool {
	if env.From == self {
		return false
	}
	return env.To == "" || env.To == self
}

func (s *subscription) Publish(ctx context.Context, env core.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.stop:
		return core.ErrSubscriptionClosed
	default:
	}
	env.From = s.self
	env.ID = uuid.NewString()
	body, err := encode(env)
	if err != nil {
		return err
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	err = s.ch.Publish(
		s.exchange, // exchange
		"",         // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: contentType,
			MessageId:   env.ID,
			AppId:       string(s.self),
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Close is idempotent.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		if cerr := s.ch.Cancel(s.tag, false); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("cancel consumer")
		}
		err = s.ch.Close()
		<-s.done
	})
	return err
}

func encode(env core.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	w, err := env.Wire()
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return body, nil
}

func decode(body []byte) (core.Envelope, error) {
	var w core.Wire
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return core.Envelope{}, fmt.Errorf("%w: %v", core.ErrMalformedEnvelope, err)
	}
	return w.Envelope()
}
