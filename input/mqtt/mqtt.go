// Package mqtt reads the device channel from an MQTT topic. A field bridge
// publishes the board's raw output, one or more lines per message; payloads
// are concatenated in arrival order into the byte stream the decoder reads.
package mqtt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/sensorledger/errors"
)

// DefaultBufferSize is the number of messages held for a slow reader.
const DefaultBufferSize = 256

// Config describes the broker subscription.
type Config struct {
	Broker         string        `mapstructure:"broker"`
	Topic          string        `mapstructure:"topic"`
	ClientID       string        `mapstructure:"client_id"`
	QoS            byte          `mapstructure:"qos"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`

	// Delimiter is appended to payloads that do not already end with it.
	Delimiter byte `mapstructure:"-"`
}

// DefaultConfig returns QoS 1, a 10s connect timeout and newline framing.
func DefaultConfig() Config {
	return Config{
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
		BufferSize:     DefaultBufferSize,
		Delimiter:      '\n',
	}
}

// Validate checks the subscription settings.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt.Config", "Validate", "broker")
	}
	if c.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt.Config", "Validate", "topic")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("%w: qos %d", errors.ErrInvalidConfig, c.QoS),
			"mqtt.Config", "Validate", "qos")
	}
	return nil
}

// Source subscribes to the topic on every Open call with a fresh client.
type Source struct {
	cfg       Config
	logger    *slog.Logger
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewSource validates cfg and returns a Source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.Delimiter == 0 {
		cfg.Delimiter = defaults.Delimiter
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sensorledger-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}
	if logger == nil {
		logger = slog.Default().With("component", "mqtt-source")
	}
	return &Source{cfg: cfg, logger: logger, newClient: pahomqtt.NewClient}, nil
}

func (s *Source) String() string {
	return s.cfg.Broker + "/" + s.cfg.Topic
}

// Open connects, subscribes and returns the message stream. Reconnects are
// left to the caller, so the paho client never retries on its own.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	st := &stream{
		msgs:   make(chan []byte, s.cfg.BufferSize),
		done:   make(chan struct{}),
		topic:  s.cfg.Topic,
		delim:  s.cfg.Delimiter,
		logger: s.logger,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			st.fail(fmt.Errorf("%w: %w", errors.ErrDeviceClosed, err))
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username).SetPassword(s.cfg.Password)
	}

	client := s.newClient(opts)
	if err := wait(ctx, client.Connect(), s.cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, errors.WrapTransient(err, "mqtt.Source", "Open", "connect "+s.cfg.Broker)
	}
	st.client = client

	if err := wait(ctx, client.Subscribe(s.cfg.Topic, s.cfg.QoS, st.handle), s.cfg.ConnectTimeout); err != nil {
		client.Disconnect(250)
		return nil, errors.WrapTransient(err, "mqtt.Source", "Open", "subscribe "+s.cfg.Topic)
	}

	s.logger.Debug("Subscribed to device topic", "broker", s.cfg.Broker, "topic", s.cfg.Topic, "qos", s.cfg.QoS)
	return st, nil
}

func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: no broker response after %s", errors.ErrTimeout, timeout)
	}
}

// stream buffers payloads between the paho router and the decoder. The
// message handler never blocks; when the buffer is full the newest payload
// is dropped and counted.
type stream struct {
	client pahomqtt.Client
	topic  string
	delim  byte
	logger *slog.Logger

	msgs    chan []byte
	done    chan struct{}
	pending []byte
	dropped atomic.Int64

	mu        sync.Mutex
	err       error
	doneOnce  sync.Once
	closeOnce sync.Once
}

func (s *stream) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	payload := msg.Payload()
	if len(payload) == 0 {
		return
	}
	if payload[len(payload)-1] != s.delim {
		payload = append(append([]byte(nil), payload...), s.delim)
	}

	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.msgs <- payload:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("Device buffer full, dropping messages", "topic", s.topic)
		}
	}
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Read drains buffered payloads before reporting the terminal error.
func (s *stream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		select {
		case m := <-s.msgs:
			s.pending = m
		case <-s.done:
			select {
			case m := <-s.msgs:
				s.pending = m
				continue
			default:
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			return 0, s.err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close unsubscribes and disconnects.
func (s *stream) Close() error {
	s.fail(io.EOF)
	s.closeOnce.Do(func() {
		if s.client == nil {
			return
		}
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
		s.client.Disconnect(250)
	})
	return nil
}

// Dropped returns how many payloads were discarded because the reader lagged.
func (s *stream) Dropped() int64 {
	return s.dropped.Load()
}
