package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultRetryInterval = 3 * time.Second
	defaultExchangeType  = amqp.ExchangeDirect
	defaultPrefetchCount = 1
	contentTypeJSON      = "application/json"
)

// Config holds RabbitMQ connection configuration and the named channels to declare
type Config struct {
	// Name identifies the client in logs (api, worker-chrome, ...)
	Name string

	// URL overrides Host/Port/User/Password/VHost when set
	URL               string
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
	RetryInterval     time.Duration
	ExchangeType      string
	PrefetchCount     int
	Channels          []ChannelConfig
}

// ChannelConfig maps a logical channel name to one exchange+queue+routing key triple
type ChannelConfig struct {
	Name         string
	QueueName    string
	ExchangeName string
	RoutingKey   string
}

// dsn builds the AMQP URL from the configuration
func (c *Config) dsn() string {
	if c.URL != "" {
		return c.URL
	}

	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}

	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		vhost,
	)
}

// State is the lifecycle state of a Client
type State int

const (
	StateConstructed State = iota
	StateConnected
	StateChannelReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateConnected:
		return "connected"
	case StateChannelReady:
		return "channel-ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client owns one broker connection and the set of named channels declared on it.
//
// A Client is created once per process and passed explicitly to the components
// that read or write messages. Connect, Reconnect and Close are serialized; Read and
// Write may be called from the single processing loop while health probes inspect
// the state concurrently.
type Client struct {
	config *Config
	logger *slog.Logger
	dial   Dialer

	connectMu sync.Mutex

	mu       sync.RWMutex
	conn     Connection
	channels map[string]Channel
	routes   map[string]ChannelConfig
	closed   bool
}

// Option customizes a Client
type Option func(*Client)

// WithDialer replaces the AMQP dialer, mainly for tests
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

// NewClient creates a new RabbitMQ client. It does not connect; call Connect.
func NewClient(config *Config, logger *slog.Logger, opts ...Option) *Client {
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}
	if config.ExchangeType == "" {
		config.ExchangeType = defaultExchangeType
	}
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = defaultPrefetchCount
	}
	if config.Name == "" {
		config.Name = "rabbitmq"
	}

	routes := make(map[string]ChannelConfig, len(config.Channels))
	for _, ch := range config.Channels {
		routes[ch.Name] = ch
	}

	client := &Client{
		config:   config,
		logger:   logger.With(slog.String("mq_client", config.Name)),
		dial:     dialAMQP,
		channels: make(map[string]Channel, len(config.Channels)),
		routes:   routes,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Connect returns the live connection, dialing it first if needed.
//
// Dialing retries at a fixed interval until it succeeds or ctx is done: nothing in
// the system works without the broker. After a connection is available every
// configured channel that is not open yet is declared. Channels that are already
// open are left untouched, so calling Connect twice returns the same handle without
// redeclaring topology. Failures of individual channels are collected and returned
// wrapped in ErrChannelSetupFailed; sibling channels are still declared.
func (c *Client) Connect(ctx context.Context) (Connection, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	conn := c.conn
	c.mu.RUnlock()

	if closed {
		return nil, ErrClientClosed
	}

	if conn == nil || conn.IsClosed() {
		var err error
		conn, err = c.dialWithRetry(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.conn = conn
		c.channels = make(map[string]Channel, len(c.config.Channels))
		c.mu.Unlock()
	}

	if err := c.declareChannels(conn); err != nil {
		return conn, err
	}

	return conn, nil
}

// Reconnect drops the current connection and channels and connects again
func (c *Client) Reconnect(ctx context.Context) (Connection, error) {
	c.logger.Warn("Reconnecting to RabbitMQ")

	c.mu.Lock()
	oldConn := c.conn
	oldChannels := c.channels
	c.conn = nil
	c.channels = make(map[string]Channel, len(c.config.Channels))
	c.mu.Unlock()

	for name, ch := range oldChannels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Debug("Failed to close stale channel",
				slog.String("channel", name),
				slog.Any("error", err),
			)
		}
	}
	if oldConn != nil && !oldConn.IsClosed() {
		_ = oldConn.Close()
	}

	return c.Connect(ctx)
}

// dialWithRetry dials the broker at a fixed interval until it succeeds or ctx is done
func (c *Client) dialWithRetry(ctx context.Context) (Connection, error) {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	dsn := c.config.dsn()

	for attempt := 1; ; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
		)

		conn, err := c.dial(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			return conn, nil
		}

		c.logger.Warn("Connection to RabbitMQ failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", c.config.RetryInterval),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, ctx.Err())
		case <-time.After(c.config.RetryInterval):
		}
	}
}

// declareChannels declares every configured channel that is not open yet
func (c *Client) declareChannels(conn Connection) error {
	var errs []error

	for _, cfg := range c.config.Channels {
		c.mu.RLock()
		existing := c.channels[cfg.Name]
		c.mu.RUnlock()

		if existing != nil && !existing.IsClosed() {
			continue
		}

		c.logger.Info("Declaring channel",
			slog.String("channel", cfg.Name),
			slog.String("exchange", cfg.ExchangeName),
			slog.String("queue", cfg.QueueName),
			slog.String("routing_key", cfg.RoutingKey),
		)

		ch, err := c.declareChannel(conn, cfg)
		if err != nil {
			c.logger.Error("Failed to declare channel",
				slog.String("channel", cfg.Name),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", cfg.Name, err))
			continue
		}

		c.mu.Lock()
		c.channels[cfg.Name] = ch
		c.mu.Unlock()
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrChannelSetupFailed, errors.Join(errs...))
	}

	c.logger.Info("RabbitMQ channels ready",
		slog.Int("channels", len(c.config.Channels)),
	)

	return nil
}

// declareChannel opens a channel and declares its exchange, queue, prefetch and binding
func (c *Client) declareChannel(conn Connection, cfg ChannelConfig) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.ExchangeName,      // name
		c.config.ExchangeType, // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.QueueName, // name
		true,          // durable
		false,         // auto-delete
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// per-consumer bound on unacked messages
	if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.QueueBind(
		cfg.QueueName,    // queue name
		cfg.RoutingKey,   // routing key
		cfg.ExchangeName, // exchange
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return ch, nil
}

// WaitForChannels polls until every configured channel is open.
//
// While connected, channels that are still missing are declared again on each
// attempt. It gives up with ErrRetryExhausted after maxRetries attempts.
func (c *Client) WaitForChannels(ctx context.Context, maxRetries int, interval time.Duration) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var missing []string
	for attempt := 1; attempt <= maxRetries; attempt++ {
		missing = c.missingChannels()
		if len(missing) == 0 {
			c.logger.Info("The channels are open")
			return nil
		}

		c.logger.Info("Waiting for channels",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxRetries),
			slog.String("missing", strings.Join(missing, ",")),
		)

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil && !conn.IsClosed() {
			if err := c.declareChannels(conn); err == nil {
				continue
			}
		}

		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	missing = c.missingChannels()
	if len(missing) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %d attempts, channels not open: %s", ErrRetryExhausted, maxRetries, strings.Join(missing, ", "))
}

// ConnectAndWait connects and then waits for every configured channel to open.
// A channel that fails to declare on connect is retried by WaitForChannels; only
// an unreachable broker or a closed client ends the startup early.
func (c *Client) ConnectAndWait(ctx context.Context, maxRetries int, interval time.Duration) error {
	if _, err := c.Connect(ctx); err != nil {
		if !errors.Is(err, ErrChannelSetupFailed) {
			return err
		}
		c.logger.Warn("Some channels failed to declare, retrying",
			slog.Any("error", err),
		)
	}

	return c.WaitForChannels(ctx, maxRetries, interval)
}

// missingChannels returns the sorted names of configured channels that are not open
func (c *Client) missingChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var missing []string
	for name := range c.routes {
		ch := c.channels[name]
		if ch == nil || ch.IsClosed() {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)

	return missing
}

// channel resolves a logical channel name to its open AMQP channel
func (c *Client) channel(name string) (Channel, ChannelConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg, known := c.routes[name]
	if !known {
		return nil, ChannelConfig{}, fmt.Errorf("%w: unknown channel %q", ErrChannelNotOpen, name)
	}

	if c.conn == nil || c.conn.IsClosed() {
		return nil, cfg, ErrNotConnected
	}

	ch := c.channels[name]
	if ch == nil || ch.IsClosed() {
		return nil, cfg, fmt.Errorf("%w: %s", ErrChannelNotOpen, name)
	}

	return ch, cfg, nil
}

// Read polls one message from the channel's queue and decodes it into v.
//
// The message is acknowledged as soon as it is decoded, before the caller does any
// work with it: a crash mid-job loses the message instead of redelivering it. When
// the queue is empty ErrEmptyQueue is returned. A body that cannot be decoded is
// still acknowledged so it does not block the queue, and ErrMalformedMessage is
// returned.
func (c *Client) Read(ctx context.Context, channelName string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, cfg, err := c.channel(channelName)
	if err != nil {
		return err
	}

	msg, ok, err := ch.Get(cfg.QueueName, false)
	if err != nil {
		return fmt.Errorf("failed to get message from %s: %w", cfg.QueueName, err)
	}
	if !ok {
		return ErrEmptyQueue
	}

	decodeErr := json.Unmarshal(msg.Body, v)

	if err := msg.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}

	if decodeErr != nil {
		c.logger.Error("Discarding malformed message",
			slog.String("channel", channelName),
			slog.String("body", string(msg.Body)),
			slog.Any("error", decodeErr),
		)
		return fmt.Errorf("%w: %w", ErrMalformedMessage, decodeErr)
	}

	c.logger.Debug("Message read from RabbitMQ",
		slog.String("channel", channelName),
		slog.Uint64("delivery_tag", msg.DeliveryTag),
		slog.Int("body_size", len(msg.Body)),
	)

	return nil
}

// Write publishes v as JSON to the channel's exchange and routing key.
//
// Publishing does not wait for a broker confirm.
func (c *Client) Write(ctx context.Context, channelName string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch, cfg, err := c.channel(channelName)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx,
		cfg.ExchangeName, // exchange
		cfg.RoutingKey,   // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("channel", channelName),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("channel", channelName),
		slog.Int("body_size", len(body)),
	)

	return nil
}

// State reports the lifecycle state of the client
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.closed:
		return StateClosed
	case c.conn == nil || c.conn.IsClosed():
		return StateConstructed
	}

	for name := range c.routes {
		ch := c.channels[name]
		if ch == nil || ch.IsClosed() {
			return StateConnected
		}
	}

	return StateChannelReady
}

// ChannelsReady reports whether the connection is alive and every channel is open
func (c *Client) ChannelsReady() bool {
	return c.State() == StateChannelReady
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes every channel and then the connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	for name, ch := range c.channels {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.String("channel", name),
				slog.Any("error", err),
			)
		}
	}
	c.channels = make(map[string]Channel)

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}
