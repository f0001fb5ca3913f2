// Package queuesink delivers a Request's result via AMQP publish (spec.md
// §4.6 "queue sink"), using a destination-partitioned publisher pool
// (generalized from the teacher's internal/balancer round-robin index) and
// a destination-validity cache (internal/delivery/destcache, generalized
// from the teacher's internal/fail2ban). Reconnect-with-backoff follows the
// same shape as the teacher's internal/store/connection pool.
package queuesink

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/batchrelay/batchrelay/internal/delivery"
	"github.com/batchrelay/batchrelay/internal/delivery/destcache"
	"github.com/batchrelay/batchrelay/internal/monitoring"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

// Config configures the queue sink.
type Config struct {
	Enabled        bool
	URL            string
	PoolSize       int // QUEUE_PUBLISHER_POOL_SIZE, default 4
	ConfirmTimeout time.Duration
	FailureTTL     time.Duration // QUEUE_FAILURE_TTL
}

type partition struct {
	mu sync.Mutex
	ch *amqp.Channel
}

// Sink is the AMQP-backed delivery.Sink. When Config.Enabled is false it
// returns rabbitmq_not_configured for every queue delivery config without
// dialing anything (a non-queue config still gets other).
type Sink struct {
	cfg    Config
	cache  *destcache.Cache
	logger *slog.Logger

	connMu     sync.Mutex
	conn       *amqp.Connection
	connected  atomic.Bool
	partitions []*partition

	reconnectDelay time.Duration
	closed         atomic.Bool
	closeCh        chan struct{}

	metrics *monitoring.Metrics
}

// SetMetrics attaches a Metrics recorder; nil (the default) records nothing.
func (s *Sink) SetMetrics(m *monitoring.Metrics) { s.metrics = m }

// New returns a Sink. If cfg.Enabled, it dials immediately and starts the
// reconnect watchdog; callers should check IsConnected or rely on Publish
// returning rabbitmq_not_configured/connection_error.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}

	s := &Sink{
		cfg:            cfg,
		cache:          destcache.New(cfg.FailureTTL),
		logger:         logger,
		reconnectDelay: time.Second,
		closeCh:        make(chan struct{}),
		partitions:     make([]*partition, cfg.PoolSize),
	}
	for i := range s.partitions {
		s.partitions[i] = &partition{}
	}

	if !cfg.Enabled {
		return s, nil
	}

	if err := s.connect(); err != nil {
		return nil, err
	}
	go s.watchdog()
	return s, nil
}

func (s *Sink) connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return err
	}

	for i := range s.partitions {
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return err
		}
		if err := ch.Confirm(false); err != nil {
			conn.Close()
			return err
		}
		s.partitions[i].mu.Lock()
		s.partitions[i].ch = ch
		s.partitions[i].mu.Unlock()
	}

	s.conn = conn
	s.connected.Store(true)
	s.reconnectDelay = time.Second
	s.logger.Info("queue sink connected", "pool_size", s.cfg.PoolSize)
	return nil
}

func (s *Sink) watchdog() {
	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		closeErr := make(chan *amqp.Error, 1)
		conn.NotifyClose(closeErr)

		select {
		case <-s.closeCh:
			return
		case err := <-closeErr:
			s.connected.Store(false)
			s.logger.Error("queue sink connection lost", "error", err)
			s.reconnectLoop()
		}
	}
}

func (s *Sink) reconnectLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case <-time.After(s.reconnectDelay):
		}

		if err := s.connect(); err != nil {
			s.reconnectDelay = minDuration(s.reconnectDelay*2, 30*time.Second)
			s.logger.Error("queue sink reconnect failed", "error", err, "next_delay", s.reconnectDelay)
			continue
		}
		return
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// IsConnected reports whether the AMQP connection is currently live.
func (s *Sink) IsConnected() bool { return s.connected.Load() }

// Close stops the watchdog and closes the connection.
func (s *Sink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.closeCh)
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// ClearDestinationCache invalidates one cached destination (spec.md §6).
func (s *Sink) ClearDestinationCache(exchange, routingKey string) {
	s.cache.ClearDestination(exchange, routingKey)
}

// ClearAllCache invalidates every cached destination (spec.md §12).
func (s *Sink) ClearAllCache() {
	s.cache.ClearAll()
}

// DestinationCacheSize reports the number of cached destinations (for metrics).
func (s *Sink) DestinationCacheSize() int { return s.cache.Size() }

func (s *Sink) reportCacheSize() {
	if s.metrics != nil {
		s.metrics.SetDestinationCacheSize(s.cache.Size())
	}
}

func destinationOf(cfg models.DeliveryConfig) (exchange, routingKey string) {
	if cfg.Exchange != "" {
		return cfg.Exchange, cfg.RoutingKey
	}
	return "", cfg.QueueName
}

func (s *Sink) partitionFor(exchange, routingKey string) *partition {
	h := fnv.New32a()
	h.Write([]byte(exchange))
	h.Write([]byte{0})
	h.Write([]byte(routingKey))
	idx := int(h.Sum32()) % len(s.partitions)
	if idx < 0 {
		idx += len(s.partitions)
	}
	return s.partitions[idx]
}

func (s *Sink) Publish(ctx context.Context, cfg models.DeliveryConfig, payload []byte) delivery.Result {
	if cfg.Kind != models.DeliveryQueue {
		return delivery.Result{Outcome: models.OutcomeOther, ErrorMsg: "queuesink invoked with non-queue delivery config"}
	}
	if !s.cfg.Enabled {
		return delivery.Result{Outcome: models.OutcomeRabbitMQNotConfigured, ErrorMsg: "queue publisher disabled"}
	}
	if !s.connected.Load() {
		return delivery.Result{Outcome: models.OutcomeConnectionError, ErrorMsg: "not connected"}
	}

	exchange, routingKey := destinationOf(cfg)

	// Publishes for the same destination route through a single worker
	// partition to preserve per-destination ordering (spec.md §4.6).
	part := s.partitionFor(exchange, routingKey)
	part.mu.Lock()
	defer part.mu.Unlock()

	switch s.cache.Lookup(exchange, routingKey) {
	case destcache.Failed:
		if exchange != "" {
			return delivery.Result{Outcome: models.OutcomeExchangeNotFound, ErrorMsg: "cached: exchange not found"}
		}
		return delivery.Result{Outcome: models.OutcomeQueueNotFound, ErrorMsg: "cached: queue not found"}
	case destcache.Unknown:
		if err := s.passiveDeclare(part.ch, exchange, routingKey); err != nil {
			if exchange != "" {
				s.cache.MarkFailed(exchange, routingKey, err.Error())
				s.reportCacheSize()
				return delivery.Result{Outcome: models.OutcomeExchangeNotFound, ErrorMsg: err.Error()}
			}
			s.cache.MarkFailed(exchange, routingKey, err.Error())
			s.reportCacheSize()
			return delivery.Result{Outcome: models.OutcomeQueueNotFound, ErrorMsg: err.Error()}
		}
		s.cache.MarkValidated(exchange, routingKey)
		s.reportCacheSize()
	}

	return s.publishConfirmed(ctx, part.ch, exchange, routingKey, payload)
}

func (s *Sink) passiveDeclare(ch *amqp.Channel, exchange, routingKey string) error {
	if exchange != "" {
		return ch.ExchangeDeclarePassive(exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	}
	_, err := ch.QueueDeclarePassive(routingKey, true, false, false, false, nil)
	return err
}

func (s *Sink) publishConfirmed(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, payload []byte) delivery.Result {
	confirmCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
	if err != nil {
		return delivery.Result{Outcome: models.OutcomeOther, ErrorMsg: err.Error()}
	}

	ok, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return delivery.Result{Outcome: models.OutcomeTimeout, ErrorMsg: "publisher confirm timed out"}
		}
		return delivery.Result{Outcome: models.OutcomeOther, ErrorMsg: err.Error()}
	}
	if !ok {
		return delivery.Result{Outcome: models.OutcomeOther, ErrorMsg: "broker nacked publish"}
	}
	return delivery.Result{Outcome: models.OutcomeSuccess}
}

var _ delivery.Sink = (*Sink)(nil)
