package pubsub

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
)

const (
	// maxNotifyPayload is the largest payload Postgres NOTIFY accepts.
	maxNotifyPayload = 7999
	// maxChannelName is NAMEDATALEN-1; longer topics are hashed.
	maxChannelName = 63

	// idleWait bounds one WaitForNotification call. Subscription changes
	// interrupt it early.
	idleWait         = 30 * time.Second
	reconnectBackoff = 2 * time.Second
)

var errInterrupted = errors.New("pubsub: wait interrupted")

// Postgres is a multi-node bus over LISTEN/NOTIFY. Publishes go through a
// connection pool; a single dedicated connection listens on every topic that
// has local subscribers and fans notifications out through a Memory bus.
//
// Subscribe and Close only record the wanted channel set under mu and wake
// the listener, which reconciles LISTEN/UNLISTEN on its own connection.
type Postgres struct {
	dsn    string
	pool   *pgxpool.Pool
	local  *Memory
	logger *slog.Logger

	mu        sync.Mutex
	refs      map[string]int          // topic -> local subscriptions
	want      map[string]string       // channel -> topic
	live      map[string]bool         // channels LISTENed on the current connection
	waiters   map[string][]chan error // channel -> subscribers waiting for LISTEN
	dirty     bool                    // want changed since the last reconcile
	interrupt context.CancelFunc      // cancels the listener's current wait

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// NewPostgres connects the publish pool and the listener connection.
func NewPostgres(ctx context.Context, dsn string, m *metrics.Metrics, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open listener connection: %w", err)
	}

	p := newPostgres(dsn, pool, m, logger)
	go p.listen(conn)
	return p, nil
}

func newPostgres(dsn string, pool *pgxpool.Pool, m *metrics.Metrics, logger *slog.Logger) *Postgres {
	lctx, cancel := context.WithCancel(context.Background())
	return &Postgres{
		dsn:     dsn,
		pool:    pool,
		local:   NewMemory(m),
		logger:  logger.With("component", "pubsub.postgres"),
		refs:    make(map[string]int),
		want:    make(map[string]string),
		live:    make(map[string]bool),
		waiters: make(map[string][]chan error),
		ctx:     lctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// channelName maps a topic to a valid Postgres channel name.
func channelName(topic string) string {
	if len(topic) <= maxChannelName {
		return topic
	}
	sum := sha1.Sum([]byte(topic))
	return "t_" + hex.EncodeToString(sum[:])
}

// Publish sends payload to every node listening on topic, including this one.
func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channelName(topic), string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers locally and waits, bounded by ctx, until the listener
// is on the topic.
func (p *Postgres) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if p.ctx.Err() != nil {
		return nil, ErrClosed
	}
	sub, err := p.local.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	ch := channelName(topic)
	p.mu.Lock()
	p.refs[topic]++
	p.want[ch] = topic
	var ready chan error
	if !p.live[ch] {
		ready = make(chan error, 1)
		p.waiters[ch] = append(p.waiters[ch], ready)
		p.wakeLocked()
	}
	p.mu.Unlock()

	if ready != nil {
		err = p.wait(ctx, ready)
	}
	if err != nil {
		p.release(topic)
		sub.Close()
		return nil, fmt.Errorf("listen %s: %w", topic, err)
	}
	return &postgresSub{Subscription: sub, bus: p, topic: topic}, nil
}

type postgresSub struct {
	Subscription
	bus   *Postgres
	topic string
	once  sync.Once
}

func (s *postgresSub) Close() error {
	s.once.Do(func() {
		s.Subscription.Close()
		s.bus.release(s.topic)
	})
	return nil
}

// release drops one reference on topic. The last reference removes the
// channel from the wanted set; the listener UNLISTENs it asynchronously.
func (p *Postgres) release(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.refs[topic]
	if !ok {
		return
	}
	if n > 1 {
		p.refs[topic] = n - 1
		return
	}
	delete(p.refs, topic)
	ch := channelName(topic)
	delete(p.want, ch)
	delete(p.waiters, ch)
	p.wakeLocked()
}

// wakeLocked marks the wanted set changed and interrupts the listener's
// current wait. Callers hold p.mu.
func (p *Postgres) wakeLocked() {
	p.dirty = true
	if p.interrupt != nil {
		p.interrupt()
	}
}

func (p *Postgres) wait(ctx context.Context, ready chan error) error {
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrClosed
	}
}

// listen owns the listener connection. It reconciles the wanted channel set,
// waits for notifications until woken, and reconnects on connection loss.
func (p *Postgres) listen(conn *pgx.Conn) {
	defer close(p.stopped)
	for {
		err := p.reconcile(conn)
		if err == nil {
			var n *pgconn.Notification
			n, err = p.waitNotification(conn)
			if err == nil {
				p.deliver(n)
				continue
			}
		}
		if p.ctx.Err() != nil {
			conn.Close(context.Background())
			return
		}
		if errors.Is(err, errInterrupted) {
			continue
		}

		p.logger.Warn("listener connection lost, reconnecting", "error", err)
		conn.Close(context.Background())
		p.mu.Lock()
		p.live = make(map[string]bool)
		p.mu.Unlock()
		if conn = p.reconnect(); conn == nil {
			return
		}
	}
}

// reconcile issues LISTEN for wanted channels and UNLISTEN for dropped ones.
// It returns an error only when the connection is unusable.
func (p *Postgres) reconcile(conn *pgx.Conn) error {
	p.mu.Lock()
	p.dirty = false
	var add, drop []string
	for ch := range p.want {
		if !p.live[ch] {
			add = append(add, ch)
		}
	}
	for ch := range p.live {
		if _, ok := p.want[ch]; !ok {
			drop = append(drop, ch)
		}
	}
	p.mu.Unlock()

	for _, ch := range drop {
		if _, err := conn.Exec(p.ctx, "UNLISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			if conn.IsClosed() || p.ctx.Err() != nil {
				return err
			}
			p.logger.Warn("unlisten failed", "channel", ch, "error", err)
		}
		p.mu.Lock()
		delete(p.live, ch)
		p.mu.Unlock()
	}

	for _, ch := range add {
		_, err := conn.Exec(p.ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize())
		if err != nil && (conn.IsClosed() || p.ctx.Err() != nil) {
			return err
		}
		p.mu.Lock()
		ready := p.waiters[ch]
		delete(p.waiters, ch)
		if err == nil {
			// A release in the meantime sets dirty; the next pass drops it.
			p.live[ch] = true
		} else {
			p.logger.Warn("listen failed", "channel", ch, "error", err)
			delete(p.refs, p.want[ch])
			delete(p.want, ch)
		}
		p.mu.Unlock()
		for _, r := range ready {
			r <- err
		}
	}
	return nil
}

// waitNotification blocks for one notification. It returns errInterrupted
// when the wanted set changes or idleWait passes.
func (p *Postgres) waitNotification(conn *pgx.Conn) (*pgconn.Notification, error) {
	p.mu.Lock()
	if p.dirty {
		p.mu.Unlock()
		return nil, errInterrupted
	}
	wctx, cancel := context.WithTimeout(p.ctx, idleWait)
	p.interrupt = cancel
	p.mu.Unlock()

	n, err := conn.WaitForNotification(wctx)

	p.mu.Lock()
	p.interrupt = nil
	p.mu.Unlock()
	cancel()

	if err != nil && wctx.Err() != nil && p.ctx.Err() == nil && !conn.IsClosed() {
		return nil, errInterrupted
	}
	return n, err
}

func (p *Postgres) deliver(n *pgconn.Notification) {
	p.mu.Lock()
	topic, ok := p.want[n.Channel]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.local.Publish(p.ctx, topic, []byte(n.Payload))
}

// reconnect dials until it succeeds or the bus is closed. The caller's next
// reconcile re-issues LISTEN for every wanted channel.
func (p *Postgres) reconnect() *pgx.Conn {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case <-time.After(reconnectBackoff):
		}
		conn, err := pgx.Connect(p.ctx, p.dsn)
		if err != nil {
			p.logger.Warn("listener reconnect failed", "error", err)
			continue
		}
		p.logger.Info("listener reconnected")
		return conn
	}
}

// Subscribers returns the number of local subscriptions on topic.
func (p *Postgres) Subscribers(topic string) int {
	return p.local.Subscribers(topic)
}

// Close stops the listener and closes every local subscription.
func (p *Postgres) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.stopped
		p.local.Close()
		p.pool.Close()
	})
	return nil
}
