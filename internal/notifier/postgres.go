package notifier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/jonesrussell/jobqueue/internal/logger"
)

// PostgresNotifier implements the DB-backed variant of §4.2 using
// PostgreSQL's LISTEN/NOTIFY. LISTEN requires a dedicated, long-lived
// connection (lib/pq's Listener), kept separate from db, the pooled handle
// used to issue NOTIFY and thus share a transaction with the caller's write.
type PostgresNotifier struct {
	db       *sql.DB
	prefix   string
	listener *pq.Listener
	log      logger.Logger

	mu       sync.RWMutex
	handlers map[Channel][]Handler
}

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
)

// NewPostgresNotifier opens a dedicated listener connection against dsn,
// issuing NOTIFY through the already-pooled db handle.
func NewPostgresNotifier(db *sql.DB, dsn, prefix string, log logger.Logger) *PostgresNotifier {
	n := &PostgresNotifier{
		db:       db,
		prefix:   prefix,
		log:      log,
		handlers: make(map[Channel][]Handler),
	}

	n.listener = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, n.eventCallback)
	return n
}

func (n *PostgresNotifier) eventCallback(ev pq.ListenerEventType, err error) {
	if err != nil {
		n.log.Warn("notifier listener event", logger.Any("event", ev), logger.Error(err))
	}
	if ev == pq.ListenerEventReconnected {
		n.log.Info("notifier reconnected, re-subscribing channels")
		n.resubscribeAll()
	}
}

func (n *PostgresNotifier) resubscribeAll() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.handlers {
		if err := n.listener.Listen(n.qualify(ch)); err != nil {
			n.log.Error("resubscribe failed", logger.String("channel", string(ch)), logger.Error(err))
		}
	}
}

func (n *PostgresNotifier) qualify(ch Channel) string {
	return fmt.Sprintf("%s.%s", n.prefix, ch)
}

// Listen registers handler for channel, LISTENs on it the first time it is
// registered, and starts a delivery goroutine bound to ctx on every call.
func (n *PostgresNotifier) Listen(ctx context.Context, channel Channel, handler Handler) error {
	n.mu.Lock()
	_, alreadySubscribed := n.handlers[channel]
	n.handlers[channel] = append(n.handlers[channel], handler)
	n.mu.Unlock()

	if !alreadySubscribed {
		if err := n.listener.Listen(n.qualify(channel)); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}

	go n.deliver(ctx)
	return nil
}

// deliver drains listener notifications until ctx is done. Listen starts one
// per call, so several may read pq.Listener's Notify channel; each
// notification is received by one of them, which dispatches it to every
// handler of its channel.
func (n *PostgresNotifier) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if notice == nil {
				continue // reconnect ping with no payload
			}
			n.dispatch(Channel(trimPrefix(notice.Channel, n.prefix)), []byte(notice.Extra))
		}
	}
}

func trimPrefix(channel, prefix string) string {
	p := prefix + "."
	if len(channel) > len(p) && channel[:len(p)] == p {
		return channel[len(p):]
	}
	return channel
}

func (n *PostgresNotifier) dispatch(channel Channel, payload []byte) {
	n.mu.RLock()
	handlers := append([]Handler(nil), n.handlers[channel]...)
	n.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// Notify publishes payload on channel via pg_notify through the pooled
// connection, so it can participate in the caller's surrounding transaction.
func (n *PostgresNotifier) Notify(ctx context.Context, channel Channel, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	_, err = n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.qualify(channel), string(b))
	if err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}

// Close stops the listener and releases its connection.
func (n *PostgresNotifier) Close() error {
	return n.listener.Close()
}
