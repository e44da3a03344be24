package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/jonesrussell/jobqueue/internal/notifier"
)

// Connection pool defaults, matched to the teacher's outbox store sizing.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultPingTimeout     = 5 * time.Second
)

// Config describes how to reach the Postgres instance backing the job table.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// Prefix namespaces notification channels and, optionally, table names
	// (default "public", per §6).
	Prefix string

	// Node identifies this process in attempted_by and the peers table.
	Node string
}

func (c Config) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

// PostgresStore implements Store against a single PostgreSQL database using
// the SELECT ... FOR UPDATE SKIP LOCKED claim pattern for fetch/stage and a
// transactional advisory lock for uniqueness.
type PostgresStore struct {
	db     *sqlx.DB
	prefix string
	node   string
	notif  notifier.Notifier
}

// NewPostgresStore opens and verifies a connection pool for cfg.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "public"
	}

	return &PostgresStore{db: db, prefix: prefix, node: cfg.Node}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SetNotifier wires n so Insert can publish insert{queue} on the
// available-insert path (Oban's enqueue pipeline). Called after both the
// store and the notifier have been constructed; nil is valid and leaves
// staging + polling as the only dispatch signal.
func (s *PostgresStore) SetNotifier(n notifier.Notifier) {
	s.notif = n
}
