// Package db implements the vector index on SurrealDB, with auto-reconnect support.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrades fail over HTTP/2, so pin ALPN to HTTP/1.1 for wss://.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Auth levels accepted by Config.AuthLevel.
const (
	AuthRoot     = "root"
	AuthDatabase = "database"
)

// Config holds the vector index connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // AuthRoot (default) or AuthDatabase

	// Reconnect tuning; zero values use the defaults below.
	DialTimeout       time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectRetries  int
}

const (
	defaultDialTimeout       = 5 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	defaultReconnectRetries  = 10
)

// Client is the vector index. The underlying WebSocket reconnects with
// exponential backoff when the server drops it.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger *slog.Logger
}

// NewClient connects, signs in and selects the configured namespace and database.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "vector-index")

	conn := dial(cfg, logger.New(log.Handler()))
	log.Info("connecting to vector index", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, wrapQueryError(err))
	}

	sdb, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}
	if err := signIn(ctx, sdb, cfg); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	if err := sdb.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	log.Info("vector index ready", "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: sdb, logger: log}, nil
}

func dial(cfg Config, sdkLogger logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	// gorillaws appends /rpc itself.
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	conn := rews.New(
		func(context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		timeout,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = time.Second
	retryer.Multiplier = 2.0
	retryer.MaxDelay = cfg.ReconnectMaxDelay
	if retryer.MaxDelay <= 0 {
		retryer.MaxDelay = defaultReconnectMaxDelay
	}
	retryer.MaxRetries = cfg.ReconnectRetries
	if retryer.MaxRetries <= 0 {
		retryer.MaxRetries = defaultReconnectRetries
	}
	conn.Retryer = retryer
	return conn
}

func signIn(ctx context.Context, sdb *surrealdb.DB, cfg Config) error {
	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	switch cfg.AuthLevel {
	case "", AuthRoot:
	case AuthDatabase:
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	default:
		return fmt.Errorf("unknown auth level %q", cfg.AuthLevel)
	}
	if _, err := sdb.SignIn(ctx, auth); err != nil {
		return fmt.Errorf("sign in as %s (%s): %w", cfg.Username, cfg.AuthLevel, err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.logger.Info("closing vector index connection")
	return c.conn.Close(ctx)
}

// InitSchema defines the vector table and its HNSW index for embeddings of
// the given dimension. Safe to run on every start.
func (c *Client) InitSchema(ctx context.Context, dimension int) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL(dimension), nil); err != nil {
		return fmt.Errorf("init schema: %w", wrapQueryError(err))
	}
	c.logger.Debug("schema ready", "dimension", dimension)
	return nil
}

// WipeData deletes every vector, keeping the schema.
func (c *Client) WipeData(ctx context.Context) error {
	c.logger.Warn("wiping all vectors")
	if _, err := surrealdb.Query[any](ctx, c.db, "DELETE vector", nil); err != nil {
		return fmt.Errorf("delete vectors: %w", wrapQueryError(err))
	}
	return nil
}
