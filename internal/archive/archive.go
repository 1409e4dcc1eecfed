// Package archive persists closed session ledgers to PostgreSQL. The write
// path is the durability boundary for CloseSession: hot state is only
// cleared once the archive insert is acknowledged.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/groupwarden/groupwarden/internal/session"
	"github.com/groupwarden/groupwarden/internal/setup/config"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bunjson"
	"go.uber.org/zap"
)

// sonicProvider is a JSON provider that uses Sonic for encoding and decoding.
type sonicProvider struct{}

func (sonicProvider) Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func (sonicProvider) Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func (sonicProvider) NewEncoder(w io.Writer) bunjson.Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}

func (sonicProvider) NewDecoder(r io.Reader) bunjson.Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

// ArchivedSession is one closed session's full ledger.
type ArchivedSession struct {
	bun.BaseModel `bun:"table:archived_sessions"`

	ID        int64                   `bun:",pk,autoincrement"`
	TenantID  string                  `bun:",notnull"`
	GroupID   string                  `bun:",notnull"`
	SessionID string                  `bun:",notnull"`
	Ledger    []session.MessageRecord `bun:"type:jsonb"`
	ClosedAt  time.Time               `bun:",notnull"`
}

// Client writes and queries archived sessions.
type Client struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewClient establishes the archive database connection and ensures the
// schema exists.
func NewClient(ctx context.Context, config *config.PostgreSQL, logger *zap.Logger) (*Client, error) {
	// Initialize database connection with config values
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithAddr(fmt.Sprintf("%s:%d", config.Host, config.Port)),
		pgdriver.WithUser(config.User),
		pgdriver.WithPassword(config.Password),
		pgdriver.WithDatabase(config.DBName),
		pgdriver.WithInsecure(true),
		pgdriver.WithApplicationName("groupwarden"),
	))

	// Set connection pool settings
	sqldb.SetMaxOpenConns(config.MaxOpenConns)
	sqldb.SetMaxIdleConns(config.MaxIdleConns)
	sqldb.SetConnMaxLifetime(time.Duration(config.MaxLifetime) * time.Minute)
	sqldb.SetConnMaxIdleTime(time.Duration(config.MaxIdleTime) * time.Minute)

	// Set Sonic as the JSON provider
	bunjson.SetProvider(sonicProvider{})

	db := bun.NewDB(sqldb, pgdialect.New())

	if _, err := db.NewCreateTable().
		Model((*ArchivedSession)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create archive table: %w", err)
	}

	logger.Info("Archive database connection established")

	return &Client{
		db:     db,
		logger: logger.Named("archive"),
	}, nil
}

// ArchiveSession durably stores a closed session's ledger. Transient
// database failures are retried with backoff before the error is surfaced.
func (c *Client) ArchiveSession(
	ctx context.Context, tenantID, groupID, sessionID string, ledger []session.MessageRecord,
) error {
	archived := &ArchivedSession{
		TenantID:  tenantID,
		GroupID:   groupID,
		SessionID: sessionID,
		Ledger:    ledger,
		ClosedAt:  time.Now().UTC(),
	}

	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := c.db.NewInsert().Model(archived).Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}

	c.logger.Info("Session archived",
		zap.String("tenant", tenantID),
		zap.String("group", groupID),
		zap.String("session", sessionID),
		zap.Int("records", len(ledger)))

	return nil
}

// GetSessions returns a group's archived sessions, newest first.
func (c *Client) GetSessions(
	ctx context.Context, tenantID, groupID string, limit int,
) ([]ArchivedSession, error) {
	var sessions []ArchivedSession

	err := withRetry(ctx, func(ctx context.Context) error {
		return c.db.NewSelect().
			Model(&sessions).
			Where("tenant_id = ?", tenantID).
			Where("group_id = ?", groupID).
			Order("closed_at DESC").
			Limit(limit).
			Scan(ctx)
	})
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

// Close gracefully shuts down the database connection.
func (c *Client) Close() error {
	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close archive database connection", zap.Error(err))
		return err
	}

	c.logger.Info("Archive database connection closed")

	return nil
}
