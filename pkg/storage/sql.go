package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config describes the SQL backend.
type Config struct {
	Driver   string `yaml:"driver"` // "sqlite" or "postgres"
	Path     string `yaml:"path,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
	MaxConns int    `yaml:"max_conns,omitempty"`
	MaxIdle  int    `yaml:"max_idle,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = "dialog.db"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

func (c *Config) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported driver: %s (supported: sqlite, postgres)", c.Driver)
	}
	if c.Driver == "postgres" && (c.Host == "" || c.Database == "") {
		return fmt.Errorf("postgres requires host and database")
	}
	return nil
}

// ConnectionString builds the driver DSN.
func (c *Config) ConnectionString() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

const createConversationsTableSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(255) PRIMARY KEY,
    tenant_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255),
    channel VARCHAR(50) NOT NULL,
    state VARCHAR(50) NOT NULL,
    previous VARCHAR(50),
    created_at TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL,
    context TEXT
);

CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_at);
`

const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id VARCHAR(255) NOT NULL,
    sequence_num INTEGER NOT NULL,
    sender VARCHAR(50) NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence_num);
`

const createMessagesTablePostgresSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id SERIAL PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    sequence_num BIGINT NOT NULL,
    sender VARCHAR(50) NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence_num);
`

// SQLStore is the database/sql backed Store.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open connection and initialises the schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLStoreFromConfig opens the configured database and pings it.
func NewSQLStoreFromConfig(cfg *Config) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("SQL configuration is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}
	db, err := sql.Open(driverName, cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	return NewSQLStore(db, cfg.Driver)
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	messagesSQL := createMessagesTableSQL
	if s.dialect == "postgres" {
		messagesSQL = createMessagesTablePostgresSQL
	}

	if _, err := s.db.ExecContext(ctx, createConversationsTableSQL); err != nil {
		return fmt.Errorf("failed to create conversations table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, messagesSQL); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	if err := s.initSyncSchema(ctx); err != nil {
		return err
	}
	return nil
}

func (s *SQLStore) PutConversation(ctx context.Context, rec *ConversationRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}

	query := `
INSERT INTO conversations (id, tenant_id, user_id, channel, state, previous, created_at, last_activity_at, context)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    previous = excluded.previous,
    last_activity_at = excluded.last_activity_at,
    context = excluded.context
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO conversations (id, tenant_id, user_id, channel, state, previous, created_at, last_activity_at, context)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    previous = excluded.previous,
    last_activity_at = excluded.last_activity_at,
    context = excluded.context
`
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.TenantID, rec.UserID, rec.Channel, rec.State, rec.Previous,
		rec.CreatedAt, rec.LastActivityAt, string(rec.Context),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	query := `
SELECT id, tenant_id, user_id, channel, state, previous, created_at, last_activity_at, context
FROM conversations WHERE id = ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, tenant_id, user_id, channel, state, previous, created_at, last_activity_at, context
FROM conversations WHERE id = $1
`
	}

	var rec ConversationRecord
	var userID, previous, contextJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.TenantID, &userID, &rec.Channel, &rec.State, &previous,
		&rec.CreatedAt, &rec.LastActivityAt, &contextJSON,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	rec.UserID = userID.String
	rec.Previous = previous.String
	if contextJSON.Valid {
		rec.Context = []byte(contextJSON.String)
	}
	return &rec, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, tenantID string, since time.Time) ([]*ConversationRecord, error) {
	query := `
SELECT id, tenant_id, user_id, channel, state, previous, created_at, last_activity_at, context
FROM conversations WHERE tenant_id = ? AND last_activity_at > ?
ORDER BY created_at ASC
`
	if s.dialect == "postgres" {
		query = `
SELECT id, tenant_id, user_id, channel, state, previous, created_at, last_activity_at, context
FROM conversations WHERE tenant_id = $1 AND last_activity_at > $2
ORDER BY created_at ASC
`
	}

	rows, err := s.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []*ConversationRecord
	for rows.Next() {
		var rec ConversationRecord
		var userID, previous, contextJSON sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &userID, &rec.Channel, &rec.State, &previous,
			&rec.CreatedAt, &rec.LastActivityAt, &contextJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		rec.UserID = userID.String
		rec.Previous = previous.String
		if contextJSON.Valid {
			rec.Context = []byte(contextJSON.String)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	query := `DELETE FROM conversations WHERE id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM conversations WHERE id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	msgQuery := `DELETE FROM messages WHERE conversation_id = ?`
	if s.dialect == "postgres" {
		msgQuery = `DELETE FROM messages WHERE conversation_id = $1`
	}
	if _, err := s.db.ExecContext(ctx, msgQuery, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, rec *MessageRecord) error {
	if rec.ConversationID == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}

	seqQuery := `SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE conversation_id = ?`
	if s.dialect == "postgres" {
		seqQuery = `SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE conversation_id = $1`
	}
	var seq int64
	if err := s.db.QueryRowContext(ctx, seqQuery, rec.ConversationID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to get next sequence number: %w", err)
	}

	query := `
INSERT INTO messages (conversation_id, sequence_num, sender, text, created_at)
VALUES (?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO messages (conversation_id, sequence_num, sender, text, created_at)
VALUES ($1, $2, $3, $4, $5)
`
	}
	if _, err := s.db.ExecContext(ctx, query,
		rec.ConversationID, seq, rec.Sender, rec.Text, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	rec.Sequence = seq
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error) {
	query := `
SELECT conversation_id, sequence_num, sender, text, created_at
FROM messages WHERE conversation_id = ?
ORDER BY sequence_num ASC
`
	args := []any{conversationID}
	if s.dialect == "postgres" {
		query = `
SELECT conversation_id, sequence_num, sender, text, created_at
FROM messages WHERE conversation_id = $1
ORDER BY sequence_num ASC
`
	}
	if limit > 0 {
		if s.dialect == "postgres" {
			query = `
SELECT conversation_id, sequence_num, sender, text, created_at FROM (
    SELECT conversation_id, sequence_num, sender, text, created_at
    FROM messages WHERE conversation_id = $1
    ORDER BY sequence_num DESC LIMIT $2
) sub ORDER BY sequence_num ASC
`
		} else {
			query = `
SELECT conversation_id, sequence_num, sender, text, created_at FROM (
    SELECT conversation_id, sequence_num, sender, text, created_at
    FROM messages WHERE conversation_id = ?
    ORDER BY sequence_num DESC LIMIT ?
) sub ORDER BY sequence_num ASC
`
		}
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ConversationID, &rec.Sequence, &rec.Sender, &rec.Text, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) MessageCount(ctx context.Context, conversationID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`
	if s.dialect == "postgres" {
		query = `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
