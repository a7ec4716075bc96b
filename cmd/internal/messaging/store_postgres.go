package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultSchema = "bazaar"
	messagesTable = "direct_messages"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Conversations are looked up through the normalized (pair_lo, pair_hi) columns, indexed
// together with (created_at, id) so history reads are a single ordered index range.
type PostgresStore struct {
	pool  *pgxpool.Pool
	cfg   storeConfig
	stamp *stamper
}

// txPublisher is implemented by feeds that can emit the change event inside the insert
// transaction, so the event is delivered if and only if the row commits.
type txPublisher interface {
	PublishTx(ctx context.Context, tx pgx.Tx, m Message) error
}

// WithSchema sets the DB schema used by the Postgres store and feed (default: "bazaar").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) Option {
	return func(c *storeConfig) { c.schema = strings.TrimSpace(schema) }
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	cfg := newStoreConfig(opts)
	if !isValidPGIdent(cfg.schema) {
		return nil, fmt.Errorf("messaging: invalid schema identifier %q", cfg.schema)
	}
	return &PostgresStore{
		pool:  pool,
		cfg:   cfg,
		stamp: newStamper(cfg.now, cfg.ids),
	}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, table and index when missing.
// Production deployments manage the schema out of band; this is for dev and tests.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := pgIdent(s.cfg.schema, messagesTable)

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id          TEXT COLLATE "C" PRIMARY KEY,
  sender_id   TEXT COLLATE "C" NOT NULL,
  receiver_id TEXT COLLATE "C" NOT NULL,
  pair_lo     TEXT COLLATE "C" NOT NULL,
  pair_hi     TEXT COLLATE "C" NOT NULL,
  content     TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_direct_messages_distinct CHECK (sender_id <> receiver_id),
  CONSTRAINT chk_direct_messages_pair CHECK (pair_lo < pair_hi),
  CONSTRAINT chk_direct_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= %d)
);

CREATE INDEX IF NOT EXISTS idx_direct_messages_pair_created
  ON %s (pair_lo, pair_hi, created_at, id);
`, pgx.Identifier{s.cfg.schema}.Sanitize(), table, MaxContentChars, table)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return storeErr("postgres.EnsureSchema", err)
	}
	return nil
}

// Persist inserts one row. The change event is emitted inside the transaction when the
// publisher supports it, otherwise right after commit.
func (s *PostgresStore) Persist(ctx context.Context, in PersistInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("postgres.Persist", err)
	}
	if err := checkRow(in); err != nil {
		return Message{}, storeErr("postgres.Persist", err)
	}

	id, ts, err := s.stamp.next()
	if err != nil {
		return Message{}, storeErr("postgres.Persist", err)
	}
	msg := Message{
		ID:        id,
		Sender:    in.Sender,
		Receiver:  in.Receiver,
		Content:   in.Content,
		CreatedAt: ts,
	}
	key := PairOf(in.Sender, in.Receiver)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, storeErr("postgres.Persist", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.cfg.schema, messagesTable)+` (
		     id, sender_id, receiver_id, pair_lo, pair_hi, content, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.Sender, msg.Receiver, key.Lo, key.Hi, msg.Content, msg.CreatedAt,
	); err != nil {
		return Message{}, storeErr("postgres.Persist", fmt.Errorf("insert message: %w", err))
	}

	txPub, inTx := s.cfg.publisher.(txPublisher)
	if inTx {
		if err := txPub.PublishTx(ctx, tx, msg); err != nil {
			return Message{}, storeErr("postgres.Persist", fmt.Errorf("notify: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, storeErr("postgres.Persist", err)
	}

	if !inTx {
		s.cfg.publish(ctx, msg)
	}
	return msg, nil
}

// ListConversation returns the full history between userA and userB ordered by (created_at, id) ASC.
func (s *PostgresStore) ListConversation(ctx context.Context, userA, userB string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("postgres.ListConversation", err)
	}
	if userA == "" || userB == "" {
		return nil, storeErr("postgres.ListConversation", errors.New("missing participant"))
	}

	key := PairOf(userA, userB)
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, receiver_id, content, created_at
		   FROM `+pgIdent(s.cfg.schema, messagesTable)+`
		  WHERE pair_lo = $1 AND pair_hi = $2
		  ORDER BY created_at ASC, id ASC`,
		key.Lo, key.Hi,
	)
	if err != nil {
		return nil, storeErr("postgres.ListConversation", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr("postgres.ListConversation", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("postgres.ListConversation", err)
	}
	return msgs, nil
}

// Get loads one message by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, sender_id, receiver_id, content, created_at
		   FROM `+pgIdent(s.cfg.schema, messagesTable)+`
		  WHERE id = $1`,
		id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, storeErr("postgres.Get", ErrNotFound)
	}
	if err != nil {
		return Message{}, storeErr("postgres.Get", err)
	}
	return m, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
