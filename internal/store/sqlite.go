package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// SQLiteStore implements Store on SQLite. Each table keeps its lookup keys
// as columns and the full record as a JSON data column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Writes are serialised by SQLite anyway.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS intents (
		factory_id TEXT NOT NULL,
		code       TEXT NOT NULL,
		version    INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		data       TEXT NOT NULL,
		PRIMARY KEY (factory_id, code)
	);

	CREATE TABLE IF NOT EXISTS expressions (
		id         TEXT PRIMARY KEY,
		factory_id TEXT NOT NULL,
		intent     TEXT NOT NULL,
		status     TEXT NOT NULL,
		data       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_expressions_factory ON expressions(factory_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		factory_id     TEXT NOT NULL,
		deleted        INTEGER NOT NULL DEFAULT 0,
		last_active_at DATETIME NOT NULL,
		data           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_live ON sessions(deleted, last_active_at);

	CREATE TABLE IF NOT EXISTS pending_collections (
		session_id TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		data       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS extraction_rules (
		id         TEXT PRIMARY KEY,
		factory_id TEXT NOT NULL,
		intent     TEXT NOT NULL,
		hits       INTEGER NOT NULL DEFAULT 0,
		data       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_scope ON extraction_rules(factory_id, intent);

	CREATE TABLE IF NOT EXISTS keyword_effectiveness (
		factory_id TEXT NOT NULL,
		intent     TEXT NOT NULL,
		keyword    TEXT NOT NULL,
		data       TEXT NOT NULL,
		PRIMARY KEY (factory_id, intent, keyword)
	);

	CREATE TABLE IF NOT EXISTS keyword_adoptions (
		factory_id TEXT NOT NULL,
		intent     TEXT NOT NULL,
		keyword    TEXT NOT NULL,
		data       TEXT NOT NULL,
		PRIMARY KEY (factory_id, intent, keyword)
	);
	CREATE INDEX IF NOT EXISTS idx_adoptions_kw ON keyword_adoptions(intent, keyword);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ── Intents ─────────────────────────────────────────────────

func (s *SQLiteStore) ListIntents(ctx context.Context, factoryID string) ([]models.IntentDefinition, error) {
	return queryJSON[models.IntentDefinition](ctx, s.db,
		`SELECT data FROM intents WHERE factory_id = ? ORDER BY code`, factoryID)
}

func (s *SQLiteStore) ListAllIntents(ctx context.Context) ([]models.IntentDefinition, error) {
	return queryJSON[models.IntentDefinition](ctx, s.db,
		`SELECT data FROM intents ORDER BY factory_id, code`)
}

func (s *SQLiteStore) GetIntent(ctx context.Context, factoryID, code string) (*models.IntentDefinition, error) {
	var it models.IntentDefinition
	err := getJSON(ctx, s.db, &it, `SELECT data FROM intents WHERE factory_id = ? AND code = ?`, factoryID, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "intent", Key: scopedKey(factoryID, code)}
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *SQLiteStore) UpsertIntent(ctx context.Context, intent *models.IntentDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, `SELECT version FROM intents WHERE factory_id = ? AND code = ?`,
		intent.FactoryID, intent.Code).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read version: %w", err)
	}
	intent.Version = version + 1
	intent.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO intents (factory_id, code, version, updated_at, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (factory_id, code) DO UPDATE SET
			version = excluded.version, updated_at = excluded.updated_at, data = excluded.data`,
		intent.FactoryID, intent.Code, intent.Version, intent.UpdatedAt, string(data))
	if err != nil {
		return fmt.Errorf("upsert intent: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListFactories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT factory_id FROM intents WHERE factory_id != ''
		UNION
		SELECT factory_id FROM expressions WHERE factory_id != ''
		ORDER BY factory_id`)
	if err != nil {
		return nil, fmt.Errorf("list factories: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ── Learned Expressions ─────────────────────────────────────

func (s *SQLiteStore) ListExpressions(ctx context.Context, factoryID string) ([]models.LearnedExpression, error) {
	return queryJSON[models.LearnedExpression](ctx, s.db,
		`SELECT data FROM expressions WHERE factory_id = ? ORDER BY id`, factoryID)
}

func (s *SQLiteStore) GetExpression(ctx context.Context, id string) (*models.LearnedExpression, error) {
	var e models.LearnedExpression
	err := getJSON(ctx, s.db, &e, `SELECT data FROM expressions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "expression", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) UpsertExpression(ctx context.Context, expr *models.LearnedExpression) error {
	now := time.Now().UTC()
	if expr.CreatedAt.IsZero() {
		expr.CreatedAt = now
	}
	expr.UpdatedAt = now
	return s.execJSON(ctx, expr, `
		INSERT INTO expressions (id, factory_id, intent, status, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		expr.ID, expr.FactoryID, expr.IntentCode, string(expr.Status))
}

// ── Sessions ────────────────────────────────────────────────

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	var sess models.ConversationSession
	err := getJSON(ctx, s.db, &sess, `SELECT data FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, err
	}
	if sess.EntitySlots == nil {
		sess.EntitySlots = make(map[models.SlotType]models.EntitySlot)
	}
	return &sess, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session *models.ConversationSession) error {
	return s.execJSON(ctx, session, `
		INSERT INTO sessions (id, factory_id, deleted, last_active_at, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET deleted = excluded.deleted,
			last_active_at = excluded.last_active_at, data = excluded.data`,
		session.ID, session.FactoryID, session.Deleted, session.LastActiveAt)
}

func (s *SQLiteStore) ListLiveSessions(ctx context.Context) ([]models.ConversationSession, error) {
	all, err := queryJSON[models.ConversationSession](ctx, s.db,
		`SELECT data FROM sessions WHERE deleted = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sess := range all {
		if sess.Live() {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ── Pending Collections ─────────────────────────────────────

func (s *SQLiteStore) GetPending(ctx context.Context, sessionID string) (*models.PendingCollection, error) {
	var p models.PendingCollection
	err := getJSON(ctx, s.db, &p, `SELECT data FROM pending_collections WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "pending", Key: sessionID}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) SavePending(ctx context.Context, p *models.PendingCollection) error {
	return s.execJSON(ctx, p, `
		INSERT INTO pending_collections (session_id, status, data) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		p.SessionID, string(p.Status))
}

// ── Extraction Rules ────────────────────────────────────────

func (s *SQLiteStore) ListExtractionRules(ctx context.Context, factoryID, intentCode string) ([]models.ExtractionRule, error) {
	return queryJSON[models.ExtractionRule](ctx, s.db,
		`SELECT data FROM extraction_rules WHERE factory_id = ? AND intent = ? ORDER BY hits DESC, id`,
		factoryID, intentCode)
}

func (s *SQLiteStore) UpsertExtractionRule(ctx context.Context, rule *models.ExtractionRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	return s.execJSON(ctx, rule, `
		INSERT INTO extraction_rules (id, factory_id, intent, hits, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET hits = excluded.hits, data = excluded.data`,
		rule.ID, rule.FactoryID, rule.IntentCode, rule.Hits)
}

// ── Keyword Effectiveness / Adoption ────────────────────────

func (s *SQLiteStore) GetKeywordEffectiveness(ctx context.Context, factoryID, intentCode, keyword string) (*models.KeywordEffectiveness, error) {
	var k models.KeywordEffectiveness
	err := getJSON(ctx, s.db, &k,
		`SELECT data FROM keyword_effectiveness WHERE factory_id = ? AND intent = ? AND keyword = ?`,
		factoryID, intentCode, keyword)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "keyword", Key: keywordKey(factoryID, intentCode, keyword)}
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) UpsertKeywordEffectiveness(ctx context.Context, k *models.KeywordEffectiveness) error {
	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	return s.execJSON(ctx, k, `
		INSERT INTO keyword_effectiveness (factory_id, intent, keyword, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (factory_id, intent, keyword) DO UPDATE SET data = excluded.data`,
		k.FactoryID, k.IntentCode, k.Keyword)
}

func (s *SQLiteStore) ListKeywordEffectiveness(ctx context.Context) ([]models.KeywordEffectiveness, error) {
	return queryJSON[models.KeywordEffectiveness](ctx, s.db,
		`SELECT data FROM keyword_effectiveness ORDER BY factory_id, intent, keyword`)
}

func (s *SQLiteStore) UpsertAdoption(ctx context.Context, a *models.KeywordFactoryAdoption) error {
	if a.AdoptedAt.IsZero() {
		prev, err := queryJSON[models.KeywordFactoryAdoption](ctx, s.db,
			`SELECT data FROM keyword_adoptions WHERE factory_id = ? AND intent = ? AND keyword = ?`,
			a.FactoryID, a.IntentCode, a.Keyword)
		if err != nil {
			return err
		}
		if len(prev) > 0 {
			a.AdoptedAt = prev[0].AdoptedAt
		} else {
			a.AdoptedAt = time.Now().UTC()
		}
	}
	return s.execJSON(ctx, a, `
		INSERT INTO keyword_adoptions (factory_id, intent, keyword, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (factory_id, intent, keyword) DO UPDATE SET data = excluded.data`,
		a.FactoryID, a.IntentCode, a.Keyword)
}

func (s *SQLiteStore) ListAdoptions(ctx context.Context, intentCode, keyword string) ([]models.KeywordFactoryAdoption, error) {
	return queryJSON[models.KeywordFactoryAdoption](ctx, s.db,
		`SELECT data FROM keyword_adoptions WHERE intent = ? AND keyword = ? ORDER BY factory_id`,
		intentCode, keyword)
}

func (s *SQLiteStore) ListAllAdoptions(ctx context.Context) ([]models.KeywordFactoryAdoption, error) {
	return queryJSON[models.KeywordFactoryAdoption](ctx, s.db,
		`SELECT data FROM keyword_adoptions ORDER BY factory_id, intent, keyword`)
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── Helpers ─────────────────────────────────────────────────

// execJSON marshals v and runs query with the key args followed by the JSON data.
func (s *SQLiteStore) execJSON(ctx context.Context, v any, query string, keys ...any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	args := append(keys, string(data))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

func getJSON(ctx context.Context, db *sql.DB, out any, query string, args ...any) error {
	var data string
	if err := db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func queryJSON[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
