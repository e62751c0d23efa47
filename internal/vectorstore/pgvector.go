package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// PgvectorStore persists intent vector snapshots in PostgreSQL with the
// pgvector extension. Users must provide their own PostgreSQL instance with
// pgvector installed; the URL is read from ASSISTANT_PGVECTOR_URL.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore creates a pgvector-backed snapshot store.
// It creates the required table and index if they don't exist.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector snapshot store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS intent_vectors (
			factory_id  TEXT NOT NULL,
			intent_code TEXT NOT NULL,
			kind        TEXT NOT NULL,
			ref_id      TEXT NOT NULL DEFAULT '',
			model       TEXT NOT NULL,
			source_text TEXT NOT NULL DEFAULT '',
			vector      vector(%d) NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (factory_id, intent_code, kind, ref_id)
		);

		CREATE INDEX IF NOT EXISTS idx_intent_vectors_factory ON intent_vectors (factory_id);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

// SaveEntries replaces the factory's snapshot in one transaction.
func (s *PgvectorStore) SaveEntries(ctx context.Context, factoryID string, entries []models.IntentVectorEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvector begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM intent_vectors WHERE factory_id = $1`, factoryID); err != nil {
		return fmt.Errorf("pgvector clear factory: %w", err)
	}

	if len(entries) > 0 {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO intent_vectors
			(factory_id, intent_code, kind, ref_id, model, source_text, vector, computed_at) VALUES `)

		args := make([]interface{}, 0, len(entries)*8)
		for i, e := range entries {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i*8 + 1
			sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base, base+1, base+2, base+3, base+4, base+5, base+6, base+7))
			computed := e.LastComputedAt
			if computed.IsZero() {
				computed = time.Now()
			}
			args = append(args, factoryID, e.IntentCode, string(e.Kind), e.RefID, e.Model, e.SourceText,
				pgvectorArray(e.Vector), computed)
		}
		sb.WriteString(` ON CONFLICT (factory_id, intent_code, kind, ref_id) DO UPDATE SET
			model = EXCLUDED.model,
			source_text = EXCLUDED.source_text,
			vector = EXCLUDED.vector,
			computed_at = EXCLUDED.computed_at`)

		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("pgvector insert: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// LoadAll returns every stored entry.
func (s *PgvectorStore) LoadAll(ctx context.Context) ([]models.IntentVectorEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT factory_id, intent_code, kind, ref_id, model, source_text, vector::text, computed_at
		FROM intent_vectors ORDER BY factory_id, intent_code, kind, ref_id`)
	if err != nil {
		return nil, fmt.Errorf("pgvector load: %w", err)
	}
	defer rows.Close()

	var out []models.IntentVectorEntry
	for rows.Next() {
		var e models.IntentVectorEntry
		var kind, raw string
		if err := rows.Scan(&e.FactoryID, &e.IntentCode, &kind, &e.RefID, &e.Model, &e.SourceText, &raw, &e.LastComputedAt); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		e.Kind = models.VectorKind(kind)
		vec, err := parsePgvector(raw)
		if err != nil {
			return nil, fmt.Errorf("pgvector parse %s/%s: %w", e.FactoryID, e.IntentCode, err)
		}
		e.Vector = vec
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parsePgvector is the inverse of pgvectorArray.
func parsePgvector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return nil, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
