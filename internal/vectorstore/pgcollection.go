package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/lklic/idios/internal/modelconfig"
)

// PGCollection is a Collection backed by one Postgres table per model,
// following the teacher's rag.Store shape (a pgxpool.Pool-backed struct with
// one method per query), generalized to a varchar primary key (plain or
// composite) and a configurable ANN index.
type PGCollection struct {
	pool  *pgxpool.Pool
	desc  modelconfig.Descriptor
	table string
}

// NewPGCollection opens the collection for desc against pool, creating its
// backing table and ANN index if they do not already exist (idempotent
// open-or-create lifecycle).
func NewPGCollection(ctx context.Context, pool *pgxpool.Pool, desc modelconfig.Descriptor) (*PGCollection, error) {
	c := &PGCollection{
		pool:  pool,
		desc:  desc,
		table: "idios_" + desc.Name,
	}
	if err := c.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("vectorstore: open collection %s: %w", desc.Name, err)
	}
	return c, nil
}

func (c *PGCollection) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			url TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			metadata TEXT NOT NULL DEFAULT ''
		)`, c.table, c.desc.Dimension)
	if _, err := c.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("creating table: %w", err)
	}

	opclass := c.opclass()
	var indexMethod, withClause string
	switch c.desc.Index {
	case modelconfig.IndexHNSW:
		indexMethod = "hnsw"
		withClause = fmt.Sprintf("(m = %d, ef_construction = %d)",
			c.desc.IndexParams["m"], c.desc.IndexParams["ef_construction"])
	default: // modelconfig.IndexIVFFlat
		indexMethod = "ivfflat"
		withClause = fmt.Sprintf("(lists = %d)", c.desc.IndexParams["nlist"])
	}

	createIndex := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING %s (embedding %s) WITH %s",
		c.table, c.table, indexMethod, opclass, withClause,
	)
	if _, err := c.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	return nil
}

// opclass returns the pgvector operator class matching the model's
// configured metric.
func (c *PGCollection) opclass() string {
	if c.desc.Metric == modelconfig.MetricCosine {
		return "vector_cosine_ops"
	}
	return "vector_l2_ops"
}

// distanceOperator returns the pgvector distance operator matching the
// model's configured metric, used to build ORDER BY clauses.
func (c *PGCollection) distanceOperator() string {
	if c.desc.Metric == modelconfig.MetricCosine {
		return "<=>"
	}
	return "<->"
}

func (c *PGCollection) Insert(ctx context.Context, urls []string, embeddings [][]float32, metadatas []string) error {
	if len(urls) != len(embeddings) || len(urls) != len(metadatas) {
		return fmt.Errorf("vectorstore: insert: urls/embeddings/metadatas length mismatch")
	}
	if len(urls) == 0 {
		return nil
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("vectorstore: insert: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	query := fmt.Sprintf(`
		INSERT INTO %s (url, embedding, metadata) VALUES ($1, $2, $3)
		ON CONFLICT (url) DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata
	`, c.table)

	for i, url := range urls {
		if _, err := tx.Exec(ctx, query, url, pgvector.NewVector(embeddings[i]), metadatas[i]); err != nil {
			return fmt.Errorf("vectorstore: insert %q: %w", url, err)
		}
	}
	return tx.Commit(ctx)
}

func (c *PGCollection) QueryByCursor(ctx context.Context, cursor string, limit int) ([]Entry, error) {
	return c.strongQuery(ctx,
		fmt.Sprintf("SELECT url, embedding, metadata FROM %s WHERE url > $1 ORDER BY url ASC LIMIT $2", c.table),
		cursor, limit)
}

func (c *PGCollection) QueryByURLs(ctx context.Context, urls []string) ([]Entry, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	return c.strongQuery(ctx,
		fmt.Sprintf("SELECT url, embedding, metadata FROM %s WHERE url = ANY($1) ORDER BY url ASC", c.table),
		urls)
}

func (c *PGCollection) QueryByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	if strings.Contains(prefix, "%") {
		return nil, fmt.Errorf("vectorstore: prefix query: prefix %q contains literal %%", prefix)
	}
	escaped := strings.NewReplacer("\\", "\\\\", "_", "\\_").Replace(prefix)
	return c.strongQuery(ctx,
		fmt.Sprintf("SELECT url, embedding, metadata FROM %s WHERE url LIKE $1 || '%%' ESCAPE '\\' ORDER BY url ASC", c.table),
		escaped)
}

// strongQuery runs query inside a serializable transaction, realizing the
// strongly-consistent read every vector store query must provide.
func (c *PGCollection) strongQuery(ctx context.Context, query string, args ...any) ([]Entry, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			url      string
			vec      pgvector.Vector
			metadata string
		)
		if err := rows.Scan(&url, &vec, &metadata); err != nil {
			return nil, fmt.Errorf("vectorstore: scan row: %w", err)
		}
		entries = append(entries, Entry{URL: url, Embedding: vec.Slice(), Metadata: metadata})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	return entries, tx.Commit(ctx)
}

func (c *PGCollection) Search(ctx context.Context, vectors [][]float32, limit int) ([][]Hit, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := c.setSearchParams(ctx, tx); err != nil {
		return nil, err
	}

	op := c.distanceOperator()
	query := fmt.Sprintf(
		"SELECT url, embedding %s $1 AS distance, metadata FROM %s ORDER BY embedding %s $1 LIMIT $2",
		op, c.table, op,
	)

	results := make([][]Hit, len(vectors))
	for i, v := range vectors {
		rows, err := tx.Query(ctx, query, pgvector.NewVector(v), limit)
		if err != nil {
			return nil, fmt.Errorf("vectorstore: search: %w", err)
		}
		var hits []Hit
		for rows.Next() {
			var h Hit
			if err := rows.Scan(&h.URL, &h.Distance, &h.Metadata); err != nil {
				rows.Close()
				return nil, fmt.Errorf("vectorstore: search: scan: %w", err)
			}
			hits = append(hits, h)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("vectorstore: search: %w", err)
		}
		results[i] = hits
	}
	return results, tx.Commit(ctx)
}

// setSearchParams applies the model's per-query ANN tuning knob
// (ivfflat.probes or hnsw.ef_search) for the lifetime of tx, mirroring the
// index kind chosen at schema-creation time.
func (c *PGCollection) setSearchParams(ctx context.Context, tx pgx.Tx) error {
	switch c.desc.Index {
	case modelconfig.IndexHNSW:
		if ef, ok := c.desc.SearchParams["ef"]; ok {
			_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef))
			return err
		}
	default:
		if nprobe, ok := c.desc.SearchParams["nprobe"]; ok {
			_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", nprobe))
			return err
		}
	}
	return nil
}

func (c *PGCollection) Delete(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	_, err := c.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE url = ANY($1)", c.table), urls)
	if err != nil {
		return fmt.Errorf("vectorstore: delete: %w", err)
	}
	return nil
}
