package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// Connection pool sizing.
const (
	poolDefaultConns = 10
	poolMaxConns     = 32
)

// Transient failures are retried this many times with exponential backoff
// before surfacing ErrStorage.
const (
	maxRetries   = 3
	retryBaseDur = 50 * time.Millisecond
)

// querier is satisfied by both *sql.DB and *sql.Tx so the same statement
// code serves pooled and transactional execution.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres is the production Store backed by lib/pq and pgvector.
type Postgres struct {
	db     *sql.DB
	q      querier
	dim    int
	logger *zap.Logger
}

// OpenPostgres connects, configures the pool, and applies migrations.
// Connection attempts retry within the caller's context budget.
func OpenPostgres(ctx context.Context, dsn string, dim int, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dim <= 0 {
		dim = types.DefaultDim
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, types.Wrap(types.KindStorage, err, "database configuration rejected")
	}
	db.SetMaxOpenConns(poolMaxConns)
	db.SetMaxIdleConns(poolDefaultConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	var pingErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		logger.Warn("database unreachable, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(pingErr))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, types.Wrap(types.KindStorage, ctx.Err(), "database connect cancelled")
		case <-time.After(retryBaseDur << attempt):
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, types.Wrap(types.KindStorage, pingErr, "database unreachable")
	}
	if err := Migrate(db, dim); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db, q: db, dim: dim, logger: logger}, nil
}

func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// RunInTx executes fn against a transaction-scoped store copy.
func (p *Postgres) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	if p.db == nil {
		// Already inside a transaction; nest flatly.
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	scoped := &Postgres{q: tx, dim: p.dim, logger: p.logger}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

const agentColumns = `agent_id, display_name, agent_type, namespace, capabilities, config,
	access_level, is_active, total_memories, last_activity, created_at, updated_at`

func (p *Postgres) UpsertAgent(ctx context.Context, a *types.Agent) error {
	caps, err := json.Marshal(orEmptyMap(a.Capabilities))
	if err != nil {
		return types.Wrap(types.KindValidation, err, "capabilities are not serialisable")
	}
	cfg, err := json.Marshal(orEmptyMap(a.Config))
	if err != nil {
		return types.Wrap(types.KindValidation, err, "config is not serialisable")
	}
	return p.retry(ctx, "upsert agent", func() error {
		_, err := p.q.ExecContext(ctx, `
			INSERT INTO agents (agent_id, display_name, agent_type, namespace,
				capabilities, config, access_level, is_active, last_activity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (agent_id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				agent_type   = EXCLUDED.agent_type,
				namespace    = EXCLUDED.namespace,
				capabilities = EXCLUDED.capabilities,
				config       = EXCLUDED.config,
				access_level = EXCLUDED.access_level,
				is_active    = EXCLUDED.is_active,
				last_activity = EXCLUDED.last_activity,
				updated_at   = now()`,
			a.AgentID, a.DisplayName, a.AgentType, a.Namespace,
			caps, cfg, a.AccessLevel, a.IsActive, a.LastActivity)
		return err
	})
}

func (p *Postgres) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	var a *types.Agent
	err := p.retry(ctx, "get agent", func() error {
		row := p.q.QueryRowContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
		var scanErr error
		a, scanErr = scanAgent(row)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *Postgres) ListAgents(ctx context.Context, f types.AgentFilter) ([]*types.Agent, error) {
	where := []string{"TRUE"}
	args := []any{}
	if f.Namespace != "" {
		args = append(args, f.Namespace)
		where = append(where, fmt.Sprintf("namespace = $%d", len(args)))
	}
	if f.AgentType != "" {
		args = append(args, f.AgentType)
		where = append(where, fmt.Sprintf("agent_type = $%d", len(args)))
	}
	var out []*types.Agent
	err := p.retry(ctx, "list agents", func() error {
		rows, err := p.q.QueryContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE `+strings.Join(where, " AND ")+
				` ORDER BY agent_id ASC`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) DeactivateAgent(ctx context.Context, agentID string) error {
	return p.retry(ctx, "deactivate agent", func() error {
		res, err := p.q.ExecContext(ctx,
			`UPDATE agents SET is_active = FALSE, updated_at = now() WHERE agent_id = $1`,
			agentID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return types.E(types.KindNotFound, "agent %q not found", agentID)
		}
		return nil
	})
}

const memoryColumns = `id, content, embedding, owner_agent_id, namespace, access_level,
	prior_access_level, tags, shared_with, importance, parent_id, is_archived,
	access_count, created_at, updated_at, last_accessed_at`

func (p *Postgres) InsertMemory(ctx context.Context, m *types.Memory) (uuid.UUID, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	tags, shared, err := marshalSets(m)
	if err != nil {
		return uuid.Nil, err
	}
	// The row insert and the owner counter bump commit or fail together.
	err = p.retry(ctx, "insert memory", func() error {
		return p.RunInTx(ctx, func(tx Store) error {
			pg := tx.(*Postgres)
			_, execErr := pg.q.ExecContext(ctx, `
				INSERT INTO memories (id, content, embedding, owner_agent_id, namespace,
					access_level, prior_access_level, tags, shared_with, importance, parent_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				m.ID, m.Content, embeddingValue(m.Embedding), m.OwnerID, m.Namespace,
				m.AccessLevel, m.PriorAccessLevel, tags, shared, m.Importance, m.ParentID)
			if execErr != nil {
				return execErr
			}
			_, execErr = pg.q.ExecContext(ctx,
				`UPDATE agents SET total_memories = total_memories + 1 WHERE agent_id = $1`,
				m.OwnerID)
			return execErr
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return m.ID, nil
}

func (p *Postgres) GetMemory(ctx context.Context, id uuid.UUID) (*types.Memory, error) {
	var m *types.Memory
	err := p.retry(ctx, "get memory", func() error {
		row := p.q.QueryRowContext(ctx,
			`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
		var scanErr error
		m, scanErr = scanMemory(row)
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMemory locks the row, applies the patch in process, and writes the
// result back. Concurrent writers serialise on the row lock, giving
// last-writer-wins without mixed rows.
func (p *Postgres) UpdateMemory(ctx context.Context, id uuid.UUID, patch *types.MemoryPatch) (*types.Memory, error) {
	var out *types.Memory
	err := p.RunInTx(ctx, func(tx Store) error {
		pg := tx.(*Postgres)
		row := pg.q.QueryRowContext(ctx,
			`SELECT `+memoryColumns+` FROM memories WHERE id = $1 FOR UPDATE`, id)
		m, err := scanMemory(row)
		if err != nil {
			return err
		}
		applyPatch(m, patch)
		tags, shared, err := marshalSets(m)
		if err != nil {
			return err
		}
		return pg.retry(ctx, "update memory", func() error {
			_, err := pg.q.ExecContext(ctx, `
				UPDATE memories SET content = $2, embedding = $3, access_level = $4,
					tags = $5, shared_with = $6, importance = $7, updated_at = $8
				WHERE id = $1`,
				m.ID, m.Content, embeddingValue(m.Embedding), m.AccessLevel,
				tags, shared, m.Importance, m.UpdatedAt)
			if err == nil {
				out = m
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) ReplaceShares(ctx context.Context, id uuid.UUID, level, prior string, shares map[string]types.Permission) (*types.Memory, error) {
	shared, err := json.Marshal(shares)
	if err != nil {
		return nil, types.Wrap(types.KindValidation, err, "share set is not serialisable")
	}
	err = p.retry(ctx, "replace shares", func() error {
		res, err := p.q.ExecContext(ctx, `
			UPDATE memories SET access_level = $2, prior_access_level = $3,
				shared_with = $4, updated_at = now()
			WHERE id = $1`,
			id, level, prior, shared)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return types.E(types.KindNotFound, "memory not found")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.GetMemory(ctx, id)
}

func (p *Postgres) ArchiveMemory(ctx context.Context, id uuid.UUID) error {
	return p.retry(ctx, "archive memory", func() error {
		res, err := p.q.ExecContext(ctx,
			`UPDATE memories SET is_archived = TRUE, updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return types.E(types.KindNotFound, "memory not found")
		}
		return nil
	})
}

// DeleteMemory removes the row outright, embedding included.
func (p *Postgres) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	return p.retry(ctx, "delete memory", func() error {
		res, err := p.q.ExecContext(ctx, `
			WITH victim AS (
				DELETE FROM memories WHERE id = $1 RETURNING owner_agent_id
			)
			UPDATE agents SET total_memories = GREATEST(total_memories - 1, 0)
			WHERE agent_id IN (SELECT owner_agent_id FROM victim)`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return types.E(types.KindNotFound, "memory not found")
		}
		return nil
	})
}

func (p *Postgres) Search(ctx context.Context, query []float32, f types.SearchFilters, k int, minSim float64) ([]*types.ScoredMemory, error) {
	if k <= 0 {
		return nil, nil
	}
	where, args := filterClauses(f)
	args = append(args, pgvector.NewVector(query))
	qv := len(args)
	where = append(where, "embedding IS NOT NULL")
	args = append(args, minSim)
	simArg := len(args)
	args = append(args, k)
	limitArg := len(args)

	sqlText := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $%d) AS similarity
		FROM memories
		WHERE %s AND (1 - (embedding <=> $%d)) >= $%d
		ORDER BY similarity DESC, importance DESC, updated_at DESC, id ASC
		LIMIT $%d`,
		memoryColumns, qv, strings.Join(where, " AND "), qv, simArg, limitArg)

	var out []*types.ScoredMemory
	err := p.retry(ctx, "search memories", func() error {
		rows, err := p.q.QueryContext(ctx, sqlText, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			sm, err := scanScoredMemory(rows)
			if err != nil {
				return err
			}
			out = append(out, sm)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) Recall(ctx context.Context, f types.SearchFilters, order types.RecallOrder, limit, offset int) ([]*types.Memory, error) {
	where, args := filterClauses(f)
	orderBy := "created_at DESC, id ASC"
	switch order {
	case types.OrderUpdatedDesc:
		orderBy = "updated_at DESC, id ASC"
	case types.OrderImportanceDesc:
		orderBy = "importance DESC, id ASC"
	}
	args = append(args, limit)
	limitArg := len(args)
	args = append(args, offset)
	offsetArg := len(args)

	sqlText := fmt.Sprintf(`
		SELECT %s FROM memories WHERE %s
		ORDER BY %s LIMIT $%d OFFSET $%d`,
		memoryColumns, strings.Join(where, " AND "), orderBy, limitArg, offsetArg)

	var out []*types.Memory
	err := p.retry(ctx, "recall memories", func() error {
		rows, err := p.q.QueryContext(ctx, sqlText, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) BumpAccess(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	return p.retry(ctx, "bump access", func() error {
		_, err := p.q.ExecContext(ctx, `
			UPDATE memories
			SET access_count = access_count + 1, last_accessed_at = now()
			WHERE id = ANY($1)`, pq.Array(strIDs))
		return err
	})
}

func (p *Postgres) MemoryStats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	stats := &OwnerStats{ByAccessLevel: make(map[string]int64)}
	err := p.retry(ctx, "memory stats", func() error {
		rows, err := p.q.QueryContext(ctx, `
			SELECT access_level, is_archived, COUNT(*), COALESCE(SUM(access_count), 0)
			FROM memories WHERE owner_agent_id = $1
			GROUP BY access_level, is_archived`, ownerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		*stats = OwnerStats{ByAccessLevel: make(map[string]int64)}
		for rows.Next() {
			var level string
			var archived bool
			var count, accesses int64
			if err := rows.Scan(&level, &archived, &count, &accesses); err != nil {
				return err
			}
			if archived {
				stats.Archived += count
				continue
			}
			stats.Total += count
			stats.ByAccessLevel[level] += count
			stats.TotalAccesses += accesses
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// filterClauses renders SearchFilters into WHERE predicates. Values are
// always bound parameters; nothing caller-supplied reaches the SQL text.
func filterClauses(f types.SearchFilters) ([]string, []any) {
	where := []string{}
	args := []any{}
	if !f.IncludeArchived {
		where = append(where, "is_archived = FALSE")
	}
	if f.OwnerID != "" {
		args = append(args, f.OwnerID)
		where = append(where, fmt.Sprintf("owner_agent_id = $%d", len(args)))
	}
	if f.Namespace != "" {
		args = append(args, f.Namespace)
		where = append(where, fmt.Sprintf("namespace = $%d", len(args)))
	}
	if len(f.AccessIn) > 0 {
		args = append(args, pq.Array(f.AccessIn))
		where = append(where, fmt.Sprintf("access_level = ANY($%d)", len(args)))
	}
	if len(f.Tags) > 0 {
		tagJSON, _ := json.Marshal(f.Tags)
		args = append(args, string(tagJSON))
		where = append(where, fmt.Sprintf("tags @> $%d::jsonb", len(args)))
	}
	if f.Principal != "" {
		args = append(args, f.Principal)
		pArg := len(args)
		args = append(args, f.PrincipalNamespace)
		nsArg := len(args)
		where = append(where, fmt.Sprintf(`(
			owner_agent_id = $%d
			OR access_level IN ('public', 'system')
			OR (access_level = 'team' AND namespace = $%d)
			OR (access_level = 'shared' AND shared_with ? $%d)
		)`, pArg, nsArg, pArg))
	}
	if len(where) == 0 {
		where = append(where, "TRUE")
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var a types.Agent
	var caps, cfg []byte
	var lastActivity sql.NullTime
	err := row.Scan(&a.AgentID, &a.DisplayName, &a.AgentType, &a.Namespace,
		&caps, &cfg, &a.AccessLevel, &a.IsActive, &a.TotalMemories,
		&lastActivity, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.E(types.KindNotFound, "agent not found")
		}
		return nil, err
	}
	if lastActivity.Valid {
		a.LastActivity = &lastActivity.Time
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, storageErr(err)
	}
	if err := json.Unmarshal(cfg, &a.Config); err != nil {
		return nil, storageErr(err)
	}
	return &a, nil
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	m, _, err := scanMemoryWith(row, false)
	return m, err
}

func scanScoredMemory(row rowScanner) (*types.ScoredMemory, error) {
	m, sim, err := scanMemoryWith(row, true)
	if err != nil {
		return nil, err
	}
	return &types.ScoredMemory{Memory: m, Similarity: sim}, nil
}

func scanMemoryWith(row rowScanner, withSim bool) (*types.Memory, float64, error) {
	var m types.Memory
	var emb pgvector.Vector
	var embValid sql.Null[pgvector.Vector]
	var tags, shared []byte
	var parent sql.Null[uuid.UUID]
	var sim float64

	dest := []any{&m.ID, &m.Content, &embValid, &m.OwnerID, &m.Namespace,
		&m.AccessLevel, &m.PriorAccessLevel, &tags, &shared, &m.Importance,
		&parent, &m.IsArchived, &m.AccessCount, &m.CreatedAt, &m.UpdatedAt,
		&m.LastAccessedAt}
	if withSim {
		dest = append(dest, &sim)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, types.E(types.KindNotFound, "memory not found")
		}
		return nil, 0, err
	}
	if embValid.Valid {
		emb = embValid.V
		m.Embedding = emb.Slice()
	}
	if parent.Valid {
		id := parent.V
		m.ParentID = &id
	}
	if err := json.Unmarshal(tags, &m.Tags); err != nil {
		return nil, 0, storageErr(err)
	}
	if err := json.Unmarshal(shared, &m.SharedWith); err != nil {
		return nil, 0, storageErr(err)
	}
	return &m, sim, nil
}

func marshalSets(m *types.Memory) ([]byte, []byte, error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, nil, types.Wrap(types.KindValidation, err, "tags are not serialisable")
	}
	shares := m.SharedWith
	if shares == nil {
		shares = map[string]types.Permission{}
	}
	sharedJSON, err := json.Marshal(shares)
	if err != nil {
		return nil, nil, types.Wrap(types.KindValidation, err, "share set is not serialisable")
	}
	return tagJSON, sharedJSON, nil
}

func embeddingValue(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// retry re-runs fn on transient database failures. Domain errors pass
// through untouched; exhausted retries surface as ErrStorage with the SQL
// detail kept out of the message.
func (p *Postgres) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var domainErr *types.Error
		if errors.As(err, &domainErr) {
			return err
		}
		if !transient(err) {
			break
		}
		p.logger.Warn("transient database failure",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return types.Wrap(types.KindTimeout, ctx.Err(), "database operation cancelled")
		case <-time.After(retryBaseDur << attempt):
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.Wrap(types.KindTimeout, err, "database operation timed out")
	}
	return storageErr(err)
}

// transient reports whether the failure class is worth retrying:
// serialization conflicts, deadlocks, and connection-level faults.
func transient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "40", "08", "53", "57":
			return true
		}
		return false
	}
	return errors.Is(err, sql.ErrConnDone)
}

func storageErr(err error) error {
	var domainErr *types.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return types.Wrap(types.KindStorage, err, "storage operation failed")
}
