package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/decidekit/internal/db"
	"github.com/sells-group/decidekit/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgRunColumns = `id, user_id, raw_input, original_input, stage, failure, verdict, confidence,
	input_tokens, output_tokens, cost_usd, created_at, updated_at`

const (
	pgInsertRun = `INSERT INTO analyses (id, user_id, raw_input, original_input, stage, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	pgGetRun       = `SELECT ` + pgRunColumns + ` FROM analyses WHERE id = $1`
	pgAdvanceStage = `UPDATE analyses SET stage = $1, updated_at = $2 WHERE id = $3 AND stage = $4`
	pgFailRun      = `UPDATE analyses SET stage = $1, failure = $2, updated_at = $3
	WHERE id = $4 AND stage NOT IN ` + terminalStages
	pgUpdateUsage = `UPDATE analyses SET
		input_tokens = GREATEST(input_tokens, $1),
		output_tokens = GREATEST(output_tokens, $2),
		cost_usd = GREATEST(cost_usd, $3),
		updated_at = $4
	WHERE id = $5 AND stage NOT IN ` + terminalStages
	pgReadStage = `SELECT stage FROM analyses WHERE id = $1`
	pgTouchRun  = `UPDATE analyses SET updated_at = $1
	WHERE id = $2 AND stage NOT IN ` + terminalStages
	pgUpdateVerdict = `UPDATE analyses SET verdict = $1, confidence = $2, updated_at = $3
	WHERE id = $4 AND stage NOT IN ` + terminalStages
)

// preparedQueries are prepared on each new connection. Each statement is
// named by its own text so Exec/Query with that text reuse it.
var preparedQueries = []string{
	pgInsertRun,
	pgGetRun,
	pgAdvanceStage,
	pgFailRun,
	pgUpdateUsage,
	pgReadStage,
	pgTouchRun,
	pgUpdateVerdict,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for _, q := range preparedQueries {
			if _, err := conn.Prepare(ctx, q, q); err != nil {
				return eris.Wrap(err, "postgres: prepare statement")
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, now: utcNow}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id             TEXT PRIMARY KEY,
	user_id        BIGINT NOT NULL,
	raw_input      TEXT NOT NULL,
	original_input TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL DEFAULT 'QUEUED',
	failure        JSONB,
	verdict        TEXT,
	confidence     DOUBLE PRECISION,
	input_tokens   BIGINT NOT NULL DEFAULT 0,
	output_tokens  BIGINT NOT NULL DEFAULT 0,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidates (
	run_id   TEXT NOT NULL REFERENCES analyses(id),
	position INTEGER NOT NULL,
	name     TEXT NOT NULL,
	url      TEXT NOT NULL,
	admitted BOOLEAN NOT NULL,
	overlap  DOUBLE PRECISION NOT NULL,
	data     JSONB NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS evidence_signals (
	run_id     TEXT NOT NULL REFERENCES analyses(id),
	position   INTEGER NOT NULL,
	pain_theme TEXT NOT NULL,
	severity   TEXT NOT NULL,
	impact     TEXT NOT NULL,
	data       JSONB NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS pain_clusters (
	run_id       TEXT NOT NULL REFERENCES analyses(id),
	position     INTEGER NOT NULL,
	cluster_id   TEXT NOT NULL,
	cluster_name TEXT NOT NULL,
	severity     TEXT NOT NULL,
	data         JSONB NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS feature_decisions (
	run_id       TEXT NOT NULL REFERENCES analyses(id),
	position     INTEGER NOT NULL,
	feature_id   TEXT NOT NULL,
	mvp_priority BOOLEAN NOT NULL,
	data         JSONB NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS kill_switch (
	run_id            TEXT PRIMARY KEY REFERENCES analyses(id),
	verdict           TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	data              JSONB NOT NULL,
	confidence_detail JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS prd (
	run_id TEXT PRIMARY KEY REFERENCES analyses(id),
	data   JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_user_created ON analyses(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_analyses_stage ON analyses(stage);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, req model.NewRunRequest) (*model.AnalysisRun, error) {
	id := uuid.New().String()
	now := s.now()

	_, err := s.pool.Exec(ctx, pgInsertRun,
		id, req.UserID, req.RawInput, req.OriginalInput, string(model.StageQueued), now, now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.AnalysisRun{
		ID:            id,
		UserID:        req.UserID,
		RawInput:      req.RawInput,
		OriginalInput: req.OriginalInput,
		Stage:         model.StageQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	run, err := scanPostgresRun(s.pool.QueryRow(ctx, pgGetRun, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error) {
	query := `SELECT ` + pgRunColumns + ` FROM analyses WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.UserID != nil {
		query += ` AND user_id = ` + arg(*filter.UserID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ` + arg(string(filter.Stage))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	runs := []model.AnalysisRun{}
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) AdvanceStage(ctx context.Context, runID string, from, to model.Stage) error {
	if err := validateTransition(from, to); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, pgAdvanceStage, string(to), s.now(), runID, string(from))
	if err != nil {
		return eris.Wrapf(err, "postgres: advance stage %s", runID)
	}
	return s.checkConditional(ctx, tag.RowsAffected(), runID)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, failure model.Failure) error {
	raw, err := json.Marshal(failure)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal failure")
	}
	tag, err := s.pool.Exec(ctx, pgFailRun, string(model.StageFailed), raw, s.now(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	return s.checkConditional(ctx, tag.RowsAffected(), runID)
}

func (s *PostgresStore) UpdateUsage(ctx context.Context, runID string, usage model.TokenUsage, costUSD float64) error {
	tag, err := s.pool.Exec(ctx, pgUpdateUsage,
		usage.InputTokens, usage.OutputTokens, costUSD, s.now(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update usage %s", runID)
	}
	return s.checkConditional(ctx, tag.RowsAffected(), runID)
}

func (s *PostgresStore) SaveCandidates(ctx context.Context, runID string, verdicts []model.CandidateVerdict) error {
	rows, err := candidateRows(runID, verdicts)
	if err != nil {
		return err
	}
	return s.replaceRows(ctx, "candidates", candidateColumns, runID, rows)
}

func (s *PostgresStore) SaveEvidence(ctx context.Context, runID string, signals []model.EvidenceSignal) error {
	rows, err := evidenceRows(runID, signals)
	if err != nil {
		return err
	}
	return s.replaceRows(ctx, "evidence_signals", evidenceColumns, runID, rows)
}

func (s *PostgresStore) SaveClusters(ctx context.Context, runID string, clusters []model.PainCluster) error {
	rows, err := clusterRows(runID, clusters)
	if err != nil {
		return err
	}
	return s.replaceRows(ctx, "pain_clusters", clusterColumns, runID, rows)
}

func (s *PostgresStore) SaveDecisions(ctx context.Context, runID string, decisions []model.FeatureDecision) error {
	rows, err := decisionRows(runID, decisions)
	if err != nil {
		return err
	}
	return s.replaceRows(ctx, "feature_decisions", decisionColumns, runID, rows)
}

func (s *PostgresStore) SaveVerdict(ctx context.Context, runID string, verdict model.Verdict, conf model.ConfidenceResult) error {
	verdictJSON, err := json.Marshal(verdict)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal verdict")
	}
	confJSON, err := json.Marshal(conf)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal confidence")
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, pgUpdateVerdict,
			string(verdict.Decision), verdict.Confidence, s.now(), runID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update verdict %s", runID)
		}
		if err := pgCheckOpen(ctx, tx, tag.RowsAffected(), runID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO kill_switch (run_id, verdict, confidence, data, confidence_detail)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (run_id) DO UPDATE SET verdict = EXCLUDED.verdict, confidence = EXCLUDED.confidence,
			 data = EXCLUDED.data, confidence_detail = EXCLUDED.confidence_detail`,
			runID, string(verdict.Decision), verdict.Confidence, verdictJSON, confJSON,
		)
		return eris.Wrapf(err, "postgres: save kill switch %s", runID)
	})
}

func (s *PostgresStore) SaveBlueprint(ctx context.Context, runID string, bp model.Blueprint) error {
	raw, err := json.Marshal(bp)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal blueprint")
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.touchOpen(ctx, tx, runID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO prd (run_id, data) VALUES ($1, $2)
			 ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data`,
			runID, raw,
		)
		return eris.Wrapf(err, "postgres: save blueprint %s", runID)
	})
}

func (s *PostgresStore) GetReport(ctx context.Context, runID string) (*model.Report, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var parts reportParts
	for _, load := range []struct {
		table string
		dst   *[][]byte
	}{
		{"candidates", &parts.candidates},
		{"evidence_signals", &parts.evidence},
		{"pain_clusters", &parts.clusters},
		{"feature_decisions", &parts.decisions},
	} {
		if *load.dst, err = s.loadData(ctx, load.table, runID); err != nil {
			return nil, err
		}
	}

	err = s.pool.QueryRow(ctx,
		`SELECT data, confidence_detail FROM kill_switch WHERE run_id = $1`, runID,
	).Scan(&parts.verdict, &parts.confidence)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: load kill switch %s", runID)
	}

	err = s.pool.QueryRow(ctx, `SELECT data FROM prd WHERE run_id = $1`, runID).Scan(&parts.blueprint)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: load prd %s", runID)
	}

	return parts.build(run)
}

// replaceRows deletes a run's rows from table and COPYs in the new set.
func (s *PostgresStore) replaceRows(ctx context.Context, table string, columns []string, runID string, rows [][]any) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.touchOpen(ctx, tx, runID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE run_id = $1`, runID); err != nil {
			return eris.Wrapf(err, "postgres: clear %s for %s", table, runID)
		}
		_, err := db.CopyFrom(ctx, tx, table, columns, rows)
		return err
	})
}

func (s *PostgresStore) loadData(ctx context.Context, table, runID string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM `+table+` WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load %s", table)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", table)
		}
		out = append(out, data)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate %s", table)
}

func (s *PostgresStore) checkConditional(ctx context.Context, affected int64, runID string) error {
	if affected > 0 {
		return nil
	}
	var stage string
	err := s.pool.QueryRow(ctx, pgReadStage, runID).Scan(&stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read stage %s", runID)
	}
	return conflictFor(runID, model.Stage(stage))
}

// touchOpen locks runID's row for the rest of tx, failing when the run is
// missing or terminal.
func (s *PostgresStore) touchOpen(ctx context.Context, tx pgx.Tx, runID string) error {
	tag, err := tx.Exec(ctx, pgTouchRun, s.now(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch run %s", runID)
	}
	return pgCheckOpen(ctx, tx, tag.RowsAffected(), runID)
}

// pgCheckOpen is checkConditional for statements inside a transaction.
func pgCheckOpen(ctx context.Context, tx pgx.Tx, affected int64, runID string) error {
	if affected > 0 {
		return nil
	}
	var stage string
	err := tx.QueryRow(ctx, pgReadStage, runID).Scan(&stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read stage %s", runID)
	}
	return conflictFor(runID, model.Stage(stage))
}

func scanPostgresRun(row scannable) (*model.AnalysisRun, error) {
	var (
		r          model.AnalysisRun
		stage      string
		failure    []byte
		verdict    *string
		confidence *float64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.RawInput, &r.OriginalInput, &stage, &failure, &verdict, &confidence,
		&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.CostUSD, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if r.Stage, err = model.ParseStage(stage); err != nil {
		return nil, err
	}
	if r.Failure, err = decodeFailure(failure); err != nil {
		return nil, err
	}
	if verdict != nil {
		d := model.Decision(*verdict)
		r.Verdict = &d
	}
	r.Confidence = confidence
	return &r, nil
}
