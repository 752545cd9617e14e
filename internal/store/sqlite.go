package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/decidekit/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id             TEXT PRIMARY KEY,
	user_id        INTEGER NOT NULL,
	raw_input      TEXT NOT NULL,
	original_input TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL DEFAULT 'QUEUED',
	failure        TEXT,
	verdict        TEXT,
	confidence     REAL,
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	cost_usd       REAL NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	run_id   TEXT NOT NULL REFERENCES analyses(id),
	position INTEGER NOT NULL,
	name     TEXT NOT NULL,
	url      TEXT NOT NULL,
	admitted INTEGER NOT NULL,
	overlap  REAL NOT NULL,
	data     TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS evidence_signals (
	run_id     TEXT NOT NULL REFERENCES analyses(id),
	position   INTEGER NOT NULL,
	pain_theme TEXT NOT NULL,
	severity   TEXT NOT NULL,
	impact     TEXT NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS pain_clusters (
	run_id       TEXT NOT NULL REFERENCES analyses(id),
	position     INTEGER NOT NULL,
	cluster_id   TEXT NOT NULL,
	cluster_name TEXT NOT NULL,
	severity     TEXT NOT NULL,
	data         TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS feature_decisions (
	run_id       TEXT NOT NULL REFERENCES analyses(id),
	position     INTEGER NOT NULL,
	feature_id   TEXT NOT NULL,
	mvp_priority INTEGER NOT NULL,
	data         TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS kill_switch (
	run_id     TEXT PRIMARY KEY REFERENCES analyses(id),
	verdict    TEXT NOT NULL,
	confidence REAL NOT NULL,
	data       TEXT NOT NULL,
	confidence_detail TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prd (
	run_id TEXT PRIMARY KEY REFERENCES analyses(id),
	data   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_user_created ON analyses(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_analyses_stage ON analyses(stage);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteRunColumns = `id, user_id, raw_input, original_input, stage, failure, verdict, confidence,
	input_tokens, output_tokens, cost_usd, created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, req model.NewRunRequest) (*model.AnalysisRun, error) {
	id := uuid.New().String()
	now := s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, user_id, raw_input, original_input, stage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, req.UserID, req.RawInput, req.OriginalInput, string(model.StageQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM analyses WHERE id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM analyses WHERE 1=1`
	var args []any

	if filter.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *filter.UserID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	runs := []model.AnalysisRun{}
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) AdvanceStage(ctx context.Context, runID string, from, to model.Stage) error {
	if err := validateTransition(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET stage = ?, updated_at = ? WHERE id = ? AND stage = ?`,
		string(to), s.now(), runID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance stage %s", runID)
	}
	return s.checkConditional(ctx, res, runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, failure model.Failure) error {
	raw, err := json.Marshal(failure)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal failure")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET stage = ?, failure = ?, updated_at = ?
		 WHERE id = ? AND stage NOT IN `+terminalStages,
		string(model.StageFailed), string(raw), s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return s.checkConditional(ctx, res, runID)
}

func (s *SQLiteStore) UpdateUsage(ctx context.Context, runID string, usage model.TokenUsage, costUSD float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET
			input_tokens = MAX(input_tokens, ?),
			output_tokens = MAX(output_tokens, ?),
			cost_usd = MAX(cost_usd, ?),
			updated_at = ?
		 WHERE id = ? AND stage NOT IN `+terminalStages,
		usage.InputTokens, usage.OutputTokens, costUSD, s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update usage %s", runID)
	}
	return s.checkConditional(ctx, res, runID)
}

func (s *SQLiteStore) SaveCandidates(ctx context.Context, runID string, verdicts []model.CandidateVerdict) error {
	rows, err := candidateRows(runID, verdicts)
	if err != nil {
		return err
	}
	return s.replaceRows(ctx, "candidates", candidateColumns, runID, rows)
}

func (s *SQLiteStore) SaveEvidence(ctx context.Context, runID string, signals []model.EvidenceSignal) error {
	rows, err := evidenceRows(runID, signals)
	if err != nil {
		return err
	}
	return s.replaceRows(ctx, "evidence_signals", evidenceColumns, runID, rows)
}

func (s *SQLiteStore) SaveClusters(ctx context.Context, runID string, clusters []model.PainCluster) error {
	rows, err := clusterRows(runID, clusters)
	if err != nil {
		return err
	}
	return s.replaceRows(ctx, "pain_clusters", clusterColumns, runID, rows)
}

func (s *SQLiteStore) SaveDecisions(ctx context.Context, runID string, decisions []model.FeatureDecision) error {
	rows, err := decisionRows(runID, decisions)
	if err != nil {
		return err
	}
	return s.replaceRows(ctx, "feature_decisions", decisionColumns, runID, rows)
}

func (s *SQLiteStore) SaveVerdict(ctx context.Context, runID string, verdict model.Verdict, conf model.ConfidenceResult) error {
	verdictJSON, err := json.Marshal(verdict)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal verdict")
	}
	confJSON, err := json.Marshal(conf)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal confidence")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE analyses SET verdict = ?, confidence = ?, updated_at = ?
			 WHERE id = ? AND stage NOT IN `+terminalStages,
			string(verdict.Decision), verdict.Confidence, s.now(), runID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update verdict %s", runID)
		}
		if err := sqliteCheckOpen(ctx, tx, res, runID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kill_switch (run_id, verdict, confidence, data, confidence_detail) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(run_id) DO UPDATE SET verdict = excluded.verdict, confidence = excluded.confidence,
			 data = excluded.data, confidence_detail = excluded.confidence_detail`,
			runID, string(verdict.Decision), verdict.Confidence, string(verdictJSON), string(confJSON),
		)
		return eris.Wrapf(err, "sqlite: save kill switch %s", runID)
	})
}

func (s *SQLiteStore) SaveBlueprint(ctx context.Context, runID string, bp model.Blueprint) error {
	raw, err := json.Marshal(bp)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal blueprint")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touchOpen(ctx, tx, runID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO prd (run_id, data) VALUES (?, ?)
			 ON CONFLICT(run_id) DO UPDATE SET data = excluded.data`,
			runID, string(raw),
		)
		return eris.Wrapf(err, "sqlite: save blueprint %s", runID)
	})
}

func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*model.Report, error) {
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

	var verdictJSON, confJSON sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT data, confidence_detail FROM kill_switch WHERE run_id = ?`, runID,
	).Scan(&verdictJSON, &confJSON)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: load kill switch %s", runID)
	}
	parts.verdict = []byte(verdictJSON.String)
	parts.confidence = []byte(confJSON.String)

	var prdJSON sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT data FROM prd WHERE run_id = ?`, runID).Scan(&prdJSON)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: load prd %s", runID)
	}
	parts.blueprint = []byte(prdJSON.String)

	return parts.build(run)
}

// helpers

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// replaceRows deletes a run's rows from table and inserts the new set.
func (s *SQLiteStore) replaceRows(ctx context.Context, table string, columns []string, runID string, rows [][]any) error {
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	insert := `INSERT INTO ` + table + ` (` + strings.Join(columns, ", ") + `) VALUES ` + placeholders

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touchOpen(ctx, tx, runID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s for %s", table, runID)
		}
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return eris.Wrapf(err, "sqlite: prepare %s insert", table)
		}
		defer stmt.Close() //nolint:errcheck
		for _, row := range rows {
			for i, v := range row {
				if b, ok := v.([]byte); ok {
					row[i] = string(b)
				}
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return eris.Wrapf(err, "sqlite: insert %s for %s", table, runID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) loadData(ctx context.Context, table, runID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM `+table+` WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s", table)
	}
	defer rows.Close() //nolint:errcheck

	var out [][]byte
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", table)
		}
		out = append(out, []byte(data))
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", table)
}

// checkConditional turns a zero-row conditional update into ErrNotFound or
// ErrStageConflict.
func (s *SQLiteStore) checkConditional(ctx context.Context, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var stage string
	err = s.db.QueryRowContext(ctx, `SELECT stage FROM analyses WHERE id = ?`, runID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read stage %s", runID)
	}
	return conflictFor(runID, model.Stage(stage))
}

// touchOpen bumps updated_at on runID inside tx so artifact writes take the
// write lock first and never land on a terminal run.
func (s *SQLiteStore) touchOpen(ctx context.Context, tx *sql.Tx, runID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE analyses SET updated_at = ? WHERE id = ? AND stage NOT IN `+terminalStages,
		s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch run %s", runID)
	}
	return sqliteCheckOpen(ctx, tx, res, runID)
}

// sqliteCheckOpen is checkConditional for statements inside a transaction.
func sqliteCheckOpen(ctx context.Context, tx *sql.Tx, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var stage string
	err = tx.QueryRowContext(ctx, `SELECT stage FROM analyses WHERE id = ?`, runID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read stage %s", runID)
	}
	return conflictFor(runID, model.Stage(stage))
}

func scanSQLiteRun(row scannable) (*model.AnalysisRun, error) {
	var (
		r          model.AnalysisRun
		stage      string
		failure    sql.NullString
		verdict    sql.NullString
		confidence sql.NullFloat64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.RawInput, &r.OriginalInput, &stage, &failure, &verdict, &confidence,
		&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.CostUSD, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if r.Stage, err = model.ParseStage(stage); err != nil {
		return nil, err
	}
	if failure.Valid {
		if r.Failure, err = decodeFailure([]byte(failure.String)); err != nil {
			return nil, err
		}
	}
	if verdict.Valid {
		d := model.Decision(verdict.String)
		r.Verdict = &d
	}
	if confidence.Valid {
		c := confidence.Float64
		r.Confidence = &c
	}
	return &r, nil
}
