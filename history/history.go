// Package history keeps the append-only version ledger for each design
// sheet. Every accepted generation result, baseline included, lands here as
// one immutable DesignVersion row. The chain is strictly linear: each version
// names its parent, and the schema refuses a second child for any parent, so
// a sheet's history is a single path from the baseline to the latest state
// with no branches and no rewrites.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/atelier/dbopen"
	"github.com/hazyhaar/atelier/idgen"
	"github.com/hazyhaar/atelier/imgcmp"
	"github.com/hazyhaar/atelier/reqbuild"
)

var (
	// ErrNotFound is returned when no version matches the query.
	ErrNotFound = errors.New("history: version not found")
	// ErrNotLinear is returned when an append would fork the chain, either
	// by reusing a parent that already has a child or by naming a parent
	// that is not the current tip.
	ErrNotLinear = errors.New("history: append would break the linear chain")
)

// Schema creates the version ledger. parent_version_id is '' for the
// baseline entry; the UNIQUE constraint gives every parent at most one
// child, which is what keeps the chain linear (SQLite treats NULLs as
// distinct under UNIQUE, so the empty string stands in for "no parent").
const Schema = `
CREATE TABLE IF NOT EXISTS design_versions (
    version_id        TEXT PRIMARY KEY,
    design_id         TEXT NOT NULL,
    sheet_id          TEXT NOT NULL,
    parent_version_id TEXT NOT NULL DEFAULT '',
    result_image_ref  TEXT NOT NULL,
    applied_delta     TEXT NOT NULL DEFAULT '',
    comparison_report TEXT NOT NULL DEFAULT '',
    strictness_level  INTEGER NOT NULL DEFAULT 0,
    engine_version    TEXT NOT NULL DEFAULT '',
    duration_ms       INTEGER NOT NULL DEFAULT 0,
    accepted_at       INTEGER NOT NULL,
    UNIQUE (design_id, sheet_id, parent_version_id)
);
CREATE INDEX IF NOT EXISTS idx_design_versions_sheet
    ON design_versions (design_id, sheet_id, accepted_at);
`

// DesignVersion is one accepted state of a sheet.
type DesignVersion struct {
	VersionID       string
	DesignID        string
	SheetID         string
	ParentVersionID string // empty for the baseline entry
	ResultImageRef  string
	// AppliedDelta is nil on the baseline entry.
	AppliedDelta *reqbuild.Delta
	// Report is nil on the baseline entry (nothing to compare against).
	Report *imgcmp.Report
	// StrictnessLevel records how many retry escalations the accepted
	// attempt needed (0 means first try).
	StrictnessLevel int
	EngineVersion   string
	Duration        time.Duration
	AcceptedAt      time.Time
}

// Ledger is the SQLite-backed version chain store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) LedgerOption {
	return func(s *Ledger) { s.logger = l }
}

// WithIDGenerator sets a custom version ID generator.
func WithIDGenerator(gen idgen.Generator) LedgerOption {
	return func(s *Ledger) { s.newID = gen }
}

// NewLedger wraps an open database (schema already applied, typically shared
// with the artifact store via dbopen.WithSchema(history.Schema)).
func NewLedger(db *sql.DB, opts ...LedgerOption) *Ledger {
	s := &Ledger{
		db:     db,
		logger: slog.Default(),
		newID:  idgen.Prefixed("ver_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens (or creates) a standalone ledger database at path.
func Open(path string, opts ...LedgerOption) (*Ledger, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return NewLedger(db, opts...), nil
}

// Close closes the database.
func (s *Ledger) Close() error { return s.db.Close() }

// Append records an accepted version and returns its ID. The parent must be
// the current tip of the sheet's chain (or empty on the very first entry);
// anything else returns ErrNotLinear. Rows are never updated or deleted.
func (s *Ledger) Append(ctx context.Context, v *DesignVersion) (string, error) {
	if v.DesignID == "" || v.SheetID == "" {
		return "", fmt.Errorf("history: append without design/sheet ID")
	}
	if v.ResultImageRef == "" {
		return "", fmt.Errorf("history: append without result image ref")
	}

	deltaJSON, reportJSON, err := encodePayloads(v)
	if err != nil {
		return "", err
	}

	versionID := s.newID()
	acceptedAt := v.AcceptedAt
	if acceptedAt.IsZero() {
		acceptedAt = time.Now()
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		tip, err := tipLocked(ctx, tx, v.DesignID, v.SheetID)
		if err != nil {
			return err
		}
		if tip != v.ParentVersionID {
			return fmt.Errorf("history: parent %q is not the tip %q: %w",
				v.ParentVersionID, tip, ErrNotLinear)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO design_versions
			 (version_id, design_id, sheet_id, parent_version_id, result_image_ref,
			  applied_delta, comparison_report, strictness_level, engine_version,
			  duration_ms, accepted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (design_id, sheet_id, parent_version_id) DO NOTHING`,
			versionID, v.DesignID, v.SheetID, v.ParentVersionID, v.ResultImageRef,
			deltaJSON, reportJSON, v.StrictnessLevel, v.EngineVersion,
			v.Duration.Milliseconds(), acceptedAt.Unix())
		if err != nil {
			return fmt.Errorf("history: insert version: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost a race: someone appended a child for this parent between
			// the tip check and the insert.
			return fmt.Errorf("history: parent %q already has a child: %w",
				v.ParentVersionID, ErrNotLinear)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("version appended",
		"design_id", v.DesignID, "sheet_id", v.SheetID,
		"version_id", versionID, "parent_version_id", v.ParentVersionID,
		"strictness_level", v.StrictnessLevel)
	return versionID, nil
}

// Get fetches one version by ID.
func (s *Ledger) Get(ctx context.Context, versionID string) (*DesignVersion, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE version_id = ?`, versionID)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("history: version %s: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("history: get version: %w", err)
	}
	return v, nil
}

// Chain returns the sheet's full version chain ordered baseline first. An
// unknown sheet returns ErrNotFound.
func (s *Ledger) Chain(ctx context.Context, designID, sheetID string) ([]*DesignVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE design_id = ? AND sheet_id = ?`, designID, sheetID)
	if err != nil {
		return nil, fmt.Errorf("history: query chain: %w", err)
	}
	defer rows.Close()

	byParent := make(map[string]*DesignVersion)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan version: %w", err)
		}
		byParent[v.ParentVersionID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: chain: %w", err)
	}
	if len(byParent) == 0 {
		return nil, fmt.Errorf("history: chain %s/%s: %w", designID, sheetID, ErrNotFound)
	}

	// Walk parent links from the baseline; the UNIQUE constraint guarantees
	// at most one child per parent, so this visits every row exactly once.
	chain := make([]*DesignVersion, 0, len(byParent))
	for cur := byParent[""]; cur != nil; cur = byParent[cur.VersionID] {
		chain = append(chain, cur)
	}
	if len(chain) != len(byParent) {
		return nil, fmt.Errorf("history: chain %s/%s has orphaned versions", designID, sheetID)
	}
	return chain, nil
}

// Tip returns the latest version of the sheet's chain.
func (s *Ledger) Tip(ctx context.Context, designID, sheetID string) (*DesignVersion, error) {
	chain, err := s.Chain(ctx, designID, sheetID)
	if err != nil {
		return nil, err
	}
	return chain[len(chain)-1], nil
}

const selectColumns = `
SELECT version_id, design_id, sheet_id, parent_version_id, result_image_ref,
       applied_delta, comparison_report, strictness_level, engine_version,
       duration_ms, accepted_at
FROM design_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*DesignVersion, error) {
	var (
		v          DesignVersion
		deltaJSON  string
		reportJSON string
		durationMS int64
		acceptedAt int64
	)
	err := row.Scan(&v.VersionID, &v.DesignID, &v.SheetID, &v.ParentVersionID,
		&v.ResultImageRef, &deltaJSON, &reportJSON, &v.StrictnessLevel,
		&v.EngineVersion, &durationMS, &acceptedAt)
	if err != nil {
		return nil, err
	}
	v.Duration = time.Duration(durationMS) * time.Millisecond
	v.AcceptedAt = time.Unix(acceptedAt, 0).UTC()
	if deltaJSON != "" {
		v.AppliedDelta = &reqbuild.Delta{}
		if err := json.Unmarshal([]byte(deltaJSON), v.AppliedDelta); err != nil {
			return nil, fmt.Errorf("history: decode delta: %w", err)
		}
	}
	if reportJSON != "" {
		v.Report = &imgcmp.Report{}
		if err := json.Unmarshal([]byte(reportJSON), v.Report); err != nil {
			return nil, fmt.Errorf("history: decode report: %w", err)
		}
	}
	return &v, nil
}

func encodePayloads(v *DesignVersion) (deltaJSON, reportJSON string, err error) {
	if v.AppliedDelta != nil {
		b, err := json.Marshal(v.AppliedDelta)
		if err != nil {
			return "", "", fmt.Errorf("history: marshal delta: %w", err)
		}
		deltaJSON = string(b)
	}
	if v.Report != nil {
		b, err := json.Marshal(v.Report)
		if err != nil {
			return "", "", fmt.Errorf("history: marshal report: %w", err)
		}
		reportJSON = string(b)
	}
	return deltaJSON, reportJSON, nil
}

// tipLocked returns the current tip version ID inside the caller's
// transaction, or "" for an empty chain.
func tipLocked(ctx context.Context, tx *sql.Tx, designID, sheetID string) (string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT version_id, parent_version_id FROM design_versions
		 WHERE design_id = ? AND sheet_id = ?`, designID, sheetID)
	if err != nil {
		return "", fmt.Errorf("history: query tip: %w", err)
	}
	defer rows.Close()

	children := make(map[string]string) // parent -> child
	for rows.Next() {
		var id, parent string
		if err := rows.Scan(&id, &parent); err != nil {
			return "", fmt.Errorf("history: scan tip: %w", err)
		}
		children[parent] = id
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	tip := ""
	for {
		child, ok := children[tip]
		if !ok {
			return tip, nil
		}
		tip = child
	}
}
