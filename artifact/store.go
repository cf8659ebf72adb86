package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/atelier/dbopen"
	"github.com/hazyhaar/atelier/idgen"
	"github.com/hazyhaar/atelier/imgcmp"
	"github.com/hazyhaar/atelier/seedid"
)

// Schema creates the baseline and blob tables.
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
    ref        TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS baseline_artifacts (
    design_id     TEXT NOT NULL,
    sheet_id      TEXT NOT NULL,
    baseline_id   TEXT NOT NULL UNIQUE,
    image_ref     TEXT NOT NULL REFERENCES blobs(ref),
    content_hash  TEXT NOT NULL,
    spec_snapshot TEXT NOT NULL,
    seed          INTEGER NOT NULL,
    region_map    TEXT NOT NULL,
    created_at    INTEGER NOT NULL,
    PRIMARY KEY (design_id, sheet_id)
);
`

// Store is the SQLite-backed baseline artifact store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithIDGenerator sets a custom baseline ID generator.
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// NewStore wraps an open database (schema already applied, typically via
// dbopen.WithSchema(artifact.Schema)).
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		newID:  idgen.Prefixed("bas_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens (or creates) the artifact database at path with the schema
// applied.
func Open(path string, opts ...StoreOption) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return NewStore(db, opts...), nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle so the history ledger can share one database file.
func (s *Store) DB() *sql.DB { return s.db }

// PutBlob stores bytes content-addressed and returns their ref. Re-storing
// identical bytes is a no-op returning the same ref.
func (s *Store) PutBlob(ctx context.Context, data []byte) (string, error) {
	ref := seedid.ContentHash(data)
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO blobs (ref, data, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (ref) DO NOTHING`,
		ref, data, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("artifact: put blob: %w", err)
	}
	return ref, nil
}

// GetBlob fetches bytes by ref.
func (s *Store) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE ref = ?`, ref).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact: blob %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: get blob: %w", err)
	}
	return data, nil
}

// Save persists a baseline bundle exactly once. The blob insert and the
// artifact row commit in one transaction, so readers never observe a partial
// write. A second Save for the same (design, sheet) returns ErrConflict.
func (s *Store) Save(ctx context.Context, a *BaselineArtifact) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}

	ref := seedid.ContentHash(a.ImageBytes)
	hash := ref // CAS ref doubles as the integrity digest
	baselineID := s.newID()

	regionJSON, err := json.Marshal(a.Regions)
	if err != nil {
		return "", fmt.Errorf("artifact: marshal regions: %w", err)
	}

	now := time.Now()
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blobs (ref, data, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (ref) DO NOTHING`,
			ref, a.ImageBytes, now.Unix()); err != nil {
			return fmt.Errorf("artifact: insert blob: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO baseline_artifacts
			 (design_id, sheet_id, baseline_id, image_ref, content_hash,
			  spec_snapshot, seed, region_map, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (design_id, sheet_id) DO NOTHING`,
			a.DesignID, a.SheetID, baselineID, ref, hash,
			string(a.SpecSnapshot), a.Seed, string(regionJSON), now.Unix())
		if err != nil {
			return fmt.Errorf("artifact: insert baseline: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("baseline saved",
		"design_id", a.DesignID, "sheet_id", a.SheetID,
		"baseline_id", baselineID, "seed", a.Seed, "image_ref", ref)
	return baselineID, nil
}

// Load fetches the baseline for (design, sheet), re-verifying the image
// digest over the loaded bytes. Returns ErrNotFound if absent, ErrCorrupt if
// the bytes no longer match: a tampered or partially written baseline is
// never handed to a caller.
//
// The returned artifact is freshly allocated on every call (copy-on-read),
// so callers holding it cannot mutate the stored state.
func (s *Store) Load(ctx context.Context, designID, sheetID string) (*BaselineArtifact, error) {
	var (
		a          BaselineArtifact
		regionJSON string
		snapshot   string
		createdAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT baseline_id, image_ref, content_hash, spec_snapshot, seed, region_map, created_at
		 FROM baseline_artifacts WHERE design_id = ? AND sheet_id = ?`,
		designID, sheetID).
		Scan(&a.BaselineID, &a.ImageRef, &a.ContentHash, &snapshot, &a.Seed, &regionJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact: baseline %s/%s: %w", designID, sheetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: load baseline: %w", err)
	}

	a.DesignID = designID
	a.SheetID = sheetID
	a.SpecSnapshot = json.RawMessage(snapshot)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.Regions = make(imgcmp.RegionMap)
	if err := json.Unmarshal([]byte(regionJSON), &a.Regions); err != nil {
		return nil, fmt.Errorf("artifact: decode regions: %w", err)
	}

	data, err := s.GetBlob(ctx, a.ImageRef)
	if err != nil {
		return nil, err
	}
	if err := verifyIntegrity(data, a.ContentHash); err != nil {
		s.logger.Error("baseline integrity check failed",
			"design_id", designID, "sheet_id", sheetID, "image_ref", a.ImageRef)
		return nil, fmt.Errorf("artifact: baseline %s/%s: %w", designID, sheetID, err)
	}
	a.ImageBytes = data
	return &a, nil
}

// Exists reports whether a baseline is already frozen for (design, sheet).
func (s *Store) Exists(ctx context.Context, designID, sheetID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM baseline_artifacts WHERE design_id = ? AND sheet_id = ?`,
		designID, sheetID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifact: exists: %w", err)
	}
	return true, nil
}
