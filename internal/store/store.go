// Package store persists the pairing bond and the last adopted pattern
// generation, so a node restarting mid-session rejoins the same peer and
// never resurrects an older pattern clock.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tactlink/tactlink/internal/model"

	_ "modernc.org/sqlite"
)

// Bond records the one peer this node is paired with.
type Bond struct {
	PeerID   string
	PeerZone model.Zone
	BondedAt time.Time
	LastSeen time.Time
}

// Store manages SQLite persistence with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bonds (
		peer_id   TEXT PRIMARY KEY,
		peer_zone TEXT NOT NULL,
		bonded_at TEXT NOT NULL,
		last_seen TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generations (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		seq        INTEGER NOT NULL,
		born_at_us INTEGER NOT NULL,
		cycle_us   INTEGER NOT NULL,
		origin     TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveBond creates or refreshes the bond with a peer. Idempotent via
// ON CONFLICT.
func (s *Store) SaveBond(peerID string, zone model.Zone) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(
		`INSERT INTO bonds (peer_id, peer_zone, bonded_at, last_seen)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET last_seen = excluded.last_seen`,
		peerID, zone.String(), now, now,
	)
	return err
}

// LoadBond returns the stored bond, or (nil, nil) when none exists.
func (s *Store) LoadBond() (*Bond, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, peer_zone, bonded_at, last_seen FROM bonds LIMIT 1`,
	)
	var b Bond
	var zoneStr, bondedStr, seenStr string
	if err := row.Scan(&b.PeerID, &zoneStr, &bondedStr, &seenStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	b.PeerZone, _ = model.ParseZone(zoneStr)
	var parseErr error
	b.BondedAt, parseErr = time.Parse(time.RFC3339Nano, bondedStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse bonded_at for peer %s: %w", b.PeerID, parseErr)
	}
	b.LastSeen, parseErr = time.Parse(time.RFC3339Nano, seenStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse last_seen for peer %s: %w", b.PeerID, parseErr)
	}
	return &b, nil
}

// IsPeerBonded reports whether the given peer is the stored bond.
func (s *Store) IsPeerBonded(peerID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM bonds WHERE peer_id = ?`, peerID,
	).Scan(&n)
	return n > 0, err
}

// DeleteBond removes the stored bond, used when re-pairing.
func (s *Store) DeleteBond() error {
	_, err := s.db.Exec(`DELETE FROM bonds`)
	return err
}

// SaveGeneration persists the latest committed pattern generation.
func (s *Store) SaveGeneration(g model.Generation) error {
	_, err := s.db.Exec(
		`INSERT INTO generations (id, seq, born_at_us, cycle_us, origin)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   seq = excluded.seq,
		   born_at_us = excluded.born_at_us,
		   cycle_us = excluded.cycle_us,
		   origin = excluded.origin`,
		g.Seq, g.BornAtMicros, g.CycleMicros, g.Origin,
	)
	return err
}

// LoadGeneration returns the persisted generation, or the zero value when
// none was stored.
func (s *Store) LoadGeneration() (model.Generation, error) {
	var g model.Generation
	err := s.db.QueryRow(
		`SELECT seq, born_at_us, cycle_us, origin FROM generations WHERE id = 1`,
	).Scan(&g.Seq, &g.BornAtMicros, &g.CycleMicros, &g.Origin)
	if err == sql.ErrNoRows {
		return model.Generation{}, nil
	}
	return g, err
}
