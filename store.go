package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists games, seeds, clusters, chains, and entries in SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS games (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		cluster_order TEXT NOT NULL DEFAULT 'SEQ',
		completion_code TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS seeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS clusters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		game_id INTEGER NOT NULL REFERENCES games(id),
		seed_id INTEGER NOT NULL REFERENCES seeds(id),
		name TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT 'SRT',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_clusters_game ON clusters(game_id);

	CREATE TABLE IF NOT EXISTS chains (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cluster_id INTEGER NOT NULL REFERENCES clusters(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chains_cluster ON chains(cluster_id);

	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chain_id INTEGER NOT NULL REFERENCES chains(id),
		parent_id INTEGER REFERENCES entries(id),
		generation INTEGER NOT NULL DEFAULT 0,
		filename TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_entries_chain ON entries(chain_id);
	CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- Games ----

func (s *Store) CreateGame(g *Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.Status == "" {
		g.Status = StatusActive
	}
	if g.Order == "" {
		g.Order = OrderSequential
	}

	res, err := s.db.Exec(
		`INSERT INTO games (name, status, cluster_order, completion_code) VALUES (?, ?, ?, ?)`,
		g.Name, g.Status, g.Order, g.CompletionCode,
	)
	if err != nil {
		return err
	}

	g.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetGame(id int64) (*Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := &Game{}
	err := s.db.QueryRow(
		`SELECT id, name, status, cluster_order, completion_code FROM games WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.Status, &g.Order, &g.CompletionCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return g, nil
}

func (s *Store) ListGames(activeOnly bool) ([]*Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, name, status, cluster_order, completion_code FROM games ORDER BY id`
	if activeOnly {
		query = `SELECT id, name, status, cluster_order, completion_code FROM games WHERE status = 'active' ORDER BY id`
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []*Game
	for rows.Next() {
		g := &Game{}
		if err := rows.Scan(&g.ID, &g.Name, &g.Status, &g.Order, &g.CompletionCode); err != nil {
			return nil, err
		}
		games = append(games, g)
	}

	return games, rows.Err()
}

// ---- Seeds ----

func (s *Store) CreateSeed(seed *Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO seeds (name, filename) VALUES (?, ?)`,
		seed.Name, seed.Filename,
	)
	if err != nil {
		return err
	}

	seed.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetSeed(id int64) (*Seed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanSeed(s.db.QueryRow(
		`SELECT id, name, filename FROM seeds WHERE id = ?`, id))
}

func (s *Store) SeedByName(name string) (*Seed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanSeed(s.db.QueryRow(
		`SELECT id, name, filename FROM seeds WHERE name = ?`, name))
}

// SeedByChain resolves the seed a chain descends from, via its cluster.
func (s *Store) SeedByChain(chainID int64) (*Seed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanSeed(s.db.QueryRow(
		`SELECT seeds.id, seeds.name, seeds.filename
		 FROM seeds
		 JOIN clusters ON clusters.seed_id = seeds.id
		 JOIN chains ON chains.cluster_id = clusters.id
		 WHERE chains.id = ?`, chainID))
}

func (s *Store) scanSeed(row *sql.Row) (*Seed, error) {
	seed := &Seed{}
	err := row.Scan(&seed.ID, &seed.Name, &seed.Filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return seed, nil
}

func (s *Store) ListSeeds() ([]*Seed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, name, filename FROM seeds ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seeds []*Seed
	for rows.Next() {
		seed := &Seed{}
		if err := rows.Scan(&seed.ID, &seed.Name, &seed.Filename); err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}

	return seeds, rows.Err()
}

// ---- Clusters ----

// CreateCluster inserts a cluster, defaulting its name to the seed name
// and its method to shortest-first.
func (s *Store) CreateCluster(c *Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Method == "" {
		c.Method = MethodShortest
	}
	if c.Name == "" {
		err := s.db.QueryRow(`SELECT name FROM seeds WHERE id = ?`, c.SeedID).Scan(&c.Name)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
	}

	res, err := s.db.Exec(
		`INSERT INTO clusters (game_id, seed_id, name, method) VALUES (?, ?, ?, ?)`,
		c.GameID, c.SeedID, c.Name, c.Method,
	)
	if err != nil {
		return err
	}

	c.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetCluster(id int64) (*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Cluster{}
	err := s.db.QueryRow(
		`SELECT id, game_id, seed_id, name, method FROM clusters WHERE id = ?`, id,
	).Scan(&c.ID, &c.GameID, &c.SeedID, &c.Name, &c.Method)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (s *Store) ClustersByGame(gameID int64) ([]*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, game_id, seed_id, name, method FROM clusters WHERE game_id = ? ORDER BY id`,
		gameID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []*Cluster
	for rows.Next() {
		c := &Cluster{}
		if err := rows.Scan(&c.ID, &c.GameID, &c.SeedID, &c.Name, &c.Method); err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}

	return clusters, rows.Err()
}

// GameByChain resolves the game a chain belongs to, via its cluster.
func (s *Store) GameByChain(chainID int64) (*Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := &Game{}
	err := s.db.QueryRow(
		`SELECT games.id, games.name, games.status, games.cluster_order, games.completion_code
		 FROM games
		 JOIN clusters ON clusters.game_id = games.id
		 JOIN chains ON chains.cluster_id = clusters.id
		 WHERE chains.id = ?`, chainID,
	).Scan(&g.ID, &g.Name, &g.Status, &g.Order, &g.CompletionCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return g, nil
}

// ---- Chains ----

func (s *Store) CreateChain(ch *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO chains (cluster_id) VALUES (?)`, ch.ClusterID)
	if err != nil {
		return err
	}

	ch.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetChain(id int64) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch := &Chain{}
	err := s.db.QueryRow(
		`SELECT id, cluster_id FROM chains WHERE id = ?`, id,
	).Scan(&ch.ID, &ch.ClusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func (s *Store) ChainsByCluster(clusterID int64) ([]*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, cluster_id FROM chains WHERE cluster_id = ? ORDER BY id`, clusterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []*Chain
	for rows.Next() {
		ch := &Chain{}
		if err := rows.Scan(&ch.ID, &ch.ClusterID); err != nil {
			return nil, err
		}
		chains = append(chains, ch)
	}

	return chains, rows.Err()
}

// ChainIndex is the chain's 0-based position within its cluster, in
// creation order. Chains are displayed and stored on disk by index
// rather than by primary key.
func (s *Store) ChainIndex(ch *Chain) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var index int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM chains WHERE cluster_id = ? AND id < ?`,
		ch.ClusterID, ch.ID,
	).Scan(&index)

	return index, err
}

// ChainDir is the directory holding this chain's audio, relative to the
// media root: {game-dir}/{cluster-dir}/{chain-index}.
func (s *Store) ChainDir(ch *Chain) (string, error) {
	index, err := s.ChainIndex(ch)
	if err != nil {
		return "", err
	}

	cluster, err := s.GetCluster(ch.ClusterID)
	if err != nil {
		return "", err
	}

	game, err := s.GetGame(cluster.GameID)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/%s/%d", game.Dir(), cluster.Dir(), index), nil
}

// ---- Entries ----

func (s *Store) CreateEntry(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent any
	if e.ParentID != 0 {
		parent = e.ParentID
	}

	res, err := s.db.Exec(
		`INSERT INTO entries (chain_id, parent_id, generation, filename) VALUES (?, ?, ?, ?)`,
		e.ChainID, parent, e.Generation, e.Filename,
	)
	if err != nil {
		return err
	}

	e.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetEntry(id int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanEntry(s.db.QueryRow(
		`SELECT id, chain_id, parent_id, generation, filename FROM entries WHERE id = ?`, id))
}

func (s *Store) scanEntry(row *sql.Row) (*Entry, error) {
	e := &Entry{}
	var parent sql.NullInt64
	err := row.Scan(&e.ID, &e.ChainID, &parent, &e.Generation, &e.Filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ParentID = parent.Int64

	return e, nil
}

func (s *Store) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var parent sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ChainID, &parent, &e.Generation, &e.Filename); err != nil {
			return nil, err
		}
		e.ParentID = parent.Int64
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *Store) EntriesByChain(chainID int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, chain_id, parent_id, generation, filename
		 FROM entries WHERE chain_id = ? ORDER BY generation, id`, chainID,
	)
	if err != nil {
		return nil, err
	}

	return s.scanEntries(rows)
}

// UnfilledEntries lists the chain's entries still waiting for audio,
// oldest generation first.
func (s *Store) UnfilledEntries(chainID int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, chain_id, parent_id, generation, filename
		 FROM entries WHERE chain_id = ? AND filename = '' ORDER BY generation, id`, chainID,
	)
	if err != nil {
		return nil, err
	}

	return s.scanEntries(rows)
}

// NewestEntry returns the most recently added filled entry of a chain.
func (s *Store) NewestEntry(chainID int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.scanEntry(s.db.QueryRow(
		`SELECT id, chain_id, parent_id, generation, filename
		 FROM entries WHERE chain_id = ? AND filename != ''
		 ORDER BY generation DESC, id DESC LIMIT 1`, chainID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoEntries
	}

	return entry, err
}

func (s *Store) EntryCount(chainID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM entries WHERE chain_id = ?`, chainID,
	).Scan(&count)

	return count, err
}

func (s *Store) UpdateEntryFilename(id int64, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE entries SET filename = ? WHERE id = ?`, filename, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteEntry removes an entry. Callers are responsible for only
// deleting unfilled entries with no children.
func (s *Store) DeleteEntry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// ChildCount counts entries whose parent is the given entry.
func (s *Store) ChildCount(entryID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM entries WHERE parent_id = ?`, entryID,
	).Scan(&count)

	return count, err
}
