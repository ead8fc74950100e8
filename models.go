// Telephone game records.
//
// A Game groups Clusters, a Cluster groups Chains sharing a Seed, and a
// Chain is a linear run of Entries linked by parent IDs. Players move
// through a game one cluster at a time: the game picks a cluster the
// player hasn't visited, the cluster picks a chain, and the chain
// prepares the next entry to record.

package main

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

// Game.Order values: how the next cluster is chosen.
const (
	OrderSequential = "SEQ"
	OrderRandom     = "RND"
)

// Cluster.Method values: how the next chain is chosen.
const (
	MethodShortest = "SRT"
	MethodRandom   = "RND"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

var (
	ErrNoClusters = errors.New("no clusters in game")
	ErrAllVisited = errors.New("all clusters already visited")
	ErrNoChains   = errors.New("no chains in cluster")
	ErrNoEntries  = errors.New("no entries in chain")
	ErrChainFull  = errors.New("chain already has a seed entry")
	ErrNotFound   = errors.New("record not found")
)

type Game struct {
	ID             int64
	Name           string
	Status         string
	Order          string
	CompletionCode string
}

// DisplayName is what players see; unnamed games fall back to Dir.
func (g *Game) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return g.Dir()
}

// Dir always uses the primary key, even for named games, so renaming a
// game never orphans its audio files.
func (g *Game) Dir() string {
	return fmt.Sprintf("game-%d", g.ID)
}

type Seed struct {
	ID       int64
	Name     string
	Filename string
}

// Path is the seed's audio file location relative to the media root.
func (s *Seed) Path() string {
	return "seeds/" + s.Filename
}

type Cluster struct {
	ID     int64
	GameID int64
	SeedID int64
	Name   string
	Method string
}

func (c *Cluster) Dir() string {
	return c.Name
}

type Chain struct {
	ID        int64
	ClusterID int64
}

type Entry struct {
	ID         int64
	ChainID    int64
	ParentID   int64 // 0 for the generation-0 seed entry
	Generation int
	Filename   string
}

// Filled reports whether this entry has audio attached yet. Sprouted
// entries sit unfilled until a player uploads a recording for them.
func (e *Entry) Filled() bool {
	return e.Filename != ""
}

// PickCluster selects the next cluster for a player, excluding clusters
// whose IDs appear in receipts. Sequential games pick clusters in the
// order they were added; random games pick uniformly from the rest.
func (s *Store) PickCluster(g *Game, receipts []int64) (*Cluster, error) {
	clusters, err := s.ClustersByGame(g.ID)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, ErrNoClusters
	}

	remaining := clusters[:0:0]
	for _, c := range clusters {
		if !slices.Contains(receipts, c.ID) {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		return nil, ErrAllVisited
	}

	if g.Order == OrderRandom {
		return remaining[rand.Intn(len(remaining))], nil
	}

	return remaining[0], nil
}

// PickChain selects a chain within the cluster. The shortest-first
// method grows all chains of a cluster at roughly the same rate.
func (s *Store) PickChain(c *Cluster) (*Chain, error) {
	chains, err := s.ChainsByCluster(c.ID)
	if err != nil {
		return nil, err
	}
	if len(chains) == 0 {
		return nil, ErrNoChains
	}

	if c.Method == MethodRandom {
		return chains[rand.Intn(len(chains))], nil
	}

	shortest := chains[0]
	shortestCount, err := s.EntryCount(shortest.ID)
	if err != nil {
		return nil, err
	}
	for _, ch := range chains[1:] {
		count, err := s.EntryCount(ch.ID)
		if err != nil {
			return nil, err
		}
		if count < shortestCount {
			shortest, shortestCount = ch, count
		}
	}

	return shortest, nil
}

// PrepareEntry returns the entry a player should record next for this
// chain. Sprouted (unfilled) entries are served first, oldest
// generation first; otherwise an unsaved child of the newest entry is
// returned, with its generation already filled in.
func (s *Store) PrepareEntry(ch *Chain) (*Entry, error) {
	pending, err := s.UnfilledEntries(ch.ID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending[0], nil
	}

	last, err := s.NewestEntry(ch.ID)
	if err != nil {
		return nil, err
	}

	return &Entry{
		ChainID:    ch.ID,
		ParentID:   last.ID,
		Generation: last.Generation + 1,
	}, nil
}

// PrepareGameEntry walks game -> cluster -> chain and prepares the next
// entry. The picked cluster is returned alongside so the caller can
// issue a receipt for it once the player uploads.
func (s *Store) PrepareGameEntry(g *Game, receipts []int64) (*Cluster, *Entry, error) {
	cluster, err := s.PickCluster(g, receipts)
	if err != nil {
		return nil, nil, err
	}

	chain, err := s.PickChain(cluster)
	if err != nil {
		return nil, nil, err
	}

	entry, err := s.PrepareEntry(chain)
	if err != nil {
		return nil, nil, err
	}

	return cluster, entry, nil
}

// createEntryFromSeed makes the generation-0 entry of an empty chain by
// copying the cluster's seed audio into the chain directory.
func createEntryFromSeed(s *Store, m *MediaStore, ch *Chain) (*Entry, error) {
	count, err := s.EntryCount(ch.ID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrChainFull
	}

	seed, err := s.SeedByChain(ch.ID)
	if err != nil {
		return nil, err
	}

	dir, err := s.ChainDir(ch)
	if err != nil {
		return nil, err
	}

	entry := &Entry{ChainID: ch.ID}
	if err := s.CreateEntry(entry); err != nil {
		return nil, err
	}

	dest := m.EntryPath(dir, seed.Name, entry.Generation, entry.ID)
	if err := m.Copy(seed.Path(), dest); err != nil {
		// don't leave an unfilled row behind for the switchboard to trip on
		_ = s.DeleteEntry(entry.ID)
		return nil, err
	}

	entry.Filename = dest
	if err := s.UpdateEntryFilename(entry.ID, dest); err != nil {
		return nil, err
	}

	return entry, nil
}

// createChains makes n chains in the cluster, each populated with its
// generation-0 seed entry.
func createChains(s *Store, m *MediaStore, cluster *Cluster, n int) ([]*Chain, error) {
	chains := make([]*Chain, 0, n)
	for i := 0; i < n; i++ {
		ch := &Chain{ClusterID: cluster.ID}
		if err := s.CreateChain(ch); err != nil {
			return nil, err
		}
		if _, err := createEntryFromSeed(s, m, ch); err != nil {
			return nil, err
		}
		chains = append(chains, ch)
	}
	return chains, nil
}
