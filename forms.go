package main

import (
	"errors"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
)

// FieldError reports which form field failed validation; handlers
// render it back to the client as a 400.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

const maxUploadBytes = 32 << 20

// Seed names become directory names on disk, so they are restricted to
// a filesystem-safe alphabet.
var seedNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// EntryForm is a player's uploaded re-recording: the chain it extends,
// the entry it was derived from, and the audio itself. When a sprouted
// entry is being filled in, its ID rides along in the entry field.
type EntryForm struct {
	ChainID  int64
	ParentID int64
	EntryID  int64
	Audio    multipart.File
}

func parseEntryForm(r *http.Request) (*EntryForm, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, &FieldError{Field: "audio", Message: "malformed multipart upload"}
	}

	form := &EntryForm{}

	chainID, err := strconv.ParseInt(r.FormValue("chain"), 10, 64)
	if err != nil {
		return nil, &FieldError{Field: "chain", Message: "a chain is required"}
	}
	form.ChainID = chainID

	if parent := r.FormValue("parent"); parent != "" {
		form.ParentID, err = strconv.ParseInt(parent, 10, 64)
		if err != nil {
			return nil, &FieldError{Field: "parent", Message: "invalid parent entry"}
		}
	}

	if entry := r.FormValue("entry"); entry != "" {
		form.EntryID, err = strconv.ParseInt(entry, 10, 64)
		if err != nil {
			return nil, &FieldError{Field: "entry", Message: "invalid entry"}
		}
	}

	audio, _, err := r.FormFile("audio")
	if err != nil {
		return nil, &FieldError{Field: "audio", Message: "an audio recording is required"}
	}
	form.Audio = audio

	return form, nil
}

// validate checks the form against the store and returns the entry the
// upload will fill: either the existing sprouted entry, or a fresh one
// with its generation derived from the parent.
func (f *EntryForm) validate(s *Store) (*Entry, error) {
	chain, err := s.GetChain(f.ChainID)
	if errors.Is(err, ErrNotFound) {
		return nil, &FieldError{Field: "chain", Message: "no such chain"}
	}
	if err != nil {
		return nil, err
	}

	if f.EntryID != 0 {
		entry, err := s.GetEntry(f.EntryID)
		if errors.Is(err, ErrNotFound) {
			return nil, &FieldError{Field: "entry", Message: "no such entry"}
		}
		if err != nil {
			return nil, err
		}
		if entry.ChainID != chain.ID {
			return nil, &FieldError{Field: "entry", Message: "entry belongs to a different chain"}
		}
		if entry.Filled() {
			return nil, &FieldError{Field: "entry", Message: "entry already has a recording"}
		}
		return entry, nil
	}

	count, err := s.EntryCount(chain.ID)
	if err != nil {
		return nil, err
	}

	// Only the generation-0 seed entry may omit a parent.
	if count > 0 && f.ParentID == 0 {
		return nil, &FieldError{Field: "parent", Message: "a parent entry is required"}
	}

	entry := &Entry{ChainID: chain.ID}
	if f.ParentID != 0 {
		parent, err := s.GetEntry(f.ParentID)
		if errors.Is(err, ErrNotFound) {
			return nil, &FieldError{Field: "parent", Message: "no such parent entry"}
		}
		if err != nil {
			return nil, err
		}
		if parent.ChainID != chain.ID {
			return nil, &FieldError{Field: "parent", Message: "parent belongs to a different chain"}
		}
		entry.ParentID = parent.ID
		entry.Generation = parent.Generation + 1
	}

	return entry, nil
}

// save validates the form, stores the audio under the chain directory
// as {seed}-{generation}.wav, and persists the entry.
func (f *EntryForm) save(s *Store, m *MediaStore) (*Entry, error) {
	entry, err := f.validate(s)
	if err != nil {
		return nil, err
	}

	if entry.ID == 0 {
		if err := s.CreateEntry(entry); err != nil {
			return nil, err
		}
	}

	chain, err := s.GetChain(entry.ChainID)
	if err != nil {
		return nil, err
	}

	dir, err := s.ChainDir(chain)
	if err != nil {
		return nil, err
	}

	seed, err := s.SeedByChain(entry.ChainID)
	if err != nil {
		return nil, err
	}

	dest := m.EntryPath(dir, seed.Name, entry.Generation, entry.ID)
	if err := m.Save(dest, f.Audio); err != nil {
		return nil, err
	}

	entry.Filename = dest
	if err := s.UpdateEntryFilename(entry.ID, dest); err != nil {
		return nil, err
	}

	return entry, nil
}

// SeedForm uploads a named seed recording.
type SeedForm struct {
	Name  string
	Audio multipart.File
}

func parseSeedForm(r *http.Request) (*SeedForm, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, &FieldError{Field: "audio", Message: "malformed multipart upload"}
	}

	form := &SeedForm{Name: r.FormValue("name")}

	audio, _, err := r.FormFile("audio")
	if err != nil {
		return nil, &FieldError{Field: "audio", Message: "an audio recording is required"}
	}
	form.Audio = audio

	return form, nil
}

func (f *SeedForm) save(s *Store, m *MediaStore) (*Seed, error) {
	if !seedNamePattern.MatchString(f.Name) {
		return nil, &FieldError{Field: "name", Message: "a name is required (letters, digits, - and _ only)"}
	}

	if _, err := s.SeedByName(f.Name); err == nil {
		return nil, &FieldError{Field: "name", Message: "a seed with that name already exists"}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	dest := m.SeedPath(f.Name)
	if err := m.Save(dest, f.Audio); err != nil {
		return nil, err
	}

	seed := &Seed{Name: f.Name, Filename: f.Name + ".wav"}
	if err := s.CreateSeed(seed); err != nil {
		return nil, err
	}

	return seed, nil
}

// GameForm creates a game together with one cluster per listed seed,
// each cluster pre-populated with a number of seeded chains.
type GameForm struct {
	Name           string
	Order          string
	Method         string
	CompletionCode string
	SeedNames      []string
	ChainsPerSeed  int
}

func parseGameForm(r *http.Request) (*GameForm, error) {
	if err := r.ParseForm(); err != nil {
		return nil, &FieldError{Field: "form", Message: "malformed form"}
	}

	form := &GameForm{
		Name:           r.FormValue("name"),
		Order:          r.FormValue("order"),
		Method:         r.FormValue("method"),
		CompletionCode: r.FormValue("completion_code"),
		SeedNames:      r.Form["seed"],
		ChainsPerSeed:  1,
	}

	if chains := r.FormValue("chains"); chains != "" {
		n, err := strconv.Atoi(chains)
		if err != nil || n < 1 {
			return nil, &FieldError{Field: "chains", Message: "chains per seed must be a positive number"}
		}
		form.ChainsPerSeed = n
	}

	return form, nil
}

func (f *GameForm) save(s *Store, m *MediaStore) (*Game, error) {
	switch f.Order {
	case "", OrderSequential, OrderRandom:
	default:
		return nil, &FieldError{Field: "order", Message: "order must be SEQ or RND"}
	}
	switch f.Method {
	case "", MethodShortest, MethodRandom:
	default:
		return nil, &FieldError{Field: "method", Message: "method must be SRT or RND"}
	}
	if len(f.SeedNames) == 0 {
		return nil, &FieldError{Field: "seed", Message: "at least one seed is required"}
	}

	seeds := make([]*Seed, 0, len(f.SeedNames))
	for _, name := range f.SeedNames {
		seed, err := s.SeedByName(name)
		if errors.Is(err, ErrNotFound) {
			return nil, &FieldError{Field: "seed", Message: "no such seed: " + name}
		}
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}

	game := &Game{
		Name:           f.Name,
		Order:          f.Order,
		CompletionCode: f.CompletionCode,
	}
	if err := s.CreateGame(game); err != nil {
		return nil, err
	}

	for _, seed := range seeds {
		cluster := &Cluster{GameID: game.ID, SeedID: seed.ID, Method: f.Method}
		if err := s.CreateCluster(cluster); err != nil {
			return nil, err
		}
		if _, err := createChains(s, m, cluster, f.ChainsPerSeed); err != nil {
			return nil, err
		}
	}

	return game, nil
}
