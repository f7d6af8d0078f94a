package store

import (
	gojson "encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dejastream/core/log"
	"github.com/dejastream/core/model"
)

type JSONConfig struct {
	// Filepath is the full path to the database file.
	Filepath string
	Logger   log.Logger
}

type data struct {
	Version    uint64                      `json:"version"`
	DJs        map[string]*model.DJ        `json:"djs"`
	Decks      map[string]*model.Deck      `json:"decks"`
	Videos     map[string]*model.Video     `json:"videos"`
	Broadcasts map[string]*model.Broadcast `json:"broadcasts"`
}

const version uint64 = 1

// jsonStore persists the in-memory store to a JSON file. The file is
// rewritten completely after every mutation, first into a temporary file
// which is then renamed over the database file.
type jsonStore struct {
	*memory

	filepath string
	logger   log.Logger
}

// NewJSON returns a Store backed by a JSON file. The file is loaded
// at construction time and missing files are not an error.
func NewJSON(config JSONConfig) (Store, error) {
	s := &jsonStore{
		memory:   newMemory(),
		filepath: config.Filepath,
		logger:   config.Logger,
	}

	if len(s.filepath) == 0 {
		s.filepath = "/db.json"
	}

	if s.logger == nil {
		s.logger = log.New("")
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	s.memory.onChange = s.save

	return s, nil
}

func (s *jsonStore) load() error {
	jsondata, err := os.ReadFile(s.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read database: %w", err)
	}

	d := data{}

	if err := gojson.Unmarshal(jsondata, &d); err != nil {
		return fmt.Errorf("failed to decode database: %w", err)
	}

	if d.Version != version {
		return fmt.Errorf("invalid database version (have: %d, want: %d)", d.Version, version)
	}

	if d.DJs != nil {
		s.memory.djs = d.DJs
	}
	if d.Decks != nil {
		s.memory.decks = d.Decks
	}
	if d.Videos != nil {
		s.memory.videos = d.Videos
	}
	if d.Broadcasts != nil {
		s.memory.broadcasts = d.Broadcasts
	}

	s.logger.WithField("file", s.filepath).Debug().Log("Loaded database")

	return nil
}

// save is called by the memory store while holding its lock.
func (s *jsonStore) save() error {
	d := data{
		Version:    version,
		DJs:        s.memory.djs,
		Decks:      s.memory.decks,
		Videos:     s.memory.videos,
		Broadcasts: s.memory.broadcasts,
	}

	jsondata, err := gojson.MarshalIndent(&d, "", "    ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.filepath)

	tmpfile, err := os.CreateTemp(dir, "db-*.json")
	if err != nil {
		return fmt.Errorf("failed to store data: %w", err)
	}

	if _, err := tmpfile.Write(jsondata); err != nil {
		tmpfile.Close()
		os.Remove(tmpfile.Name())
		return fmt.Errorf("failed to store data: %w", err)
	}

	if err := tmpfile.Close(); err != nil {
		os.Remove(tmpfile.Name())
		return fmt.Errorf("failed to store data: %w", err)
	}

	if err := os.Rename(tmpfile.Name(), s.filepath); err != nil {
		os.Remove(tmpfile.Name())
		return fmt.Errorf("failed to store data: %w", err)
	}

	s.logger.WithField("file", s.filepath).Debug().Log("Stored data")

	return nil
}
