// Package state persists which advisories were already notified, as dated
// JSON snapshots meant to be committed back to the repository that runs the
// watch.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	snapshotPrefix = "posted-"
	snapshotSuffix = ".json"
	dayLayout      = "2006-01-02"
)

// snapshot is the on-disk form of one day's notifications.
type snapshot struct {
	PostedAt string   `json:"posted_at"`
	CveIDs   []string `json:"cve_ids"`
}

// Store tracks notified advisory ids. Marks become durable immediately; the
// in-memory set makes them visible to IsNotified within the same run.
type Store struct {
	dir           string
	retentionDays int
	log           *slog.Logger
	now           func() time.Time

	notified map[string]struct{}
	perDay   map[string]map[string]struct{}
	postedAt map[string]time.Time
}

// New creates a store over dir. retentionDays bounds how far back Load reads
// snapshots; 0 loads them all.
func New(dir string, retentionDays int, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dir:           dir,
		retentionDays: retentionDays,
		log:           log.With("component", "state"),
		now:           time.Now,
		notified:      make(map[string]struct{}),
		perDay:        make(map[string]map[string]struct{}),
		postedAt:      make(map[string]time.Time),
	}
}

// Load reads the snapshots inside the retention window into the in-memory
// set. A missing directory is an empty state; an unreadable or malformed
// snapshot is skipped with a warning. Only a directory that exists but cannot
// be listed is an error, because that state cannot be told apart from a lost
// one.
func (s *Store) Load() error {
	s.notified = make(map[string]struct{})

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing state dir %s: %w", s.dir, err)
	}

	var cutoff time.Time
	if s.retentionDays > 0 {
		now := s.now().UTC()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		cutoff = today.AddDate(0, 0, -s.retentionDays)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix)
		date, err := time.Parse(dayLayout, day)
		if err != nil {
			s.log.Warn("skipping state file with unrecognized name", "file", name)
			continue
		}
		if !cutoff.IsZero() && date.Before(cutoff) {
			continue
		}
		ids, err := s.readSnapshot(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("skipping unreadable state file", "file", name, "error", err)
			continue
		}
		for _, id := range ids {
			s.notified[id] = struct{}{}
		}
	}
	return nil
}

// IsNotified reports whether the id was delivered in a loaded snapshot or
// marked earlier in this run.
func (s *Store) IsNotified(id string) bool {
	_, ok := s.notified[id]
	return ok
}

// MarkNotified records a delivery. The id is immediately visible to
// IsNotified and the snapshot for at's UTC date is durably rewritten before
// returning, merged with whatever ids that file already held.
func (s *Store) MarkNotified(id string, at time.Time) error {
	at = at.UTC()
	day := at.Format(dayLayout)

	if _, ok := s.perDay[day]; !ok {
		existing, err := s.readSnapshot(s.path(day))
		if err != nil {
			s.log.Warn("replacing unreadable state file", "day", day, "error", err)
		}
		set := make(map[string]struct{}, len(existing)+1)
		for _, x := range existing {
			set[x] = struct{}{}
		}
		s.perDay[day] = set
	}
	s.perDay[day][id] = struct{}{}
	s.notified[id] = struct{}{}
	s.postedAt[day] = at

	return s.writeDay(day)
}

// Persist rewrites every snapshot touched this run. Marks are already
// durable, so this is a no-op unless an earlier write failed.
func (s *Store) Persist() error {
	days := make([]string, 0, len(s.perDay))
	for day := range s.perDay {
		days = append(days, day)
	}
	sort.Strings(days)

	var errs []error
	for _, day := range days {
		if err := s.writeDay(day); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) path(day string) string {
	return filepath.Join(s.dir, snapshotPrefix+day+snapshotSuffix)
}

func (s *Store) readSnapshot(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return snap.CveIDs, nil
}

// writeDay writes the snapshot through a temp file and rename so a crash
// never leaves a halfway-written snapshot behind.
func (s *Store) writeDay(day string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	ids := make([]string, 0, len(s.perDay[day]))
	for id := range s.perDay[day] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snap := snapshot{
		PostedAt: s.postedAt[day].UTC().Format(time.RFC3339),
		CveIDs:   ids,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := s.path(day)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}
