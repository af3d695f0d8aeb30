package eventstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// closedRetention is how long a closed event remains addressable by id
// before being archived to disk and evicted from memory (spec §3: "Closed
// events remain addressable by id for 8 hours").
const closedRetention = 8 * time.Hour

// ArchiveSweep walks every closed event older than the retention window,
// serializes each to <archiveDir>/YYYY/MM/DD/<id>.json, and removes it from
// memory along with its recently-closed index entry. Intended to run once a
// minute (spec §4.1 "Archival").
func (s *Store) ArchiveSweep(archiveDir string) (int, error) {
	now := s.now()

	s.mu.Lock()
	var toArchive []*Event
	for id, ev := range s.events {
		if ev.State == StateClosed && ev.Closed != nil && now.Sub(*ev.Closed) >= closedRetention {
			toArchive = append(toArchive, ev)
			delete(s.events, id)
			delete(s.closedByKey, ev.Key)
		}
	}
	s.mu.Unlock()

	archived := 0
	for _, ev := range toArchive {
		if err := writeArchiveFile(archiveDir, ev); err != nil {
			return archived, fmt.Errorf("archive event %d: %w", ev.ID, err)
		}
		archived++
	}
	return archived, nil
}

func writeArchiveFile(archiveDir string, ev *Event) error {
	closedAt := ev.Opened
	if ev.Closed != nil {
		closedAt = *ev.Closed
	}
	dir := filepath.Join(archiveDir,
		fmt.Sprintf("%04d", closedAt.Year()),
		fmt.Sprintf("%02d", closedAt.Month()),
		fmt.Sprintf("%02d", closedAt.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.json", ev.ID))
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// DeduplicateOnLoad scans all loaded events for natural-key collisions among
// non-closed events (which should never arise in steady state, but can
// after an unclean shutdown or a bug in an earlier version): for each
// colliding key, the oldest-opened event is kept and the rest are force-
// closed with a history note (spec §4.1 "Deduplication on load").
func (s *Store) DeduplicateOnLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := make(map[Key][]*Event)
	for _, ev := range s.events {
		if ev.State != StateClosed {
			byKey[ev.Key] = append(byKey[ev.Key], ev)
		}
	}

	now := s.now()
	for key, evs := range byKey {
		if len(evs) <= 1 {
			if len(evs) == 1 {
				s.byKey[key] = evs[0].ID
			}
			continue
		}

		oldest := evs[0]
		for _, ev := range evs[1:] {
			if ev.Opened.Before(oldest.Opened) {
				oldest = ev
			}
		}
		s.byKey[key] = oldest.ID

		for _, ev := range evs {
			if ev.ID == oldest.ID {
				continue
			}
			closedAt := now
			ev.Closed = &closedAt
			ev.State = StateClosed
			ev.appendHistory(now, fmt.Sprintf("force-closed on load: duplicate of event %d", oldest.ID))
			s.closedByKey[key] = ev.ID
		}
	}
}
