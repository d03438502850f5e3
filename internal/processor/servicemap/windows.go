package servicemap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// WindowPair manages a rotating current/previous pair of on-disk window
// files sharing one filename prefix ("db" for spans, "trace-db" for
// trace-group root names), per spec §6's window storage layout.
type WindowPair struct {
	dir     string
	prefix  string
	current *WindowStore
	previous *WindowStore
}

func openWindowPair(dir, prefix string, now time.Time) (*WindowPair, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("servicemap: create window dir %s: %w", dir, err)
	}
	epoch := now.UnixMilli()
	cur, err := OpenWindowStore(filepath.Join(dir, fmt.Sprintf("%s-%d-empty", prefix, epoch)))
	if err != nil {
		return nil, err
	}
	prev, err := OpenWindowStore(filepath.Join(dir, fmt.Sprintf("%s-%d-empty", prefix, epoch-1)))
	if err != nil {
		cur.Close()
		return nil, err
	}
	return &WindowPair{dir: dir, prefix: prefix, current: cur, previous: prev}, nil
}

func (p *WindowPair) Current() *WindowStore  { return p.current }
func (p *WindowPair) Previous() *WindowStore { return p.previous }

// renameStore closes s, renames its backing file, and reopens it at the
// new path. bbolt pins its file path at Open time, so an on-disk rename
// requires a close/rename/reopen cycle.
func renameStore(s *WindowStore, newPath string) error {
	if s.path == newPath {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("servicemap: close store for rename: %w", err)
	}
	if err := os.Rename(s.path, newPath); err != nil {
		return fmt.Errorf("servicemap: rename window file: %w", err)
	}
	db, err := bbolt.Open(newPath, 0o644, nil)
	if err != nil {
		return fmt.Errorf("servicemap: reopen renamed window file: %w", err)
	}
	s.db = db
	s.path = newPath
	return nil
}

// Rotate swaps current and previous: the old previous is cleared and
// reborn as the new current under a fresh, larger generation number
// carrying the "-empty" suffix; the old current keeps its generation
// number but loses the "-empty" suffix, becoming the new previous. Per
// spec §4.5 step 4, this must only be called between barriers by worker 0.
func (p *WindowPair) Rotate(now time.Time) error {
	newEpoch := now.UnixMilli()

	reborn := p.previous
	if err := reborn.Clear(); err != nil {
		return fmt.Errorf("servicemap: clear rotated window: %w", err)
	}
	newCurrentPath := filepath.Join(p.dir, fmt.Sprintf("%s-%d-empty", p.prefix, newEpoch))
	if err := renameStore(reborn, newCurrentPath); err != nil {
		return err
	}

	demoted := p.current
	newPreviousPath := strings.TrimSuffix(demoted.Path(), "-empty")
	if err := renameStore(demoted, newPreviousPath); err != nil {
		return err
	}

	p.current = reborn
	p.previous = demoted
	return nil
}

func (p *WindowPair) Close() error {
	err1 := p.current.Close()
	err2 := p.previous.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Unlink closes and removes both backing files, per spec §4.5's shutdown
// contract.
func (p *WindowPair) Unlink() error {
	err1 := p.current.Unlink()
	err2 := p.previous.Unlink()
	if err1 != nil {
		return err1
	}
	return err2
}
