package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "throttleq/pkg/logx"
)

// fileStore appends runs as JSON lines and serves Recent from an in-memory
// ring of the newest Limit runs. The file is rewritten with only the ring
// once it holds twice that many lines.
type fileStore struct {
	path  string
	limit int
	log   logx.Logger

	mu    sync.Mutex
	f     *os.File
	ring  []Run
	lines int
	// compactAt is the line count that triggers the next compaction; a
	// failed attempt pushes it out by limit lines.
	compactAt int

	rename func(oldpath, newpath string) error
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{path: path, limit: cfg.limit(), log: log, rename: os.Rename}
	s.compactAt = 2 * s.limit
	if err := s.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		var r Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Warn("skipping corrupt history line", logx.String("path", s.path), logx.Err(err))
			continue
		}
		s.push(r)
		s.lines++
	}
	return sc.Err()
}

func (s *fileStore) push(r Run) {
	s.ring = append(s.ring, r)
	if len(s.ring) > s.limit {
		s.ring = s.ring[len(s.ring)-s.limit:]
	}
}

func (s *fileStore) Append(_ context.Context, r Run) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.push(r)
	s.lines++
	if s.lines >= s.compactAt {
		if err := s.compactLocked(); err != nil {
			s.compactAt = s.lines + s.limit
			s.log.Warn("history compaction failed",
				logx.String("path", s.path),
				logx.Int("retry_at_lines", s.compactAt),
				logx.Err(err),
			)
		} else {
			s.compactAt = 2 * s.limit
		}
	}
	return nil
}

// compactLocked rewrites the file with the ring contents via rename.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.ring {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nil
	renameErr := s.rename(tmp, s.path)
	if renameErr != nil {
		_ = os.Remove(tmp)
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Join(renameErr, err)
	}
	s.f = nf
	if renameErr != nil {
		return renameErr
	}
	s.lines = len(s.ring)
	return nil
}

func (s *fileStore) Recent(_ context.Context, n int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]Run, 0, n)
	for i := len(s.ring) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.ring[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
