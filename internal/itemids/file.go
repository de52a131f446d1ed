package itemids

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSet stores one id per line. Flush appends pending ids.
type FileSet struct {
	memberSet
	path string
}

func OpenFile(path string) (*FileSet, error) {
	s := &FileSet{path: path}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open item id file %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			s.load(id)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read item id file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileSet) Flush(_ context.Context) error {
	pending := s.takePending()
	if len(pending) == 0 {
		return nil
	}
	if err := s.appendLines(pending); err != nil {
		s.restorePending(pending)
		return err
	}
	return nil
}

func (s *FileSet) appendLines(ids []string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", s.path, err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open item id file %s: %w", s.path, err)
	}
	w := bufio.NewWriter(f)
	for _, id := range ids {
		w.WriteString(id)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("append to %s: %w", s.path, err)
	}
	return f.Close()
}
