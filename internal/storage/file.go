package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"

	logx "taskpool/pkg/logx"
)

// maxLine bounds a single JSON line when reading batches back.
const maxLine = 16 << 20

// fileStore appends JSON Lines.
//
// Files:
//   - <prefix>.batches.jsonl (one Batch per line)
//   - <prefix>.audit.jsonl   (one AuditEntry per line)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	batchPath string
	batchFile *os.File
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	batchPath := prefix + ".batches.jsonl"
	bf, err := os.OpenFile(batchPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = bf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix))
	return &fileStore{log: log, batchPath: batchPath, batchFile: bf, auditFile: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.batchFile != nil {
		err = multierr.Append(err, s.batchFile.Sync())
		err = multierr.Append(err, s.batchFile.Close())
		s.batchFile = nil
	}
	if s.auditFile != nil {
		err = multierr.Append(err, s.auditFile.Close())
		s.auditFile = nil
	}
	return err
}

func (s *fileStore) AppendBatch(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.batchFile).Encode(b)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	closed := s.batchFile == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(s.batchPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Keep a ring of the last limit lines.
	ring := make([]Batch, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var b Batch
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			s.log.Debug("skipping malformed batch line", logx.Err(err))
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, b)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]Batch, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}
