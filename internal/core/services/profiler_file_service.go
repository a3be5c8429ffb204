package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

// Profiler file errors
var (
	ErrProfilerFileName    = errors.New("profiler: invalid file name")
	ErrProfilerFileUnknown = errors.New("profiler: no transfer in progress")
)

type ProfilerFileConfig struct {
	Dir            string
	ArchiveTimeout time.Duration
}

type profilerTransfer struct {
	file *os.File
	path string
	size int64
}

// ProfilerFileService stores profiler output streamed by agents under
// <dir>/<agent>/<task>/<name> and optionally ships finished files to an
// archive host.
type ProfilerFileService struct {
	cfg      ProfilerFileConfig
	archiver ports.Archiver
	onStored func(taskID, name string)
	logger   *logger.Logger

	mu        sync.Mutex
	transfers map[string]*profilerTransfer
	archiving sync.WaitGroup
}

func NewProfilerFileService(cfg ProfilerFileConfig, archiver ports.Archiver, log *logger.Logger) *ProfilerFileService {
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 5 * time.Minute
	}
	return &ProfilerFileService{
		cfg:       cfg,
		archiver:  archiver,
		logger:    log,
		transfers: make(map[string]*profilerTransfer),
	}
}

// OnStored registers a callback run after a file is fully written.
func (s *ProfilerFileService) OnStored(fn func(taskID, name string)) {
	s.onStored = fn
}

func (s *ProfilerFileService) Start(agentID, taskID, name string) error {
	path, err := s.pathFor(agentID, taskID, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("profiler: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("profiler: create file: %w", err)
	}

	key := path
	s.mu.Lock()
	prev := s.transfers[key]
	s.transfers[key] = &profilerTransfer{file: f, path: path}
	s.mu.Unlock()
	if prev != nil {
		prev.file.Close()
		s.logger.Warnw("profiler_file_restarted", "agent_id", agentID, "task_id", taskID, "file", name)
	}

	s.logger.Infow("profiler_file_started", "agent_id", agentID, "task_id", taskID, "file", name)
	return nil
}

func (s *ProfilerFileService) Write(agentID, taskID, name string, chunk []byte) error {
	t, err := s.transfer(agentID, taskID, name, false)
	if err != nil {
		return err
	}
	n, err := t.file.Write(chunk)
	t.size += int64(n)
	if err != nil {
		s.Abort(agentID, taskID, name, err.Error())
		return fmt.Errorf("profiler: write: %w", err)
	}
	return nil
}

// End closes the file and hands it to the archiver, if any. Archiving runs
// on its own goroutine.
func (s *ProfilerFileService) End(agentID, taskID, name string) (string, error) {
	t, err := s.transfer(agentID, taskID, name, true)
	if err != nil {
		return "", err
	}
	if err := t.file.Close(); err != nil {
		os.Remove(t.path)
		return "", fmt.Errorf("profiler: close: %w", err)
	}
	s.logger.Infow("profiler_file_stored", "agent_id", agentID, "task_id", taskID, "file", name, "size", t.size)

	if s.onStored != nil {
		s.onStored(taskID, name)
	}
	if s.archiver != nil {
		remote := strings.Join([]string{safeSegment(agentID), safeSegment(taskID), filepath.Base(t.path)}, "/")
		s.archiving.Add(1)
		go s.archive(t.path, remote)
	}
	return t.path, nil
}

// Abort drops an in-progress transfer and removes the partial file.
func (s *ProfilerFileService) Abort(agentID, taskID, name, reason string) {
	t, err := s.transfer(agentID, taskID, name, true)
	if err != nil {
		return
	}
	t.file.Close()
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warnw("profiler_file_remove_failed", "path", t.path, "error", err)
	}
	s.logger.Warnw("profiler_file_aborted", "agent_id", agentID, "task_id", taskID, "file", name, "reason", reason)
}

// AbortAgent drops every transfer from agentID, used when it disconnects.
func (s *ProfilerFileService) AbortAgent(agentID string) {
	prefix := filepath.Join(s.cfg.Dir, safeSegment(agentID)) + string(filepath.Separator)
	s.mu.Lock()
	var dropped []*profilerTransfer
	for key, t := range s.transfers {
		if strings.HasPrefix(key, prefix) {
			dropped = append(dropped, t)
			delete(s.transfers, key)
		}
	}
	s.mu.Unlock()
	for _, t := range dropped {
		t.file.Close()
		os.Remove(t.path)
	}
	if len(dropped) > 0 {
		s.logger.Warnw("profiler_agent_transfers_aborted", "agent_id", agentID, "count", len(dropped))
	}
}

func (s *ProfilerFileService) archive(path, remote string) {
	defer s.archiving.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
	defer cancel()
	if err := s.archiver.Archive(ctx, path, remote); err != nil {
		s.logger.Errorw("profiler_archive_failed", "path", path, "remote", remote, "error", err)
		return
	}
	s.logger.Infow("profiler_archive_ok", "path", path, "remote", remote)
}

// Wait blocks until pending archive uploads finish or ctx ends.
func (s *ProfilerFileService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.archiving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ProfilerFileService) transfer(agentID, taskID, name string, remove bool) (*profilerTransfer, error) {
	path, err := s.pathFor(agentID, taskID, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[path]
	if !ok {
		return nil, ErrProfilerFileUnknown
	}
	if remove {
		delete(s.transfers, path)
	}
	return t, nil
}

func (s *ProfilerFileService) pathFor(agentID, taskID, name string) (string, error) {
	base := filepath.Base(name)
	if name == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", ErrProfilerFileName
	}
	return filepath.Join(s.cfg.Dir, safeSegment(agentID), safeSegment(taskID), base), nil
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" || s == "." {
		return "_"
	}
	return s
}
