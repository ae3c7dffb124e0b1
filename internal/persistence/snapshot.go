// Package persistence serializes the orchestrator's in-memory state to a
// JSON snapshot on disk so a restart can resume without losing tokens,
// in-flight tasks, and undelivered messages. The audit log is never
// persisted; a restart always starts it empty.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/orchestrator/internal/common/logger"
	"github.com/brainbox/orchestrator/internal/fabric"
	"github.com/brainbox/orchestrator/internal/registry"
	"github.com/brainbox/orchestrator/internal/task"
)

// Snapshot is the full on-disk shape. Field order in the restore path
// matters: tokens before tasks before pending messages.
type Snapshot struct {
	SavedAt time.Time                `json:"saved_at"`
	Tokens  []registry.TokenSnapshot `json:"tokens"`
	Tasks   []*task.Task             `json:"tasks"`
	Pending []fabric.PendingSnapshot `json:"pending"`
}

// Sources bundles the components a Store reads from and writes into.
type Sources struct {
	Registry *registry.Registry
	Tasks    *task.Router
	Fabric   *fabric.Router
}

// Store owns the on-disk snapshot file.
type Store struct {
	path    string
	sources Sources
	logger  *logger.Logger
}

func NewStore(path string, sources Sources, log *logger.Logger) *Store {
	return &Store{
		path:    path,
		sources: sources,
		logger:  log.WithFields(zap.String("component", "persistence")),
	}
}

// Save builds a snapshot from the current state and writes it atomically:
// encode to a temp file in the same directory, then rename over the
// previous snapshot so a crash mid-write never leaves a truncated file.
func (s *Store) Save() error {
	snap := Snapshot{
		SavedAt: time.Now().UTC(),
		Tokens:  s.sources.Registry.Snapshot(),
		Tasks:   s.sources.Tasks.Snapshot(),
		Pending: s.sources.Fabric.Snapshot(),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	s.logger.Debug("snapshot saved",
		zap.String("path", s.path), zap.Int("tokens", len(snap.Tokens)),
		zap.Int("tasks", len(snap.Tasks)), zap.Int("pending_recipients", len(snap.Pending)))
	return nil
}

// Restore loads the snapshot file (if present) and re-seeds state in the
// documented order: tokens first (so message/task restoration can validate
// against them), then non-terminal tasks, then pending messages filtered
// to still-valid tokens.
func (s *Store) Restore() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("no snapshot file found, starting with empty state", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.sources.Registry.Restore(snap.Tokens)
	s.sources.Tasks.Restore(snap.Tasks)
	s.sources.Fabric.Restore(snap.Pending)

	s.logger.Info("snapshot restored",
		zap.String("path", s.path), zap.Time("saved_at", snap.SavedAt),
		zap.Int("tokens", len(snap.Tokens)), zap.Int("tasks", len(snap.Tasks)))
	return nil
}
