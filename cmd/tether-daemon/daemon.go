// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/lib/cache"
	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/codec"
	"github.com/tether-foundation/tether/lib/config"
	"github.com/tether-foundation/tether/lib/sessionindex"
	"github.com/tether-foundation/tether/lib/version"
	"github.com/tether-foundation/tether/relay"
)

// modelCatalogTTL spaces re-reads of the model catalog file.
const modelCatalogTTL = 5 * time.Minute

// stateConn is the slice of relay.Conn the daemon uses. Narrowed to
// an interface so handler tests run against a recording stub.
type stateConn interface {
	Mutate(ctx context.Context, slot string, updater relay.Updater) error
	MutateOnce(ctx context.Context, slot string, updater relay.Updater, timeout time.Duration) (bool, error)
	RegisterHandler(ctx context.Context, method string, handler relay.Handler) error
	Snapshot(slot string) (relay.Document, int64, error)
}

// Daemon hosts sessions on this machine and exposes them over the
// machine scope.
type Daemon struct {
	conn    stateConn
	cfg     *config.Config
	scopeID string
	index   *sessionindex.Index
	clk     clock.Clock
	logger  *slog.Logger

	// requestStop cancels the daemon's run context; wired to the
	// request-shutdown method.
	requestStop func()

	models *cache.Cache[string, []ModelInfo]

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one running session process.
type session struct {
	ID         string
	WorkingDir string
	PID        int
	StartedAt  time.Time
	process    *os.Process
}

// ModelInfo describes one entry of the model catalog.
type ModelInfo struct {
	ID            string `json:"id" cbor:"id"`
	Name          string `json:"name" cbor:"name"`
	ContextWindow int64  `json:"context_window,omitempty" cbor:"context_window,omitempty"`
}

func newDaemon(conn stateConn, cfg *config.Config, scopeID string, index *sessionindex.Index, clk clock.Clock, logger *slog.Logger, requestStop func()) *Daemon {
	return &Daemon{
		conn:        conn,
		cfg:         cfg,
		scopeID:     scopeID,
		index:       index,
		clk:         clk,
		logger:      logger,
		requestStop: requestStop,
		models:      cache.New[string, []ModelInfo](clk, modelCatalogTTL),
		sessions:    make(map[string]*session),
	}
}

// registerHandlers exposes the daemon's method set on the machine
// scope.
func (d *Daemon) registerHandlers(ctx context.Context) error {
	handlers := []struct {
		method  string
		handler relay.Handler
	}{
		{"spawn-session", d.handleSpawnSession},
		{"stop-session", d.handleStopSession},
		{"list-sessions", d.handleListSessions},
		{"list-models", d.handleListModels},
		{"request-shutdown", d.handleRequestShutdown},
	}
	for _, h := range handlers {
		if err := d.conn.RegisterHandler(ctx, h.method, h.handler); err != nil {
			return fmt.Errorf("registering %s: %w", h.method, err)
		}
	}
	return nil
}

// stateUpdater composes the daemonState document: process identity
// plus the current session table. Applied as the connect snapshot and
// after every session change.
func (d *Daemon) stateUpdater(status string) relay.Updater {
	return func(prev relay.Document) relay.Document {
		next := prev.Clone()
		next["pid"] = int64(os.Getpid())
		next["version"] = version.Short()
		next["status"] = status
		next["updated_at"] = d.clk.Now().UnixMilli()
		next["sessions"] = d.sessionDocuments()
		return next
	}
}

func (d *Daemon) sessionDocuments() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	docs := make([]any, 0, len(d.sessions))
	for _, s := range d.sessions {
		docs = append(docs, map[string]any{
			"session_id":  s.ID,
			"working_dir": s.WorkingDir,
			"pid":         int64(s.PID),
			"started_at":  s.StartedAt.UnixMilli(),
		})
	}
	return docs
}

// publishState pushes the current daemon state. Runs in its own
// goroutine so RPC replies never wait on relay acknowledgment.
func (d *Daemon) publishState(ctx context.Context) {
	go func() {
		if err := d.conn.Mutate(ctx, relay.SlotDaemonState, d.stateUpdater("running")); err != nil {
			d.logger.Error("publishing daemon state failed", "error", err)
		}
	}()
}

// shutdownWrite is the daemon's last state write: a single bounded
// attempt so exit never hangs on a dead relay. Returns whether the
// relay confirmed it.
func (d *Daemon) shutdownWrite(ctx context.Context) bool {
	confirmed, err := d.conn.MutateOnce(ctx, relay.SlotDaemonState, d.stateUpdater("stopped"), d.cfg.ShutdownWriteTimeout())
	if err != nil {
		d.logger.Warn("shutdown state write failed", "error", err)
		return false
	}
	return confirmed
}

type spawnParams struct {
	WorkingDir string `cbor:"working_dir"`
}

type spawnReply struct {
	SessionID string `cbor:"session_id"`
	PID       int64  `cbor:"pid"`
	Resumed   bool   `cbor:"resumed"`
}

// handleSpawnSession starts a session process in the requested
// working directory. A directory that already hosts a running session
// resumes it instead of spawning a duplicate.
func (d *Daemon) handleSpawnSession(ctx context.Context, params codec.RawMessage) (any, error) {
	var p spawnParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decoding parameters: %w", err)
	}
	if p.WorkingDir == "" {
		return nil, fmt.Errorf("working_dir is required")
	}
	info, err := os.Stat(p.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", p.WorkingDir)
	}

	if existing := d.sessionByWorkingDir(p.WorkingDir); existing != nil {
		if err := d.index.Touch(p.WorkingDir); err != nil {
			d.logger.Warn("touching session record failed", "error", err)
		}
		return spawnReply{SessionID: existing.ID, PID: int64(existing.PID), Resumed: true}, nil
	}

	s, err := d.spawn(p.WorkingDir)
	if err != nil {
		return nil, err
	}

	record := sessionindex.Record{
		SessionID:  s.ID,
		ScopeID:    d.scopeID,
		WorkingDir: s.WorkingDir,
		StartedAt:  s.StartedAt,
		LastActive: s.StartedAt,
	}
	if err := d.index.Put(record); err != nil {
		d.logger.Warn("recording session failed", "session", s.ID, "error", err)
	}
	d.publishState(ctx)

	return spawnReply{SessionID: s.ID, PID: int64(s.PID)}, nil
}

// spawn starts the configured shell detached in its own process
// group and tracks it until it exits.
func (d *Daemon) spawn(workingDir string) (*session, error) {
	cmd := exec.Command(d.cfg.Sessions.Shell)
	cmd.Dir = workingDir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s in %s: %w", d.cfg.Sessions.Shell, workingDir, err)
	}

	s := &session{
		ID:         uuid.NewString(),
		WorkingDir: workingDir,
		PID:        cmd.Process.Pid,
		StartedAt:  d.clk.Now(),
		process:    cmd.Process,
	}
	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()

	go d.reap(s, cmd)

	d.logger.Info("session spawned",
		"session", s.ID,
		"working_dir", workingDir,
		"pid", s.PID,
	)
	return s, nil
}

// reap waits for the session process and drops it from the table.
func (d *Daemon) reap(s *session, cmd *exec.Cmd) {
	err := cmd.Wait()

	d.mu.Lock()
	_, tracked := d.sessions[s.ID]
	delete(d.sessions, s.ID)
	d.mu.Unlock()
	if !tracked {
		return
	}

	if err != nil {
		d.logger.Info("session exited", "session", s.ID, "error", err)
	} else {
		d.logger.Info("session exited", "session", s.ID)
	}
	d.publishState(context.Background())
}

func (d *Daemon) sessionByWorkingDir(workingDir string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.WorkingDir == workingDir {
			return s
		}
	}
	return nil
}

type stopParams struct {
	SessionID string `cbor:"session_id"`
}

type stopReply struct {
	Stopped bool `cbor:"stopped"`
}

// handleStopSession terminates a running session with SIGTERM. The
// reap goroutine handles table cleanup and the state push once the
// process actually exits.
func (d *Daemon) handleStopSession(_ context.Context, params codec.RawMessage) (any, error) {
	var p stopParams
	if err := codec.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decoding parameters: %w", err)
	}

	d.mu.Lock()
	s, ok := d.sessions[p.SessionID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no running session %q", p.SessionID)
	}

	if err := s.process.Signal(syscall.SIGTERM); err != nil {
		return nil, fmt.Errorf("signaling session %s: %w", p.SessionID, err)
	}
	d.logger.Info("session stop requested", "session", p.SessionID)
	return stopReply{Stopped: true}, nil
}

type sessionInfo struct {
	SessionID  string `cbor:"session_id"`
	ScopeID    string `cbor:"scope_id"`
	WorkingDir string `cbor:"working_dir"`
	StartedAt  int64  `cbor:"started_at"`
	LastActive int64  `cbor:"last_active"`
	Running    bool   `cbor:"running"`
	PID        int64  `cbor:"pid,omitempty"`
}

type listSessionsReply struct {
	Sessions []sessionInfo `cbor:"sessions"`
}

// handleListSessions merges the durable index with the live process
// table, most recently active first.
func (d *Daemon) handleListSessions(context.Context, codec.RawMessage) (any, error) {
	records, err := d.index.All()
	if err != nil {
		return nil, fmt.Errorf("reading session index: %w", err)
	}

	d.mu.Lock()
	running := make(map[string]*session, len(d.sessions))
	for _, s := range d.sessions {
		running[s.WorkingDir] = s
	}
	d.mu.Unlock()

	reply := listSessionsReply{Sessions: make([]sessionInfo, 0, len(records))}
	for _, record := range records {
		info := sessionInfo{
			SessionID:  record.SessionID,
			ScopeID:    record.ScopeID,
			WorkingDir: record.WorkingDir,
			StartedAt:  record.StartedAt.UnixMilli(),
			LastActive: record.LastActive.UnixMilli(),
		}
		if s, ok := running[record.WorkingDir]; ok {
			info.Running = true
			info.PID = int64(s.PID)
		}
		reply.Sessions = append(reply.Sessions, info)
	}
	return reply, nil
}

type listModelsReply struct {
	Models []ModelInfo `cbor:"models"`
}

// handleListModels serves the model catalog, re-reading the catalog
// file at most once per TTL window.
func (d *Daemon) handleListModels(context.Context, codec.RawMessage) (any, error) {
	if models, ok := d.models.Get("catalog"); ok {
		return listModelsReply{Models: models}, nil
	}

	models, err := d.loadModelCatalog()
	if err != nil {
		return nil, err
	}
	d.models.Put("catalog", models)
	return listModelsReply{Models: models}, nil
}

// loadModelCatalog reads models.json from the data root. A missing
// file is an empty catalog, not an error.
func (d *Daemon) loadModelCatalog() ([]ModelInfo, error) {
	path := d.cfg.ModelCatalogPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []ModelInfo{}, nil
		}
		return nil, fmt.Errorf("reading model catalog: %w", err)
	}
	var models []ModelInfo
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("parsing model catalog %s: %w", path, err)
	}
	return models, nil
}

type shutdownReply struct {
	ShuttingDown bool `cbor:"shutting_down"`
}

// handleRequestShutdown asks the daemon to exit. The reply goes out
// before the run context is cancelled, so the caller sees the
// acknowledgment.
func (d *Daemon) handleRequestShutdown(context.Context, codec.RawMessage) (any, error) {
	d.logger.Info("shutdown requested over relay")
	go d.requestStop()
	return shutdownReply{ShuttingDown: true}, nil
}

// stopAllSessions sends SIGTERM to every tracked session. Called on
// daemon exit; sessions are not waited for beyond the reap
// goroutines.
func (d *Daemon) stopAllSessions() {
	d.mu.Lock()
	sessions := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		if err := s.process.Signal(syscall.SIGTERM); err == nil {
			d.logger.Info("session terminated on shutdown", "session", s.ID)
		}
	}
}
