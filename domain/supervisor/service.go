package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tooldock/tooldock/domain/extconfig"
	"github.com/tooldock/tooldock/domain/proxy"
	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
)

const (
	syncInterval      = 30 * time.Second
	readinessAttempts = 5
	readinessInterval = 250 * time.Millisecond
)

// proxyHandle is the slice of the proxy client the supervisor drives.
// Tests substitute fakes.
type proxyHandle interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Tools() []proxy.ToolInfo
	Caller() registry.ToolCaller
}

// Service owns external server lifecycle: install, start/stop/delete, tool
// publication, and the periodic DB reconciliation. State transitions per
// record are serialized under a per-record lock; sync holds its own lock
// only while reconciling.
type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	repo      *Repository
	reg       *registry.Registry
	installer *Installer

	// newProxy builds a proxy for a recipe; replaced in tests.
	newProxy func(cfg proxy.ServerConfig) proxyHandle

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	procs   map[string]*managedProc
	proxies map[string]proxyHandle
	sems    map[string]*semaphore.Weighted

	// demoted tracks crash demotions so auto-start waits out a back-off
	// of two sync ticks before retrying.
	demoted map[string]time.Time

	syncMu sync.Mutex
}

func NewService(cfg *config.Config, log *slog.Logger, repo *Repository, reg *registry.Registry, installer *Installer) *Service {
	s := &Service{
		cfg:       cfg,
		log:       log.With(logger.Scope("supervisor")),
		repo:      repo,
		reg:       reg,
		installer: installer,
		locks:     make(map[string]*sync.Mutex),
		procs:     make(map[string]*managedProc),
		proxies:   make(map[string]proxyHandle),
		sems:      make(map[string]*semaphore.Weighted),
		demoted:   make(map[string]time.Time),
	}
	s.newProxy = func(cfg proxy.ServerConfig) proxyHandle {
		return proxy.NewClient(cfg, log)
	}
	return s
}

func (s *Service) recordLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Service) semaphoreFor(namespace string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[namespace]
	if !ok {
		limit := int64(s.cfg.NamespaceMaxConcurrency)
		if limit <= 0 {
			limit = 8
		}
		sem = semaphore.NewWeighted(limit)
		s.sems[namespace] = sem
	}
	return sem
}

// Install materializes a record and persists it. A namespace can hold at
// most one server.
func (s *Service) Install(ctx context.Context, req InstallRequest) (*ExternalServer, error) {
	existing, err := s.repo.FindServerByNamespace(ctx, req.Namespace)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if existing != nil {
		return nil, apperror.ErrConflict.WithMessage(
			fmt.Sprintf("Namespace '%s' already has a server", req.Namespace))
	}

	server, installErr := s.installer.Install(ctx, req)
	if server != nil {
		if err := s.repo.CreateServer(ctx, server); err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
	}
	if installErr != nil {
		return server, installErr
	}

	s.cacheInstall(ctx, server)
	return server, nil
}

// cacheInstall records the installed recipe in the advisory registry
// cache so listings can serve metadata without re-probing.
func (s *Service) cacheInstall(ctx context.Context, server *ExternalServer) {
	meta, err := json.Marshal(server.ToDTO())
	if err != nil {
		return
	}
	entry := &RegistryCacheEntry{
		ServerName:    server.ServerName,
		LatestVersion: server.Version,
		MetadataJSON:  string(meta),
	}
	if err := s.repo.UpsertRegistryCache(ctx, entry); err != nil {
		s.log.Warn("registry cache upsert failed", logger.Error(err))
	}
}

// Start brings a record to running: bind a port, spawn the recipe, wait
// for readiness, and publish its tools.
func (s *Service) Start(ctx context.Context, id string) error {
	if !s.cfg.ManageProcesses {
		return apperror.NewBadRequest("Process management is disabled on this instance")
	}

	lock := s.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	server, err := s.repo.FindServerByID(ctx, id)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if server == nil {
		return apperror.NewNotFound("Server", id)
	}
	if server.Status == StatusRunning && s.isBridged(id) {
		return nil
	}

	switch {
	case server.TransportType == "http" && server.ServerURL != "":
		// Remote endpoint; nothing to spawn.
		if err := s.connectAndPublish(ctx, server); err != nil {
			return s.markError(ctx, server, err)
		}

	case server.TransportType == "stdio":
		// The proxy's stdio transport spawns the subprocess itself.
		if err := s.connectAndPublish(ctx, server); err != nil {
			return s.markError(ctx, server, err)
		}

	default:
		if err := s.startSubprocess(ctx, server); err != nil {
			return s.markError(ctx, server, err)
		}
	}

	server.Status = StatusRunning
	server.LastError = ""
	if err := s.repo.UpdateServer(ctx, server); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	s.mu.Lock()
	delete(s.demoted, id)
	s.mu.Unlock()

	s.log.Info("server started",
		slog.String("namespace", server.Namespace),
		slog.Int("pid", server.PID),
		slog.Int("port", server.Port),
	)
	return nil
}

// startSubprocess spawns a local streamable-HTTP provider and probes it.
func (s *Service) startSubprocess(ctx context.Context, server *ExternalServer) error {
	port, err := pickPort(server.Namespace)
	if err != nil {
		return apperror.ErrInstallFailed.WithInternal(err)
	}
	server.Port = port

	proc, err := spawn(server, port, s.cfg.LogsDir())
	if err != nil {
		return apperror.ErrWorkerCrashed.WithMessage("Could not spawn server process").WithInternal(err)
	}
	server.PID = proc.cmd.Process.Pid
	server.ServerURL = fmt.Sprintf("http://127.0.0.1:%d/mcp", port)

	s.mu.Lock()
	s.procs[server.ID] = proc
	s.mu.Unlock()

	if err := s.connectAndPublish(ctx, server); err != nil {
		s.killProcess(server)
		return apperror.ErrWorkerTimeout.WithMessage(
			fmt.Sprintf("Server '%s' did not become ready", server.Namespace)).WithInternal(err)
	}
	return nil
}

// connectAndPublish connects a proxy (with readiness retries) and
// registers the remote tools under the record's namespace.
func (s *Service) connectAndPublish(ctx context.Context, server *ExternalServer) error {
	handle := s.newProxy(s.proxyConfig(server))

	var err error
	for attempt := 0; attempt < readinessAttempts; attempt++ {
		if err = handle.Connect(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}
	if err != nil {
		return err
	}

	caller := s.wrapCaller(server.Namespace, handle.Caller())
	published := 0
	for _, tool := range handle.Tools() {
		name := fmt.Sprintf("%s:%s", server.Namespace, tool.Name)
		regErr := s.reg.RegisterExternal(name, tool.Description, tool.InputSchema, server.ID, tool.Name, caller, server.Namespace)
		if regErr != nil {
			s.log.Warn("tool publication skipped",
				slog.String("tool", name), logger.Error(regErr))
			continue
		}
		published++
	}

	s.mu.Lock()
	s.proxies[server.ID] = handle
	s.mu.Unlock()

	s.log.Info("tools published",
		slog.String("namespace", server.Namespace),
		slog.Int("count", published),
	)
	return nil
}

func (s *Service) proxyConfig(server *ExternalServer) proxy.ServerConfig {
	if server.TransportType == "stdio" {
		return proxy.ServerConfig{
			Namespace: server.Namespace,
			Transport: proxy.TransportStdio,
			Command:   server.StartupCommand,
			Args:      server.CommandArgs,
			Env:       server.EnvVars,
		}
	}
	return proxy.ServerConfig{
		Namespace: server.Namespace,
		Transport: proxy.TransportHTTP,
		URL:       server.ServerURL,
	}
}

// wrapCaller bounds concurrent RPCs per namespace; excess calls queue on
// the semaphore.
func (s *Service) wrapCaller(namespace string, caller registry.ToolCaller) registry.ToolCaller {
	sem := s.semaphoreFor(namespace)
	return registry.CallerFunc(func(ctx context.Context, name string, args map[string]any) (any, error) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
		return caller.CallTool(ctx, name, args)
	})
}

func (s *Service) isBridged(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.proxies[id]
	return ok && handle.IsConnected()
}

// Stop terminates a record's process and withdraws its tools.
func (s *Service) Stop(ctx context.Context, id string) error {
	lock := s.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	server, err := s.repo.FindServerByID(ctx, id)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if server == nil {
		return apperror.NewNotFound("Server", id)
	}

	s.unbridge(server)
	s.killProcess(server)

	server.Status = StatusStopped
	server.PID = 0
	if err := s.repo.UpdateServer(ctx, server); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	s.log.Info("server stopped", slog.String("namespace", server.Namespace))
	return nil
}

// Restart is a stop followed by a start.
func (s *Service) Restart(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil {
		return err
	}
	return s.Start(ctx, id)
}

// Delete stops the server, removes the record, and cleans the server tree
// and venv. Path removal is confined to the respective base directories.
func (s *Service) Delete(ctx context.Context, id string) error {
	server, err := s.repo.FindServerByID(ctx, id)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if server == nil {
		return apperror.NewNotFound("Server", id)
	}

	if server.Status == StatusRunning {
		if err := s.Stop(ctx, id); err != nil {
			return err
		}
	}

	lock := s.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.repo.DeleteServer(ctx, id); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	serverDir := filepath.Join(s.cfg.ServersDir(), server.Namespace)
	if err := removeConfined(s.cfg.ServersDir(), serverDir); err != nil {
		s.log.Warn("server tree removal refused", logger.Error(err))
	}
	if server.VenvPath != "" {
		if err := removeConfined(s.cfg.VenvsDir(), server.VenvPath); err != nil {
			s.log.Warn("venv removal refused", logger.Error(err))
		}
	}

	s.mu.Lock()
	delete(s.locks, id)
	delete(s.demoted, id)
	s.mu.Unlock()

	s.log.Info("server deleted", slog.String("namespace", server.Namespace))
	return nil
}

// unbridge disconnects the proxy and withdraws published tools.
func (s *Service) unbridge(server *ExternalServer) {
	s.mu.Lock()
	handle, ok := s.proxies[server.ID]
	delete(s.proxies, server.ID)
	s.mu.Unlock()

	if ok {
		handle.Disconnect()
	}
	s.reg.UnregisterServer(server.ID)
}

// killProcess terminates the subprocess: graceful for our own children,
// PID-based for survivors of a previous gateway process.
func (s *Service) killProcess(server *ExternalServer) {
	s.mu.Lock()
	proc, owned := s.procs[server.ID]
	delete(s.procs, server.ID)
	s.mu.Unlock()

	if owned {
		proc.stop()
		return
	}

	if pidAlive(server.PID) {
		terminatePID(server.PID)
	}
}

func (s *Service) markError(ctx context.Context, server *ExternalServer, cause error) error {
	server.Status = StatusError
	server.LastError = cause.Error()
	if err := s.repo.UpdateServer(ctx, server); err != nil {
		s.log.Error("status update failed", logger.Error(err))
	}
	return cause
}

// ReconcileConfig folds resolved config.yaml entries into the durable
// records. An entry whose namespace has no record creates a stopped one;
// existing records always win over the file.
func (s *Service) ReconcileConfig(ctx context.Context, file *extconfig.File) error {
	for ns, entry := range file.Servers {
		if err := registry.ValidateNamespace(ns); err != nil {
			s.log.Warn("config entry skipped",
				slog.String("namespace", ns), logger.Error(err))
			continue
		}
		existing, err := s.repo.FindServerByNamespace(ctx, ns)
		if err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
		if existing != nil {
			continue
		}

		method := entry.InstallMethod
		if method == "" {
			method = InstallManual
		}
		server := &ExternalServer{
			ID:             uuid.NewString(),
			Namespace:      ns,
			ServerName:     ns,
			InstallMethod:  method,
			PackageInfo:    entry.PackageIdentifier,
			PackageType:    entry.PackageRegistryType,
			RepoURL:        entry.RepoURL,
			Entrypoint:     entry.Entrypoint,
			StartupCommand: entry.StartupCommand,
			CommandArgs:    entry.CommandArgs,
			EnvVars:        entry.EnvVars,
			ConfigYAML:     entry.ConfigFile,
			TransportType:  entry.TransportType,
			ServerURL:      entry.ServerURL,
			AutoStart:      entry.AutoStart,
			Status:         StatusStopped,
		}
		if err := s.repo.CreateServer(ctx, server); err != nil {
			return apperror.ErrDatabase.WithInternal(err)
		}
		s.log.Info("server adopted from config",
			slog.String("namespace", ns),
			slog.String("install_method", method),
		)
	}
	return nil
}

// SyncFromDB reconciles persistent state with live state. It is
// idempotent: a second call right after the first is a no-op.
func (s *Service) SyncFromDB(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	servers, err := s.repo.FindAllServers(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}

	for _, server := range servers {
		switch server.Status {
		case StatusRunning:
			s.syncRunning(ctx, server)
		case StatusStopped:
			s.syncStopped(ctx, server)
		}
	}
	return nil
}

func (s *Service) syncRunning(ctx context.Context, server *ExternalServer) {
	// Crash detection: a running record whose process died is demoted.
	// Spawned records carry a PID; proxy-managed ones are checked via the
	// bridge.
	dead := false
	if server.PID > 0 {
		dead = !pidAlive(server.PID)
	} else {
		dead = !s.isBridged(server.ID)
	}

	if dead && !s.isBridged(server.ID) {
		s.log.Warn("running server found dead; demoting",
			slog.String("namespace", server.Namespace),
			slog.Int("pid", server.PID),
		)
		s.unbridge(server)
		server.Status = StatusStopped
		server.PID = 0
		if err := s.repo.UpdateServer(ctx, server); err != nil {
			s.log.Error("demotion update failed", logger.Error(err))
		}
		s.mu.Lock()
		s.demoted[server.ID] = time.Now()
		s.mu.Unlock()
		return
	}

	if !s.isBridged(server.ID) {
		if err := s.connectAndPublish(ctx, server); err != nil {
			s.log.Warn("bridge failed during sync",
				slog.String("namespace", server.Namespace), logger.Error(err))
		}
	}
}

func (s *Service) syncStopped(ctx context.Context, server *ExternalServer) {
	// A stopped record with a lingering bridge loses it.
	if s.isBridged(server.ID) {
		s.unbridge(server)
	}

	if !server.AutoStart || !s.cfg.ManageProcesses {
		return
	}

	// Crash back-off: wait out two ticks after a demotion.
	s.mu.Lock()
	demotedAt, wasDemoted := s.demoted[server.ID]
	s.mu.Unlock()
	if wasDemoted && time.Since(demotedAt) < 2*syncInterval {
		return
	}

	if err := s.Start(ctx, server.ID); err != nil {
		s.log.Warn("auto-start failed",
			slog.String("namespace", server.Namespace), logger.Error(err))
	}
}

// List returns masked DTOs for the admin surface.
func (s *Service) List(ctx context.Context) ([]*ServerDTO, error) {
	servers, err := s.repo.FindAllServers(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	out := make([]*ServerDTO, 0, len(servers))
	for _, server := range servers {
		out = append(out, server.ToDTO())
	}
	return out, nil
}

// Get returns one masked DTO.
func (s *Service) Get(ctx context.Context, id string) (*ServerDTO, error) {
	server, err := s.repo.FindServerByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if server == nil {
		return nil, apperror.NewNotFound("Server", id)
	}
	return server.ToDTO(), nil
}

// CachedListings reads the advisory registry cache.
func (s *Service) CachedListings(ctx context.Context) ([]*RegistryCacheEntry, error) {
	entries, err := s.repo.ListRegistryCache(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entries, nil
}

// Shutdown stops every bridge and owned process. Called from the fx stop
// hook.
func (s *Service) Shutdown(ctx context.Context) {
	servers, err := s.repo.FindAllServers(ctx)
	if err != nil {
		s.log.Error("shutdown listing failed", logger.Error(err))
		return
	}
	for _, server := range servers {
		s.unbridge(server)
		s.killProcess(server)
	}
}
