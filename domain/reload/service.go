// Package reload replaces a namespace's tools without restarting the
// process and broadcasts the change to sibling processes.
package reload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tooldock/tooldock/domain/loader"
	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
	"github.com/tooldock/tooldock/pkg/sse"
)

// Result reports one namespace reload.
type Result struct {
	Namespace string `json:"namespace"`
	Unloaded  int    `json:"unloaded"`
	Loaded    int    `json:"loaded"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Service rebuilds registry contents from the tools tree.
type Service struct {
	cfg    *config.Config
	log    *slog.Logger
	loader *loader.Loader
	reg    *registry.Registry
	broker *sse.Broker
}

func NewService(cfg *config.Config, log *slog.Logger, ld *loader.Loader, reg *registry.Registry, broker *sse.Broker) *Service {
	return &Service{
		cfg:    cfg,
		log:    log.With(logger.Scope("reload")),
		loader: ld,
		reg:    reg,
		broker: broker,
	}
}

// ReloadNamespace unregisters a native namespace's tools and re-runs the
// loader over its directory. Manifests are read fresh; nothing is cached
// between loads.
func (s *Service) ReloadNamespace(ns string) (*Result, error) {
	if s.reg.IsExternalNamespace(ns) {
		return nil, apperror.ErrCannotReloadExternal.WithMessage(
			"Namespace '" + ns + "' is external; restart its server instead")
	}

	// Refuse before touching the registry, so a missing directory leaves
	// the loaded tools intact.
	dir := filepath.Join(s.cfg.ToolsDir(), ns)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		if err == nil || os.IsNotExist(err) {
			return nil, apperror.ErrNamespaceNotFound.WithMessage(
				"Namespace directory '" + ns + "' does not exist")
		}
		return nil, apperror.NewInternal("Could not read tools directory", err)
	}

	result := &Result{Namespace: ns}

	for _, name := range s.reg.ToolNames(ns) {
		if err := s.reg.Unregister(name); err != nil {
			s.log.Warn("unregister during reload failed",
				slog.String("tool", name), logger.Error(err))
			continue
		}
		result.Unloaded++
	}

	loaded, err := s.loader.LoadNamespace(ns)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Loaded = loaded
	result.Success = true

	s.broker.PublishNamespace(ns, "reload", result)
	s.log.Info("namespace reloaded",
		slog.String("namespace", ns),
		slog.Int("unloaded", result.Unloaded),
		slog.Int("loaded", result.Loaded),
	)
	return result, nil
}

// ReloadAll reloads every native namespace directory, one result per
// namespace.
func (s *Service) ReloadAll(ctx context.Context) ([]*Result, error) {
	namespaces, err := s.nativeNamespaces()
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []*Result
	)
	g, _ := errgroup.WithContext(ctx)
	for _, ns := range namespaces {
		g.Go(func() error {
			result, err := s.ReloadNamespace(ns)
			if result == nil {
				result = &Result{Namespace: ns, Error: err.Error()}
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil // per-namespace failures are reported, not fatal
		})
	}
	g.Wait()
	return results, nil
}

// nativeNamespaces unions the tools tree with currently loaded native
// namespaces, so emptied directories still get their tools withdrawn.
func (s *Service) nativeNamespaces() ([]string, error) {
	seen := make(map[string]bool)
	for _, ns := range s.reg.NativeNamespaces() {
		seen[ns] = true
	}

	entries, err := os.ReadDir(s.cfg.ToolsDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			ns := entry.Name()
			if ns == "shared" || registry.ValidateNamespace(ns) == nil {
				seen[ns] = true
			}
		}
	}

	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	return out, nil
}
