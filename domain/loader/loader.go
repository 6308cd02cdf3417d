package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
)

// manifestPattern matches manifest filenames. Files starting with "_" are
// ignored so operators can park drafts next to live manifests.
var manifestPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*\.(yaml|yml)$`)

// Manifest is one YAML file under <tools_dir>/<namespace>/.
type Manifest struct {
	Tools []ManifestTool `yaml:"tools"`
}

// ManifestTool binds a tool name to a catalog handler, optionally
// overriding the handler's default description and schema.
type ManifestTool struct {
	Name        string         `yaml:"name"`
	Handler     string         `yaml:"handler"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema"`
}

// Loader scans the tools tree and registers native tools. Manifests are
// read fresh on every load; nothing is cached between loads.
type Loader struct {
	cfg     *config.Config
	log     *slog.Logger
	catalog *Catalog
	reg     *registry.Registry
}

func NewLoader(cfg *config.Config, log *slog.Logger, catalog *Catalog, reg *registry.Registry) *Loader {
	return &Loader{
		cfg:     cfg,
		log:     log.With(logger.Scope("loader")),
		catalog: catalog,
		reg:     reg,
	}
}

// LoadAll walks every namespace directory under the tools dir. A missing
// tools dir is not an error; the gateway can start empty.
func (l *Loader) LoadAll() (int, error) {
	entries, err := os.ReadDir(l.cfg.ToolsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read tools dir: %w", err)
	}

	total := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ns := entry.Name()
		if err := registry.ValidateNamespace(ns); err != nil && ns != "shared" {
			l.log.Warn("skipping invalid namespace directory", slog.String("namespace", ns))
			continue
		}
		loaded, err := l.LoadNamespace(ns)
		if err != nil {
			l.log.Error("namespace load failed", slog.String("namespace", ns), logger.Error(err))
			continue
		}
		total += loaded
	}
	return total, nil
}

// LoadNamespace reads one namespace directory non-recursively and
// registers every tool its manifests declare. Registration is forced into
// ns regardless of what a manifest claims. A broken manifest is logged and
// skipped; its siblings still load. Returns the number of tools
// registered.
func (l *Loader) LoadNamespace(ns string) (int, error) {
	dir := filepath.Join(l.cfg.ToolsDir(), ns)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, apperror.ErrNamespaceNotFound.WithMessage(
				fmt.Sprintf("Namespace directory '%s' does not exist", ns))
		}
		return 0, fmt.Errorf("read namespace dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "_") || !manifestPattern.MatchString(name) {
			continue
		}
		n, err := l.loadManifest(filepath.Join(dir, name), ns)
		if err != nil {
			l.log.Warn("manifest skipped",
				slog.String("namespace", ns),
				slog.String("file", name),
				logger.Error(err),
			)
			continue
		}
		loaded += n
	}

	l.log.Info("namespace loaded", slog.String("namespace", ns), slog.Int("tools", loaded))
	return loaded, nil
}

func (l *Loader) loadManifest(path, ns string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return 0, fmt.Errorf("parse manifest: %w", err)
	}

	loaded := 0
	for _, tool := range manifest.Tools {
		if err := l.registerTool(tool, ns); err != nil {
			l.log.Warn("tool skipped",
				slog.String("namespace", ns),
				slog.String("tool", tool.Name),
				logger.Error(err),
			)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (l *Loader) registerTool(tool ManifestTool, ns string) error {
	if tool.Name == "" {
		return fmt.Errorf("tool entry missing name")
	}
	key := tool.Handler
	if key == "" {
		key = tool.Name
	}
	catalogEntry, ok := l.catalog.Get(key)
	if !ok {
		return fmt.Errorf("handler '%s' not in catalog", key)
	}

	description := tool.Description
	if description == "" {
		description = catalogEntry.Description
	}
	schema := tool.InputSchema
	if schema == nil {
		schema = catalogEntry.InputSchema
	}

	return l.reg.Register(&registry.Entry{
		Name:        tool.Name,
		Description: description,
		InputSchema: schema,
		Handler:     catalogEntry.Handler,
	}, ns)
}
