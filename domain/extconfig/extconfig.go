// Package extconfig owns the operator-maintained external server list at
// <data_dir>/external/config.yaml.
package extconfig

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/logger"
)

var Module = fx.Module("extconfig",
	fx.Provide(NewService),
)

// MaskedValue replaces secrets in serialized configs.
const MaskedValue = "***MASKED***"

var (
	secretKeyPattern = regexp.MustCompile(`(?i)(token|secret|password|key|credential|connection.*string)`)
	varRefPattern    = regexp.MustCompile(`^\$\{[A-Za-z_][A-Za-z0-9_]*\}$`)
)

// ServerEntry describes one external server in config.yaml. Fields mirror
// the durable record; the file is the declarative source operators edit.
type ServerEntry struct {
	InstallMethod       string            `yaml:"install_method,omitempty" json:"install_method,omitempty"`
	PackageIdentifier   string            `yaml:"package_identifier,omitempty" json:"package_identifier,omitempty"`
	PackageRegistryType string            `yaml:"package_registry_type,omitempty" json:"package_registry_type,omitempty"`
	RepoURL             string            `yaml:"repo_url,omitempty" json:"repo_url,omitempty"`
	Entrypoint          string            `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	StartupCommand      string            `yaml:"startup_command,omitempty" json:"startup_command,omitempty"`
	CommandArgs         []string          `yaml:"command_args,omitempty" json:"command_args,omitempty"`
	EnvVars             map[string]string `yaml:"env_vars,omitempty" json:"env_vars,omitempty"`
	TransportType       string            `yaml:"transport_type,omitempty" json:"transport_type,omitempty"`
	ServerURL           string            `yaml:"server_url,omitempty" json:"server_url,omitempty"`
	AutoStart           bool              `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	ConfigFile          string            `yaml:"config_file,omitempty" json:"config_file,omitempty"`
}

// File is the parsed config.yaml: one server per namespace.
type File struct {
	Servers map[string]ServerEntry `yaml:"servers" json:"servers"`
}

// Service loads and serializes the external server config.
type Service struct {
	cfg *config.Config
	log *slog.Logger
}

func NewService(cfg *config.Config, log *slog.Logger) *Service {
	return &Service{
		cfg: cfg,
		log: log.With(logger.Scope("extconfig")),
	}
}

// Load reads config.yaml without substitution. A missing file yields an
// empty list.
func (s *Service) Load() (*File, error) {
	data, err := os.ReadFile(s.cfg.ExternalConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &File{Servers: map[string]ServerEntry{}}, nil
		}
		return nil, fmt.Errorf("read external config: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse external config: %w", err)
	}
	if file.Servers == nil {
		file.Servers = map[string]ServerEntry{}
	}
	return &file, nil
}

// LoadResolved reads config.yaml and substitutes ${VAR} references from
// the process environment. This is the view the supervisor consumes.
func (s *Service) LoadResolved() (*File, error) {
	file, err := s.Load()
	if err != nil {
		return nil, err
	}
	for ns, entry := range file.Servers {
		file.Servers[ns] = resolveEntry(entry)
	}
	return file, nil
}

// Masked returns a deep copy with secret values replaced for admin
// listings. A value that is itself a ${VAR} reference is preserved so the
// operator can still see the indirection.
func (f *File) Masked() *File {
	out := &File{Servers: make(map[string]ServerEntry, len(f.Servers))}
	for ns, entry := range f.Servers {
		masked := entry
		if entry.EnvVars != nil {
			masked.EnvVars = make(map[string]string, len(entry.EnvVars))
			for k, v := range entry.EnvVars {
				masked.EnvVars[k] = MaskValue(k, v)
			}
		}
		out.Servers[ns] = masked
	}
	return out
}

// MaskValue applies the secret-key rule to a single key/value pair.
func MaskValue(key, value string) string {
	if value == "" || !secretKeyPattern.MatchString(key) {
		return value
	}
	if varRefPattern.MatchString(strings.TrimSpace(value)) {
		return value
	}
	return MaskedValue
}

// MaskMap recursively masks secret-keyed values inside an arbitrary
// JSON-shaped document.
func MaskMap(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch value := v.(type) {
		case string:
			out[k] = MaskValue(k, value)
		case map[string]any:
			out[k] = MaskMap(value)
		default:
			out[k] = v
		}
	}
	return out
}

func resolveEntry(entry ServerEntry) ServerEntry {
	entry.ServerURL = os.ExpandEnv(entry.ServerURL)
	if entry.EnvVars != nil {
		resolved := make(map[string]string, len(entry.EnvVars))
		for k, v := range entry.EnvVars {
			resolved[k] = os.ExpandEnv(v)
		}
		entry.EnvVars = resolved
	}
	args := make([]string, len(entry.CommandArgs))
	for i, a := range entry.CommandArgs {
		args[i] = os.ExpandEnv(a)
	}
	entry.CommandArgs = args
	return entry
}
