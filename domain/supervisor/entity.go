// Package supervisor bridges durable external server records to live
// subprocess providers: installation, process lifecycle, and tool
// publication through the registry.
package supervisor

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/tooldock/tooldock/domain/extconfig"
)

// ServerStatus is the lifecycle state of an external server record.
type ServerStatus string

const (
	StatusInstalling ServerStatus = "installing"
	StatusStopped    ServerStatus = "stopped"
	StatusRunning    ServerStatus = "running"
	StatusError      ServerStatus = "error"
)

// Install methods.
const (
	InstallPackage = "package"
	InstallRepo    = "repo"
	InstallManual  = "manual"
	InstallHTTP    = "http"
)

// Package registry types.
const (
	RegistryPyPI = "pypi"
	RegistryNPM  = "npm"
	RegistryOCI  = "oci"
)

// ExternalServer is the durable record for one external tool provider.
// Table: external_servers
type ExternalServer struct {
	bun.BaseModel `bun:"table:external_servers,alias:es"`

	ID             string            `bun:"id,pk" json:"id"`
	Namespace      string            `bun:"namespace,notnull,unique" json:"namespace"`
	ServerName     string            `bun:"server_name" json:"server_name"`
	Version        string            `bun:"version" json:"version"`
	InstallMethod  string            `bun:"install_method,notnull" json:"install_method"`
	PackageInfo    string            `bun:"package_info" json:"package_info"`
	PackageType    string            `bun:"package_type" json:"package_type"`
	RepoURL        string            `bun:"repo_url" json:"repo_url"`
	SourceURL      string            `bun:"source_url" json:"source_url"`
	Entrypoint     string            `bun:"entrypoint" json:"entrypoint"`
	Port           int               `bun:"port" json:"port"`
	VenvPath       string            `bun:"venv_path" json:"venv_path"`
	Status         ServerStatus      `bun:"status,notnull" json:"status"`
	PID            int               `bun:"pid" json:"pid"`
	LastError      string            `bun:"last_error" json:"last_error"`
	AutoStart      bool              `bun:"auto_start" json:"auto_start"`
	StartupCommand string            `bun:"startup_command" json:"startup_command"`
	CommandArgs    []string          `bun:"command_args" json:"command_args"`
	EnvVars        map[string]string `bun:"env_vars" json:"env_vars"`
	ConfigYAML     string            `bun:"config_yaml" json:"config_yaml"`
	TransportType  string            `bun:"transport_type" json:"transport_type"`
	ServerURL      string            `bun:"server_url" json:"server_url"`
	CreatedAt      time.Time         `bun:"created_at,nullzero" json:"created_at"`
	UpdatedAt      time.Time         `bun:"updated_at,nullzero" json:"updated_at"`
}

// RegistryCacheEntry caches remote registry metadata per server name. The
// cache is advisory: listings read through it, installs never require it.
// Table: external_registry_cache
type RegistryCacheEntry struct {
	bun.BaseModel `bun:"table:external_registry_cache,alias:erc"`

	ServerName    string    `bun:"server_name,pk" json:"server_name"`
	LatestVersion string    `bun:"latest_version" json:"latest_version"`
	MetadataJSON  string    `bun:"metadata_json" json:"metadata_json"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero" json:"updated_at"`
}

// ServerDTO is the admin-facing view of a record with secrets masked.
type ServerDTO struct {
	ID            string            `json:"id"`
	Namespace     string            `json:"namespace"`
	ServerName    string            `json:"server_name,omitempty"`
	Version       string            `json:"version,omitempty"`
	InstallMethod string            `json:"install_method"`
	PackageInfo   string            `json:"package_info,omitempty"`
	PackageType   string            `json:"package_type,omitempty"`
	RepoURL       string            `json:"repo_url,omitempty"`
	Entrypoint    string            `json:"entrypoint,omitempty"`
	Port          int               `json:"port,omitempty"`
	Status        ServerStatus      `json:"status"`
	PID           int               `json:"pid,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	AutoStart     bool              `json:"auto_start"`
	Command       string            `json:"startup_command,omitempty"`
	CommandArgs   []string          `json:"command_args,omitempty"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	TransportType string            `json:"transport_type"`
	ServerURL     string            `json:"server_url,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ToDTO converts a record for admin listings, masking secret env values.
func (s *ExternalServer) ToDTO() *ServerDTO {
	dto := &ServerDTO{
		ID:            s.ID,
		Namespace:     s.Namespace,
		ServerName:    s.ServerName,
		Version:       s.Version,
		InstallMethod: s.InstallMethod,
		PackageInfo:   s.PackageInfo,
		PackageType:   s.PackageType,
		RepoURL:       s.RepoURL,
		Entrypoint:    s.Entrypoint,
		Port:          s.Port,
		Status:        s.Status,
		PID:           s.PID,
		LastError:     s.LastError,
		AutoStart:     s.AutoStart,
		Command:       s.StartupCommand,
		CommandArgs:   s.CommandArgs,
		TransportType: s.TransportType,
		ServerURL:     s.ServerURL,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.EnvVars != nil {
		dto.EnvVars = make(map[string]string, len(s.EnvVars))
		for k, v := range s.EnvVars {
			dto.EnvVars[k] = extconfig.MaskValue(k, v)
		}
	}
	return dto
}
