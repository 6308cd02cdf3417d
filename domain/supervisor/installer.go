package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tooldock/tooldock/domain/registry"
	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
)

const npmRegistryURL = "https://registry.npmjs.org"

// InstallRequest carries the parameters for materializing a new external
// server record.
type InstallRequest struct {
	Namespace     string `json:"namespace"`
	ServerName    string `json:"server_name"`
	InstallMethod string `json:"install_method"`

	// package
	PackageIdentifier string `json:"package_identifier"`
	PackageType       string `json:"package_type"` // pypi | npm | oci
	Version           string `json:"version"`

	// repo
	RepoURL    string `json:"repo_url"`
	Entrypoint string `json:"entrypoint"`

	// manual
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`

	// http
	ServerURL string `json:"server_url"`

	TransportType string `json:"transport_type"`
	AutoStart     bool   `json:"auto_start"`
	ConfigFile    string `json:"config_file"`

	// OverrideSafety accepts a blocked safety verdict.
	OverrideSafety bool `json:"override_safety"`
}

// SafetyReport is the advisory pre-install verdict.
type SafetyReport struct {
	RiskLevel string   `json:"risk_level"` // low | medium | high
	RiskScore int      `json:"risk_score"`
	Blocked   bool     `json:"blocked"`
	Findings  []string `json:"findings,omitempty"`
}

// Installer materializes runnable recipes from install requests.
type Installer struct {
	cfg         *config.Config
	log         *slog.Logger
	http        *http.Client
	registryURL string
}

func NewInstaller(cfg *config.Config, log *slog.Logger) *Installer {
	return &Installer{
		cfg:         cfg,
		log:         log.With(logger.Scope("supervisor.install")),
		http:        &http.Client{Timeout: 10 * time.Second},
		registryURL: npmRegistryURL,
	}
}

// riskPatterns raise the safety score when found in a recipe. Scores are
// additive; at or above blockThreshold the verdict is blocked.
var riskPatterns = []struct {
	pattern string
	score   int
}{
	{"rm -rf", 60},
	{"sudo", 50},
	{"curl ", 30},
	{"wget ", 30},
	{"| sh", 50},
	{"| bash", 50},
	{"base64", 25},
	{"/etc/passwd", 60},
	{"nc ", 25},
	{"chmod 777", 40},
}

const blockThreshold = 60

// CheckSafety scores an install recipe. The check is advisory: a blocked
// verdict can be overridden by the caller.
func (i *Installer) CheckSafety(req InstallRequest) SafetyReport {
	recipe := strings.ToLower(strings.Join(append([]string{req.Command, req.PackageIdentifier, req.RepoURL}, req.Args...), " "))

	report := SafetyReport{RiskLevel: "low"}
	for _, rp := range riskPatterns {
		if strings.Contains(recipe, rp.pattern) {
			report.RiskScore += rp.score
			report.Findings = append(report.Findings, rp.pattern)
		}
	}
	switch {
	case report.RiskScore >= blockThreshold:
		report.RiskLevel = "high"
		report.Blocked = true
	case report.RiskScore >= 25:
		report.RiskLevel = "medium"
	}
	return report
}

// Install validates the request, runs the safety check, and produces a
// populated record in status stopped (or error, with last_error set, when
// materialization fails).
func (i *Installer) Install(ctx context.Context, req InstallRequest) (*ExternalServer, error) {
	if err := registry.ValidateNamespace(req.Namespace); err != nil {
		return nil, err
	}

	report := i.CheckSafety(req)
	if report.Blocked && !req.OverrideSafety {
		return nil, apperror.ErrInstallFailed.WithMessage(
			fmt.Sprintf("Install blocked by safety check (score %d); set override_safety to proceed", report.RiskScore)).
			WithDetails(map[string]any{"risk_score": report.RiskScore, "findings": report.Findings})
	}

	server := &ExternalServer{
		ID:            uuid.NewString(),
		Namespace:     req.Namespace,
		ServerName:    req.ServerName,
		Version:       req.Version,
		InstallMethod: req.InstallMethod,
		PackageType:   req.PackageType,
		PackageInfo:   req.PackageIdentifier,
		RepoURL:       req.RepoURL,
		Entrypoint:    req.Entrypoint,
		EnvVars:       req.Env,
		AutoStart:     req.AutoStart,
		TransportType: req.TransportType,
		ServerURL:     req.ServerURL,
		ConfigYAML:    req.ConfigFile,
		Status:        StatusInstalling,
	}
	if server.ServerName == "" {
		server.ServerName = req.Namespace
	}

	var err error
	switch req.InstallMethod {
	case InstallPackage:
		err = i.installPackage(ctx, server, req)
	case InstallRepo:
		err = i.installRepo(ctx, server, req)
	case InstallManual:
		err = i.installManual(server, req)
	case InstallHTTP:
		err = i.installHTTP(server, req)
	default:
		err = apperror.NewBadRequest(fmt.Sprintf("Unknown install method '%s'", req.InstallMethod))
	}
	if err != nil {
		server.Status = StatusError
		server.LastError = err.Error()
		return server, err
	}

	server.Status = StatusStopped
	i.log.Info("server installed",
		slog.String("namespace", server.Namespace),
		slog.String("method", server.InstallMethod),
	)
	return server, nil
}

func (i *Installer) installPackage(ctx context.Context, server *ExternalServer, req InstallRequest) error {
	if req.PackageIdentifier == "" {
		return apperror.NewBadRequest("package_identifier is required for package installs")
	}

	switch req.PackageType {
	case RegistryPyPI, "":
		// uvx resolves and caches the package itself; no local venv.
		ident := req.PackageIdentifier
		if req.Version != "" {
			ident = fmt.Sprintf("%s==%s", ident, req.Version)
		}
		server.PackageType = RegistryPyPI
		server.StartupCommand = "uvx"
		server.CommandArgs = []string{ident}

	case RegistryNPM:
		if err := i.probeNPM(ctx, req.PackageIdentifier); err != nil {
			return err
		}
		ident := req.PackageIdentifier
		if req.Version != "" {
			ident = fmt.Sprintf("%s@%s", ident, req.Version)
		}
		server.StartupCommand = "npx"
		server.CommandArgs = []string{"-y", ident}

	case RegistryOCI:
		server.StartupCommand = "docker"
		server.CommandArgs = []string{"run", "-i", "--rm", req.PackageIdentifier}

	default:
		return apperror.NewBadRequest(fmt.Sprintf("Unknown package registry type '%s'", req.PackageType))
	}

	if server.TransportType == "" {
		server.TransportType = "stdio"
	}
	return nil
}

// probeNPM checks package existence before accepting the recipe.
func (i *Installer) probeNPM(ctx context.Context, ident string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.registryURL+"/"+ident, nil)
	if err != nil {
		return fmt.Errorf("build npm probe: %w", err)
	}
	resp, err := i.http.Do(req)
	if err != nil {
		// Unreachable registry must not block installs; the cache is
		// advisory and so is the probe.
		i.log.Warn("npm probe unreachable", slog.String("package", ident), logger.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperror.ErrPackageNotFound.WithMessage(
			fmt.Sprintf("Package '%s' not found in npm registry", ident))
	}
	return nil
}

func (i *Installer) installRepo(ctx context.Context, server *ExternalServer, req InstallRequest) error {
	if req.RepoURL == "" {
		return apperror.NewBadRequest("repo_url is required for repo installs")
	}

	repoDir := filepath.Join(i.cfg.ServersDir(), server.Namespace, "repo")
	if err := os.MkdirAll(filepath.Dir(repoDir), 0o755); err != nil {
		return apperror.ErrInstallFailed.WithMessage("Could not create server directory").WithInternal(err)
	}

	clone := exec.CommandContext(ctx, "git", "clone", "--depth", "1", req.RepoURL, repoDir)
	if out, err := clone.CombinedOutput(); err != nil {
		return apperror.ErrInstallFailed.WithMessage("git clone failed").
			WithInternal(fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}

	entrypoint := req.Entrypoint
	if entrypoint == "" {
		detected, err := detectEntrypoint(repoDir)
		if err != nil {
			return err
		}
		entrypoint = detected
	}
	server.Entrypoint = entrypoint
	server.SourceURL = req.RepoURL

	venvDir := filepath.Join(i.cfg.VenvsDir(), server.Namespace)
	if reqFile := filepath.Join(repoDir, "requirements.txt"); fileExists(reqFile) {
		if err := i.installRequirements(ctx, venvDir, reqFile); err != nil {
			return err
		}
		server.VenvPath = venvDir
	}

	server.StartupCommand = "python"
	server.CommandArgs = []string{filepath.Join(repoDir, entrypoint)}
	if server.TransportType == "" {
		server.TransportType = "stdio"
	}
	return nil
}

// installRequirements builds a per-namespace venv and installs the repo's
// requirements into it.
func (i *Installer) installRequirements(ctx context.Context, venvDir, reqFile string) error {
	if out, err := exec.CommandContext(ctx, "python", "-m", "venv", venvDir).CombinedOutput(); err != nil {
		return apperror.ErrInstallFailed.WithMessage("venv creation failed").
			WithInternal(fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	pip := filepath.Join(venvDir, "bin", "pip")
	if out, err := exec.CommandContext(ctx, pip, "install", "-r", reqFile).CombinedOutput(); err != nil {
		return apperror.ErrInstallFailed.WithMessage("pip install failed").
			WithInternal(fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return nil
}

func (i *Installer) installManual(server *ExternalServer, req InstallRequest) error {
	if req.Command == "" {
		return apperror.NewBadRequest("command is required for manual installs")
	}
	server.StartupCommand = req.Command
	server.CommandArgs = req.Args
	if server.TransportType == "" {
		server.TransportType = "stdio"
	}
	return nil
}

func (i *Installer) installHTTP(server *ExternalServer, req InstallRequest) error {
	if req.ServerURL == "" {
		return apperror.NewBadRequest("server_url is required for http installs")
	}
	server.ServerURL = req.ServerURL
	server.TransportType = "http"
	return nil
}

// detectEntrypoint looks for a __main__-bearing Python file near the repo
// root.
func detectEntrypoint(repoDir string) (string, error) {
	candidates := []string{"__main__.py", "main.py", "server.py", "app.py"}
	for _, name := range candidates {
		if fileExists(filepath.Join(repoDir, name)) {
			return name, nil
		}
	}

	entries, err := os.ReadDir(repoDir)
	if err != nil {
		return "", apperror.ErrInstallFailed.WithMessage("Could not scan repo for entrypoint").WithInternal(err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(repoDir, entry.Name()))
		if err == nil && strings.Contains(string(data), "__main__") {
			return entry.Name(), nil
		}
	}
	return "", apperror.ErrInstallFailed.WithMessage("No entrypoint found; specify one explicitly")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
