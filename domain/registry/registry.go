package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/apperror"
	"github.com/tooldock/tooldock/pkg/logger"
	"github.com/tooldock/tooldock/pkg/metrics"
)

const (
	modeNative   = "native"
	modeExternal = "external"
)

// Registry is the in-memory tool catalog. Tool names are globally unique;
// each name lives in exactly one namespace. Reads are the hot path and run
// concurrently; mutations take the write lock and update the name map, the
// namespace index, and the namespace mode atomically.
type Registry struct {
	cfg *config.Config
	log *slog.Logger
	mtr *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*Entry           // name -> entry
	byNS    map[string]map[string]bool  // namespace -> set of names
	nsMode  map[string]string           // namespace -> native | external
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *config.Config, log *slog.Logger, mtr *metrics.Metrics) *Registry {
	return &Registry{
		cfg:     cfg,
		log:     log.With(logger.Scope("registry")),
		mtr:     mtr,
		entries: make(map[string]*Entry),
		byNS:    make(map[string]map[string]bool),
		nsMode:  make(map[string]string),
	}
}

// Register adds a native tool entry under a namespace.
func (r *Registry) Register(entry *Entry, namespace string) error {
	if entry.Name == "" {
		return apperror.NewBadRequest("Tool name is required")
	}
	if entry.Handler == nil {
		return apperror.NewBadRequest("Tool handler is required")
	}

	entry.Namespace = namespace
	entry.External = false
	return r.add(entry, modeNative)
}

// RegisterExternal adds an entry whose execution is delegated to a
// subprocess server through caller. originalName is the unprefixed name
// the server knows the tool by.
func (r *Registry) RegisterExternal(name, description string, schema map[string]any, serverID, originalName string, caller ToolCaller, namespace string) error {
	if caller == nil {
		return apperror.NewBadRequest("External tool requires a proxy")
	}

	entry := &Entry{
		Name:         name,
		Description:  description,
		InputSchema:  schema,
		Namespace:    namespace,
		External:     true,
		ServerID:     serverID,
		OriginalName: originalName,
		Proxy:        caller,
	}
	return r.add(entry, modeExternal)
}

func (r *Registry) add(entry *Entry, mode string) error {
	schema := strictSchema(entry.InputSchema)
	compiled, err := compileSchema(schema)
	if err != nil {
		return apperror.NewBadRequest(fmt.Sprintf("Invalid input schema for tool '%s'", entry.Name)).WithInternal(err)
	}
	entry.InputSchema = schema
	entry.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[entry.Name]; ok {
		return apperror.ErrDuplicateTool.WithMessage(
			fmt.Sprintf("Tool '%s' is already registered in namespace '%s'", entry.Name, existing.Namespace))
	}
	if current, ok := r.nsMode[entry.Namespace]; ok && current != mode {
		return apperror.ErrNamespaceInvalid.WithMessage(
			fmt.Sprintf("Namespace '%s' is %s; cannot register %s tools", entry.Namespace, current, mode))
	}

	r.entries[entry.Name] = entry
	names, ok := r.byNS[entry.Namespace]
	if !ok {
		names = make(map[string]bool)
		r.byNS[entry.Namespace] = names
		r.nsMode[entry.Namespace] = mode
	}
	names[entry.Name] = true

	r.log.Debug("tool registered",
		slog.String("tool", entry.Name),
		slog.String("namespace", entry.Namespace),
		slog.Bool("external", entry.External),
	)
	return nil
}

// Unregister removes an entry by name. The namespace index entry is
// dropped once its last tool is gone.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return apperror.ErrToolNotFound.WithMessage(fmt.Sprintf("Tool '%s' not found", name))
	}

	delete(r.entries, name)
	if names, ok := r.byNS[entry.Namespace]; ok {
		delete(names, name)
		if len(names) == 0 {
			delete(r.byNS, entry.Namespace)
			delete(r.nsMode, entry.Namespace)
		}
	}

	r.log.Debug("tool unregistered",
		slog.String("tool", name),
		slog.String("namespace", entry.Namespace),
	)
	return nil
}

// UnregisterServer removes every entry owned by an external server id and
// returns how many were removed.
func (r *Registry) UnregisterServer(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, entry := range r.entries {
		if !entry.External || entry.ServerID != serverID {
			continue
		}
		delete(r.entries, name)
		if names, ok := r.byNS[entry.Namespace]; ok {
			delete(names, name)
			if len(names) == 0 {
				delete(r.byNS, entry.Namespace)
				delete(r.nsMode, entry.Namespace)
			}
		}
		removed++
	}
	if removed > 0 {
		r.log.Info("external tools unregistered",
			slog.String("server_id", serverID),
			slog.Int("count", removed),
		)
	}
	return removed
}

// resolve applies the name tie-breaks under a read lock already held:
// verbatim, then with any "<prefix>__" stripped, then a unique "*:name"
// suffix match.
func (r *Registry) resolve(name string) (*Entry, bool) {
	if entry, ok := r.entries[name]; ok {
		return entry, true
	}

	if idx := strings.Index(name, "__"); idx >= 0 {
		if entry, ok := r.entries[name[idx+2:]]; ok {
			return entry, true
		}
	}

	var match *Entry
	suffix := ":" + name
	for candidate, entry := range r.entries {
		if strings.HasSuffix(candidate, suffix) {
			if match != nil {
				return nil, false // ambiguous
			}
			match = entry
		}
	}
	return match, match != nil
}

// Lookup resolves a possibly-prefixed name and returns the canonical
// name and owning namespace.
func (r *Registry) Lookup(name string) (canonical, namespace string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, found := r.resolve(name)
	if !found {
		return "", "", false
	}
	return entry.Name, entry.Namespace, true
}

type callOutcome struct {
	value any
	err   error
}

// Call resolves a tool, validates arguments against its schema, and runs
// the handler under the configured deadline. Exceeding the deadline
// cancels the handler's context and yields tool_timeout.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	entry, ok := r.resolve(name)
	r.mu.RUnlock()

	if !ok {
		return nil, apperror.ErrToolNotFound.WithMessage(fmt.Sprintf("Tool '%s' not found", name))
	}

	r.mtr.RecordCall(entry.Namespace)

	if err := entry.compiled.validate(args); err != nil {
		r.mtr.RecordError(entry.Namespace, apperror.CodeOf(err))
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout())
	defer cancel()

	outcome := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("tool handler panic",
					slog.String("tool", entry.Name),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				outcome <- callOutcome{err: apperror.ErrInternal}
			}
		}()
		value, err := r.invoke(ctx, entry, args)
		outcome <- callOutcome{value: value, err: err}
	}()

	select {
	case out := <-outcome:
		if out.err != nil {
			r.mtr.RecordError(entry.Namespace, apperror.CodeOf(out.err))
		}
		return out.value, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.mtr.RecordError(entry.Namespace, "tool_timeout")
			return nil, apperror.ErrToolTimeout.WithMessage(
				fmt.Sprintf("Tool '%s' exceeded %s deadline", entry.Name, r.cfg.ToolTimeout()))
		}
		r.mtr.RecordError(entry.Namespace, "tool_error")
		return nil, apperror.ErrToolError.WithMessage(
			fmt.Sprintf("Tool '%s' call was cancelled", entry.Name)).WithInternal(ctx.Err())
	}
}

func (r *Registry) invoke(ctx context.Context, entry *Entry, args map[string]any) (any, error) {
	if entry.External {
		return entry.Proxy.CallTool(ctx, entry.OriginalName, args)
	}
	return entry.Handler(ctx, args)
}

// ListForNamespace returns the namespace's descriptors sorted by name.
func (r *Registry) ListForNamespace(namespace string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byNS[namespace]))
	for name := range r.byNS[namespace] {
		entry := r.entries[name]
		out = append(out, Descriptor{
			Name:        entry.Name,
			Description: entry.Description,
			InputSchema: entry.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListAll returns descriptors across all namespaces, tagged native or
// external, sorted by namespace then name.
func (r *Registry) ListAll() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, entry := range r.entries {
		kind := modeNative
		if entry.External {
			kind = modeExternal
		}
		out = append(out, Descriptor{
			Name:        entry.Name,
			Description: entry.Description,
			InputSchema: entry.InputSchema,
			Namespace:   entry.Namespace,
			Type:        kind,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// HasNamespace reports whether any tool lives under the namespace.
func (r *Registry) HasNamespace(namespace string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNS[namespace]) > 0
}

// ToolInNamespace reports whether name (after tie-breaks) belongs to the
// namespace.
func (r *Registry) ToolInNamespace(name, namespace string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.resolve(name)
	return ok && entry.Namespace == namespace
}

// GetNamespace returns the namespace owning a tool name.
func (r *Registry) GetNamespace(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return entry.Namespace, true
}

// IsExternalNamespace reports whether the namespace is backed by an
// external server.
func (r *Registry) IsExternalNamespace(namespace string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nsMode[namespace] == modeExternal
}

// Namespaces returns all namespace names, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byNS))
	for ns := range r.byNS {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// NativeNamespaces returns the namespaces loaded from disk, sorted.
func (r *Registry) NativeNamespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byNS))
	for ns, mode := range r.nsMode {
		if mode == modeNative {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

// ToolNames returns the tool names in a namespace, sorted.
func (r *Registry) ToolNames(namespace string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byNS[namespace]))
	for name := range r.byNS[namespace] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stats returns catalog counts with a per-namespace breakdown.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{PerNS: make(map[string]NamespaceStats, len(r.byNS))}
	for _, entry := range r.entries {
		ns := stats.PerNS[entry.Namespace]
		ns.Mode = r.nsMode[entry.Namespace]
		if entry.External {
			stats.External++
			ns.External++
		} else {
			stats.Native++
			ns.Native++
		}
		stats.PerNS[entry.Namespace] = ns
	}
	stats.Total = stats.Native + stats.External
	stats.Namespaces = len(r.byNS)
	return stats
}
