package reload

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tooldock/tooldock/internal/config"
	"github.com/tooldock/tooldock/pkg/logger"
)

const fanoutTimeout = 500 * time.Millisecond

// Fanout notifies sibling processes that shared state changed. Broadcasts
// are best-effort: failures are logged and never propagated, and the whole
// mechanism is suppressed under test via FANOUT_DISABLED.
type Fanout struct {
	cfg    *config.Config
	log    *slog.Logger
	client *http.Client
}

func NewFanout(cfg *config.Config, log *slog.Logger) *Fanout {
	return &Fanout{
		cfg:    cfg,
		log:    log.With(logger.Scope("fanout")),
		client: &http.Client{Timeout: fanoutTimeout},
	}
}

// Broadcast posts the reload notification to every sibling endpoint.
func (f *Fanout) Broadcast(ctx context.Context) {
	if f.cfg.FanoutDisabled {
		return
	}

	host := f.cfg.FanoutHost()
	targets := []string{
		fmt.Sprintf("http://%s:%d/admin/fastmcp/reload", host, f.cfg.MCPPort),
		fmt.Sprintf("http://%s:%d/admin/servers/reload", host, f.cfg.WebPort),
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.post(ctx, target)
		}()
	}
	wg.Wait()
}

func (f *Fanout) post(ctx context.Context, target string) {
	ctx, cancel := context.WithTimeout(ctx, fanoutTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		f.log.Warn("fanout request build failed", slog.String("target", target), logger.Error(err))
		return
	}
	if f.cfg.AuthEnabled() {
		req.Header.Set("Authorization", "Bearer "+f.cfg.BearerToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Debug("fanout target unreachable", slog.String("target", target), logger.Error(err))
		return
	}
	resp.Body.Close()
}
