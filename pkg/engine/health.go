package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
	"github.com/phoenix-hypervisor/phoenix/pkg/transport"
)

// HostProber runs readiness probes from the hypervisor host. Command
// probes go through the transport runner; URL probes use an HTTP client.
type HostProber struct {
	runner transport.Runner
	client *http.Client
	logger *telemetry.Logger
}

// NewHostProber creates a prober backed by the given runner.
func NewHostProber(runner transport.Runner, logger *telemetry.Logger) *HostProber {
	return &HostProber{
		runner: runner,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.NewComponentLogger("prober"),
	}
}

// Probe executes one probe attempt. A refused connection or a non-2xx
// response means "not ready yet", not a probe mechanism failure.
func (p *HostProber) Probe(ctx context.Context, spec *config.ResourceSpec, check *config.HealthCheck) (bool, string, error) {
	if check.URL != "" {
		return p.probeURL(ctx, check.URL)
	}
	return p.probeCommand(ctx, check.Command)
}

func (p *HostProber) probeURL(ctx context.Context, url string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", fmt.Errorf("invalid probe url %s: %w", url, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		// The service is not answering yet.
		return false, err.Error(), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	output := fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	return resp.StatusCode >= 200 && resp.StatusCode < 300, output, nil
}

func (p *HostProber) probeCommand(ctx context.Context, command []string) (bool, string, error) {
	if len(command) == 0 {
		return false, "", fmt.Errorf("probe command is empty")
	}

	result, err := p.runner.Run(ctx, command[0], command[1:]...)
	if err != nil {
		return false, "", err
	}

	output := result.Stdout
	if result.Stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += result.Stderr
	}
	return result.ExitCode == 0, output, nil
}
