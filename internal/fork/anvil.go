package fork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/jsonrpc"
)

// AnvilConfig configures the anvil launcher.
type AnvilConfig struct {
	// Path is the anvil executable.
	Path string
	// ForkURLs are upstream RPC endpoints; SimulationParams.RPCTarget indexes
	// into this list.
	ForkURLs       []string
	StartupTimeout time.Duration
	// BlockGasLimit is passed as --gas-limit when set, so retried
	// transactions above the upstream block limit still fit.
	BlockGasLimit uint64
	// ExtraArgs are appended to every anvil command line.
	ExtraArgs []string
}

// AnvilHandle starts a fresh anvil process for every Run and tears it down
// on return, so no state survives between attempts.
type AnvilHandle struct {
	cfg    AnvilConfig
	logger *slog.Logger
}

// NewAnvilHandle creates an anvil-backed fork handle.
func NewAnvilHandle(cfg AnvilConfig, logger *slog.Logger) (*AnvilHandle, error) {
	if len(cfg.ForkURLs) == 0 {
		return nil, errors.New("at least one fork URL is required")
	}
	if cfg.Path == "" {
		cfg.Path = "anvil"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnvilHandle{cfg: cfg, logger: logger}, nil
}

// ForkURLs returns the configured upstream endpoints.
func (h *AnvilHandle) ForkURLs() []string { return h.cfg.ForkURLs }

// Run implements Handle.
func (h *AnvilHandle) Run(ctx context.Context, tx api.Transaction, params api.SimulationParams) (*api.SimulationOutcome, error) {
	if params.RPCTarget < 0 || params.RPCTarget >= len(h.cfg.ForkURLs) {
		return nil, fmt.Errorf("%w: rpc target %d out of range", ErrForkUnavailable, params.RPCTarget)
	}
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForkUnavailable, err)
	}

	args := []string{
		"--fork-url", h.cfg.ForkURLs[params.RPCTarget],
		"--port", strconv.Itoa(port),
		"--host", "127.0.0.1",
		"--silent",
	}
	if params.BlockNumber > 0 {
		args = append(args, "--fork-block-number", strconv.FormatUint(params.BlockNumber, 10))
	}
	if h.cfg.BlockGasLimit > 0 {
		args = append(args, "--gas-limit", strconv.FormatUint(h.cfg.BlockGasLimit, 10))
	}
	args = append(args, h.cfg.ExtraArgs...)

	// The process dies with ctx, which covers budget cancellation.
	cmd := exec.CommandContext(ctx, h.cfg.Path, args...)
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrForkUnavailable, h.cfg.Path, err)
	}
	h.logger.Debug("anvil started", "pid", cmd.Process.Pid, "port", port, "rpc_target", params.RPCTarget)

	var waitErr error
	exited := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()
	defer func() {
		_ = cmd.Process.Kill()
		<-exited
		h.logger.Debug("anvil stopped", "pid", cmd.Process.Pid)
	}()

	client := jsonrpc.NewClient("http://127.0.0.1:"+strconv.Itoa(port), nil)
	if err := h.waitReady(ctx, client, exited); err != nil {
		select {
		case <-exited:
			return nil, fmt.Errorf("%w (exit: %v)", err, waitErr)
		default:
			return nil, err
		}
	}
	return NewRPCSimulator(client, h.logger).Run(ctx, tx, params)
}

func (h *AnvilHandle) waitReady(ctx context.Context, client *jsonrpc.Client, exited <-chan struct{}) error {
	deadline := time.NewTimer(h.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		var version string
		err := client.Call(pctx, &version, "web3_clientVersion")
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: anvil exited during startup", ErrForkUnavailable)
		case <-deadline.C:
			return fmt.Errorf("%w: anvil not ready after %s: %v", ErrForkUnavailable, h.cfg.StartupTimeout, err)
		case <-tick.C:
		}
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
