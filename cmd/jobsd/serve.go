package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ikurchat/jobs"
	"github.com/ikurchat/jobs/agentcall"
	anthropiccall "github.com/ikurchat/jobs/agentcall/anthropic"
	openaicall "github.com/ikurchat/jobs/agentcall/openai"
	"github.com/ikurchat/jobs/config"
	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
	"github.com/ikurchat/jobs/store/sqlitestore"
)

func newServeCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host: trigger sources plus an owner console on stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logLevel(cfg.Logging.Level),
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		Component: "jobsd",
	})

	opts := []func(o *jobs.Options){hostOptions(cfg, logger)}

	// An empty store path keeps everything in memory; useful for trials,
	// wrong for anything that must survive a restart.
	if cfg.Store.Path != "" {
		db, err := sqlitestore.Open(sqlitestore.Config{
			Path:     cfg.Store.Path,
			PoolSize: cfg.Store.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("store close failed", "error", err)
			}
		}()
		opts = append(opts, func(o *jobs.Options) {
			o.TaskStore = db.Tasks()
			o.IdentityStore = db.Identities()
			o.SubscriptionStore = db.Subscriptions()
		})
	}

	// The caller needs the host's toolbox and the host needs a caller, so
	// the proxy breaks the cycle: the host is built against it and the
	// real caller is installed right after.
	proxy := &agentProxy{}
	console := newConsole(os.Stdout)

	host, err := jobs.New(cfg.OwnerKey, proxy, console, opts...)
	if err != nil {
		return err
	}

	caller, err := buildCaller(cfg, host.Toolbox())
	if err != nil {
		return err
	}
	proxy.set(caller)

	logger.Info("host starting",
		"provider", cfg.Agent.Provider,
		"store", storeKind(cfg),
		"owner", cfg.OwnerKey,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return host.Run(ctx) })
	g.Go(func() error { return console.ReadLoop(ctx, host, cfg.OwnerKey) })
	return g.Wait()
}

func hostOptions(cfg *config.Config, logger logging.Logger) func(o *jobs.Options) {
	return func(o *jobs.Options) {
		o.Capabilities = map[core.Role][]string{
			core.RoleOwner:    cfg.Capabilities.Owner,
			core.RoleExternal: cfg.Capabilities.External,
		}
		o.Instructions = map[core.Role]string{
			core.RoleOwner:    cfg.Capabilities.OwnerInstructions,
			core.RoleExternal: cfg.Capabilities.ExternalInstructions,
		}
		o.IdleTTL = cfg.Session.IdleTTL
		o.MaxSessions = cfg.Session.MaxSessions
		o.LockWait = cfg.Session.LockWait
		o.LockCeiling = cfg.Session.LockCeiling
		o.ExternalRate = cfg.Admission.ExternalRate
		o.ExternalBurst = cfg.Admission.ExternalBurst
		o.PollPeriod = cfg.Scheduler.PollPeriod
		o.HeartbeatInterval = cfg.Heartbeat.Interval
		o.OwnerCheckPrompt = cfg.Heartbeat.OwnerCheckPrompt
		o.QueueSize = cfg.Dispatcher.QueueSize
		o.MaxAttempts = cfg.Dispatcher.MaxAttempts
		o.RetryBase = cfg.Dispatcher.RetryBase
		o.WorkerIdle = cfg.Dispatcher.WorkerIdle
		o.OwnerPrefix = cfg.Dispatcher.OwnerPrefix
		o.Logger = logger
	}
}

func buildCaller(cfg *config.Config, tools agentcall.Toolbox) (core.AgentCaller, error) {
	history := agentcall.NewHistory()

	switch cfg.Agent.Provider {
	case "anthropic":
		return anthropiccall.NewCaller(history, tools, func(o *anthropiccall.Options) {
			if cfg.Agent.Model != "" {
				o.Model = anthropic.Model(cfg.Agent.Model)
			}
			if cfg.Agent.APIKey != "" {
				o.APIKey = cfg.Agent.APIKey
			}
			if cfg.Agent.MaxTokens > 0 {
				o.MaxTokens = cfg.Agent.MaxTokens
			}
			o.Temperature = cfg.Agent.Temperature
		}), nil
	case "openai":
		return openaicall.NewCaller(history, tools, func(o *openaicall.Options) {
			if cfg.Agent.Model != "" {
				o.Model = cfg.Agent.Model
			}
			if cfg.Agent.APIKey != "" {
				o.APIKey = cfg.Agent.APIKey
			}
			if cfg.Agent.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.Agent.MaxTokens
			}
			o.Temperature = cfg.Agent.Temperature
		}), nil
	default:
		return nil, fmt.Errorf("jobsd: unknown agent provider %q", cfg.Agent.Provider)
	}
}

func logLevel(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}

func storeKind(cfg *config.Config) string {
	if cfg.Store.Path != "" {
		return "sqlite"
	}
	return "memory"
}

// agentProxy defers caller construction until after the host exists.
type agentProxy struct {
	mu     sync.RWMutex
	caller core.AgentCaller
}

func (p *agentProxy) set(c core.AgentCaller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caller = c
}

// Invoke implements core.AgentCaller.
func (p *agentProxy) Invoke(ctx context.Context, caps core.CapabilitySet, input core.AgentInput) (<-chan core.AgentChunk, <-chan error) {
	p.mu.RLock()
	caller := p.caller
	p.mu.RUnlock()
	if caller == nil {
		errCh := make(chan error, 1)
		errCh <- fmt.Errorf("jobsd: agent caller not configured")
		close(errCh)
		chunks := make(chan core.AgentChunk)
		close(chunks)
		return chunks, errCh
	}
	return caller.Invoke(ctx, caps, input)
}
