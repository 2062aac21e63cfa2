package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/prodigy-cli/prodigy/internal/agent"
	"github.com/prodigy-cli/prodigy/internal/checkpoint"
	"github.com/prodigy-cli/prodigy/internal/config"
	"github.com/prodigy-cli/prodigy/internal/dlq"
	"github.com/prodigy-cli/prodigy/internal/git"
	"github.com/prodigy-cli/prodigy/internal/jobstate"
	"github.com/prodigy-cli/prodigy/internal/logging"
	"github.com/prodigy-cli/prodigy/internal/mapreduce"
	"github.com/prodigy-cli/prodigy/internal/phase"
	"github.com/prodigy-cli/prodigy/internal/progress"
	"github.com/prodigy-cli/prodigy/internal/workflow"
	"github.com/prodigy-cli/prodigy/internal/worktree"
)

// stateDir is where jobstate, checkpoints, and the dead-letter queue are
// persisted, rooted under the working directory every subcommand runs in
// (after --dir has already been applied by PersistentPreRunE).
const stateDir = ".prodigy"

// deps bundles every component a run/resume/status/dlq/checkpoint command
// needs, wired from a ResolvedConfig exactly once per invocation.
type deps struct {
	Config      *config.ResolvedConfig
	Checkpoints *checkpoint.Manager
	Jobs        *jobstate.Manager
	DLQ         *dlq.Queue
	Bus         *progress.Bus
	Coordinator *phase.Coordinator
	Logger      *log.Logger
}

// buildDeps loads prodigy.toml (if present), resolves it against defaults,
// env vars, and CLI overrides, and wires up every downstream component a
// workflow run needs: the shell/claude/write_file/handler runner router,
// the MapReduce executor, and the phase coordinator that drives both `run`
// and `resume`.
func buildDeps(overrides *config.CLIOverrides) (*deps, error) {
	logger := logging.New("cli")

	defaults := config.NewDefaults()
	var fileConfig *config.Config
	if path, findErr := config.FindConfigFile("."); findErr == nil && path != "" {
		loaded, _, loadErr := config.LoadFromFile(path)
		if loadErr != nil {
			return nil, fmt.Errorf("loading %s: %w", path, loadErr)
		}
		fileConfig = loaded
	}

	rc := config.Resolve(defaults, fileConfig, os.LookupEnv, overrides)

	checkpoints := checkpoint.New(stateDir)
	jobs := jobstate.NewManager(stateDir)

	ttl := time.Duration(rc.Config.DLQ.RetentionDays) * 24 * time.Hour
	dlqQueue := dlq.New(stateDir, dlq.Options{MaxItems: rc.Config.DLQ.MaxItems, TTL: ttl})

	bus := progress.New()

	router := workflow.NewRouter()
	router.Register(&workflow.ShellRunner{})
	router.Register(&workflow.WriteFileRunner{})
	router.Register(&workflow.HandlerRunner{Registry: workflow.NewHandlerRegistry()})

	var rateLimiter *agent.RateLimitCoordinator
	for name, ac := range rc.Config.Agents {
		if name != "claude" {
			continue
		}
		claudeAgent := agent.NewClaudeAgent(agent.AgentConfig{
			Command: ac.Command,
			Model:   ac.Model,
			Effort:  ac.Effort,
		}, logger)
		rateLimiter = agent.NewRateLimitCoordinator(agent.BackoffConfig{})
		router.Register(&workflow.ClaudeRunner{
			Agent:       claudeAgent,
			Model:       ac.Model,
			Effort:      ac.Effort,
			RateLimiter: rateLimiter,
			LogDir:      filepath.Join(stateDir, "logs"),
		})
	}

	engineOpts := []workflow.EngineOption{
		workflow.WithLogger(logger),
		workflow.WithBus(bus),
		workflow.WithDryRun(flagDryRun),
	}

	var worktrees *worktree.Manager
	if repo, gitErr := git.New("."); gitErr == nil {
		worktrees = worktree.New(repo, rc.Config.Worktree.BaseDir, logger)
		engineOpts = append(engineOpts, workflow.WithCommitProbe(repo))
	}

	engine := workflow.NewEngine(router, engineOpts...)

	maxRetries := rc.Config.Execution.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	executor := &mapreduce.Executor{
		Engine:                 engine,
		Worktrees:              worktrees,
		DLQ:                    dlqQueue,
		Jobs:                   jobs,
		Bus:                    bus,
		Logger:                 logger,
		MaxRetries:             maxRetries,
		MaxConsecutiveFailures: rc.Config.Execution.MaxConsecutiveFailures,
	}

	coordinator := &phase.Coordinator{
		Engine:             engine,
		Executor:           executor,
		Checkpoints:        checkpoints,
		Jobs:               jobs,
		Bus:                bus,
		Logger:             logger,
		WorkDir:            "",
		CheckpointInterval: time.Duration(rc.Config.Execution.CheckpointIntervalSecs) * time.Second,
	}

	return &deps{
		Config:      rc,
		Checkpoints: checkpoints,
		Jobs:        jobs,
		DLQ:         dlqQueue,
		Bus:         bus,
		Coordinator: coordinator,
		Logger:      logger,
	}, nil
}
