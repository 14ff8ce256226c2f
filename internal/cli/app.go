package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/autoloop/autoloop/internal/agent"
	"github.com/autoloop/autoloop/internal/approval"
	"github.com/autoloop/autoloop/internal/config"
	"github.com/autoloop/autoloop/internal/events"
	"github.com/autoloop/autoloop/internal/exec"
	"github.com/autoloop/autoloop/internal/git"
	"github.com/autoloop/autoloop/internal/lease"
	"github.com/autoloop/autoloop/internal/merge"
	"github.com/autoloop/autoloop/internal/notify"
	"github.com/autoloop/autoloop/internal/pipeline"
	"github.com/autoloop/autoloop/internal/recovery"
	"github.com/autoloop/autoloop/internal/state"
	"github.com/autoloop/autoloop/internal/testrun"
)

// journalFileName is the SQLite event journal inside the project config dir.
const journalFileName = "events.db"

// app holds the wired service graph for one CLI invocation. All collaborator
// wiring happens here, once, per spec'd dependency-injection at startup.
type app struct {
	projectPath string
	cfg         *config.Config
	logger      *slog.Logger

	bus       events.Bus
	journal   *events.JournalBus
	store     *state.Manager
	leases    *lease.Manager
	worktrees *git.Resolver
	approval  *approval.Service
	exec      *exec.Service
	recovery  *recovery.Service
	notifier  *notify.FileService
}

// buildApp assembles the full service graph for a project.
func buildApp(projectPath string) (*app, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(projectPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	settings := config.FileProvider{}

	var bus events.Bus
	var journal *events.JournalBus
	db, err := events.OpenJournal(filepath.Join(projectPath, config.Dir, journalFileName))
	if err != nil {
		logger.Warn("event journal unavailable, events will not be persisted", "error", err)
		bus = events.NewMemoryBus()
	} else {
		journal = events.NewJournalBus(db, "cli", logger)
		bus = journal
	}

	notifier := notify.NewFileService(logger)

	store := state.NewManager(
		state.WithBus(bus),
		state.WithNotifier(notifier),
		state.WithLogger(logger),
	)

	leases := lease.NewManager(
		lease.WithMaxPerWorktree(cfg.MaxConcurrency),
		lease.WithLogger(logger),
	)

	worktrees := git.NewResolver(git.WithLogger(logger))

	agentRunner := agent.NewExecRunner(cfg.AgentCommand, logger)
	tests := testrun.NewLocalRunner()

	var merger merge.Merger
	if cfg.MergeURL != "" {
		merger = merge.NewHTTPMerger(cfg.MergeURL)
	} else {
		merger = merge.NewGitMerger(nil, logger)
	}

	orch := pipeline.NewOrchestrator(store, bus, agentRunner, tests, merger,
		pipeline.WithLogger(logger))

	approvalSvc := approval.NewService(store, settings,
		approval.WithBus(bus),
		approval.WithLogger(logger))

	execSvc := exec.NewService(leases, store, bus, agentRunner, orch, settings, worktrees,
		exec.WithLogger(logger),
		exec.WithApprovalGate(approvalSvc))

	recoverySvc := recovery.NewService(leases, store, bus, execSvc, settings,
		recovery.WithLogger(logger))
	execSvc.SetRecovery(recoverySvc, recoverySvc)

	return &app{
		projectPath: projectPath,
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		journal:     journal,
		store:       store,
		leases:      leases,
		worktrees:   worktrees,
		approval:    approvalSvc,
		exec:        execSvc,
		recovery:    recoverySvc,
		notifier:    notifier,
	}, nil
}

// Close flushes and shuts down the event bus.
func (a *app) Close() {
	a.bus.Close()
}
