// Package wire provides dependency injection for the pipectl application.
// It creates singleton services with lazy initialization.
package wire

import (
	"log"
	"sync"

	"github.com/example/pipectl/internal/adapters/github"
	"github.com/example/pipectl/internal/adapters/sqlite"
	"github.com/example/pipectl/internal/app"
	"github.com/example/pipectl/internal/config"
	"github.com/example/pipectl/internal/core/phase"
	"github.com/example/pipectl/internal/db"
	"github.com/example/pipectl/internal/ports/primary"
)

var (
	workflowService primary.WorkflowService
	syncService     primary.SyncService
	once            sync.Once
)

// WorkflowService returns the singleton WorkflowService instance.
func WorkflowService() primary.WorkflowService {
	once.Do(initServices)
	return workflowService
}

// SyncService returns the singleton SyncService instance, or nil when no
// GitHub repository is configured.
func SyncService() primary.SyncService {
	once.Do(initServices)
	return syncService
}

// initServices initializes all services and their dependencies.
// This is called once via sync.Once.
func initServices() {
	// Get database connection
	database, err := db.GetDB()
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}

	// Create repository adapter (secondary port)
	entityRepo := sqlite.NewEntityRepository(database)

	// The phase machine defaults to the embedded graph; a configured tag
	// prefix recompiles it.
	machine := phase.Default

	// Tag sync is optional: without a configured repository the ledger
	// still works, transitions just carry no external projection.
	if cfg, err := config.LoadConfig("."); err == nil && cfg.Owner != "" && cfg.Repo != "" {
		if cfg.TagPrefix != "" {
			m, err := phase.NewMachine(cfg.TagPrefix)
			if err != nil {
				log.Fatalf("invalid tag prefix %q: %v", cfg.TagPrefix, err)
			}
			machine = m
		}

		tagClient := github.NewTagClient(cfg.Token(), cfg.Owner, cfg.Repo)
		syncer := app.NewSyncService(entityRepo, tagClient, machine)
		syncService = syncer
		workflowService = app.NewWorkflowService(entityRepo, machine, syncer)
		return
	}

	workflowService = app.NewWorkflowService(entityRepo, machine, nil)
}
