// Package startup runs a silo's ordered bring-up sequence (C10): apply
// schema migrations, join membership, run declared seed tasks, then signal
// readiness for the external listener to open (spec.md §4.10). A failure at
// any stage is fatal — a silo that cannot finish bring-up must not accept
// traffic.
package startup

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/internal/membership"
	"github.com/titan-game/titan/internal/registry"
)

// SeedSource describes where a registry's initial catalog comes from, in
// the fallback order spec.md §4.10 specifies: explicit file, then embedded
// resource, then hard-coded default.
type SeedSource struct {
	// Name identifies the catalog for logging (e.g. "item-catalog").
	Name string

	// FilePath, if non-empty, is tried first.
	FilePath string

	// Embedded, if set, is tried when FilePath is empty or unreadable.
	Embedded embed.FS
	EmbeddedPath string

	// Fallback is used only if neither of the above is usable. Using it is
	// logged, never silent.
	Fallback json.RawMessage

	// Writer is the registry actor to seed.
	Writer *registry.Writer

	// ForceReseed overwrites an existing non-empty catalog; by default a
	// catalog is only seeded when empty.
	ForceReseed bool
}

// Task is one named startup step run after membership join, in the order
// supplied to Run. A failing task aborts the whole startup sequence.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config wires an Orchestrator's collaborators.
type Config struct {
	// Migrate applies pending schema migrations. Typically migrations.Apply
	// bound to the silo's *sql.DB.
	Migrate func() error

	Monitor *membership.Monitor
	Seeds   []SeedSource
	Tasks   []Task

	// OpenListener starts accepting external traffic. Called last, only if
	// every prior stage succeeded.
	OpenListener func(ctx context.Context) error
}

// Orchestrator runs the C10 bring-up sequence exactly once.
type Orchestrator struct {
	cfg    Config
	logger *logging.Logger
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, logger: logging.NewFromEnv("startup")}
}

// Run executes, in order: migrations, membership join, seed catalogs,
// declared tasks, membership activate, then OpenListener. It returns the first
// error encountered and performs no further stages.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Migrate != nil {
		o.logger.Info(ctx, "applying schema migrations", nil)
		if err := o.cfg.Migrate(); err != nil {
			return fmt.Errorf("startup: apply migrations: %w", err)
		}
	}

	if o.cfg.Monitor != nil {
		o.logger.Info(ctx, "joining membership roster", nil)
		if err := o.cfg.Monitor.Join(ctx); err != nil {
			return fmt.Errorf("startup: join membership: %w", err)
		}
	}

	for _, seed := range o.cfg.Seeds {
		if err := o.runSeed(ctx, seed); err != nil {
			return fmt.Errorf("startup: seed %s: %w", seed.Name, err)
		}
	}

	for _, task := range o.cfg.Tasks {
		o.logger.Info(ctx, "running startup task "+task.Name, nil)
		if err := task.Run(ctx); err != nil {
			return fmt.Errorf("startup: task %s: %w", task.Name, err)
		}
	}

	if o.cfg.Monitor != nil {
		o.logger.Info(ctx, "activating membership", nil)
		if err := o.cfg.Monitor.Activate(ctx); err != nil {
			return fmt.Errorf("startup: activate membership: %w", err)
		}
	}

	if o.cfg.OpenListener != nil {
		o.logger.Info(ctx, "opening external listener", nil)
		if err := o.cfg.OpenListener(ctx); err != nil {
			return fmt.Errorf("startup: open listener: %w", err)
		}
	}

	return nil
}

// runSeed loads seed.Name's catalog from the highest-priority source that
// resolves, then writes it through seed.Writer unless a non-empty catalog
// already exists and ForceReseed is false.
func (o *Orchestrator) runSeed(ctx context.Context, seed SeedSource) error {
	existing, err := seed.Writer.Load(ctx)
	if err != nil {
		return err
	}
	if !seed.ForceReseed && isNonEmptyCatalog(existing) {
		o.logger.Info(ctx, "skipping seed for "+seed.Name+": catalog already populated", nil)
		return nil
	}

	payload, source, err := resolveSeedPayload(seed)
	if err != nil {
		return err
	}
	o.logger.Info(ctx, fmt.Sprintf("seeding %s from %s", seed.Name, source), nil)
	return seed.Writer.Replace(ctx, payload)
}

func isNonEmptyCatalog(catalog registry.Catalog) bool {
	trimmed := string(catalog.Entries)
	return trimmed != "" && trimmed != "{}" && trimmed != "null"
}

func resolveSeedPayload(seed SeedSource) (json.RawMessage, string, error) {
	if seed.FilePath != "" {
		data, err := os.ReadFile(seed.FilePath)
		if err == nil {
			return data, "file " + seed.FilePath, nil
		}
	}
	if seed.EmbeddedPath != "" {
		data, err := seed.Embedded.ReadFile(seed.EmbeddedPath)
		if err == nil {
			return data, "embedded resource " + seed.EmbeddedPath, nil
		}
	}
	if len(seed.Fallback) > 0 {
		return seed.Fallback, "hard-coded fallback", nil
	}
	return nil, "", fmt.Errorf("no seed source resolved for %s", seed.Name)
}
