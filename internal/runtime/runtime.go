// Package runtime assembles the shared registries an orchestrating process
// runs on: the task graph, the worker health registry, the per-service
// circuit breakers, and the coordination bus. The bundle is built once at
// startup and passed to whatever needs it; nothing below it keeps
// package-level state. Close drains on shutdown: open stream sessions
// complete and inboxes close, so blocked producers and receivers unwind.
package runtime

import (
	"log/slog"

	"github.com/jayusctrojan/Empire-sub006/internal/bus"
	"github.com/jayusctrojan/Empire-sub006/internal/health"
	"github.com/jayusctrojan/Empire-sub006/internal/resilience"
	"github.com/jayusctrojan/Empire-sub006/internal/scheduler"
)

// Config carries each registry's tuning through to its constructor.
type Config struct {
	Scheduler  scheduler.Config
	Health     health.Config
	Resilience resilience.Config
	Bus        bus.Config
}

// Runtime is the constructed registry bundle.
type Runtime struct {
	Tasks    *scheduler.Scheduler
	Workers  *health.Registry
	Circuits *resilience.Manager
	Bus      *bus.Bus
}

// New builds the registries and links them: a worker turning healthy wakes
// the task queue, since capacity that was missing may now exist.
func New(cfg Config, logger *slog.Logger) *Runtime {
	rt := &Runtime{
		Tasks:    scheduler.New(cfg.Scheduler, logger),
		Workers:  health.NewRegistry(cfg.Health, logger),
		Circuits: resilience.NewManager(cfg.Resilience, logger),
		Bus:      bus.New(cfg.Bus, logger),
	}
	rt.Workers.OnHealthy(rt.Tasks.Notify)
	return rt
}

// Close releases anything blocked on the bundle. Safe after the registries'
// run loops have already stopped.
func (rt *Runtime) Close() {
	rt.Bus.Close()
}
