// Package status exposes the bootstrap sequence over HTTP while it runs, so
// orchestrator startup probes can watch long migrations instead of timing out.
// The server is never shut down explicitly: the final exec replaces the whole
// process, which is the intended teardown.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"stagedoor/utils"
)

// Step lifecycle states as reported on /startupz.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepOK      = "ok"
	StepFailed  = "failed"
)

type stepRecord struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Duration   string `json:"duration,omitempty"`

	started time.Time
}

// BootState tracks the progress of every registered step. It implements
// sequencer.Observer.
type BootState struct {
	mu      sync.Mutex
	runID   string
	started time.Time
	order   []string
	steps   map[string]*stepRecord
}

// NewBootState registers the steps in execution order, all pending.
func NewBootState(runID string, stepNames []string) *BootState {
	b := &BootState{
		runID:   runID,
		started: time.Now(),
		order:   stepNames,
		steps:   make(map[string]*stepRecord, len(stepNames)),
	}
	for _, name := range stepNames {
		b.steps[name] = &stepRecord{Name: name, State: StepPending}
	}
	return b
}

// RunID returns the bootstrap run identifier.
func (b *BootState) RunID() string { return b.runID }

// StepStarted marks a step as running.
func (b *BootState) StepStarted(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.steps[name]; ok {
		rec.State = StepRunning
		rec.started = time.Now()
		rec.StartedAt = rec.started.UTC().Format(time.RFC3339)
	}
}

// StepFinished marks a step as ok or failed.
func (b *BootState) StepFinished(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.steps[name]
	if !ok {
		return
	}
	now := time.Now()
	rec.FinishedAt = now.UTC().Format(time.RFC3339)
	if !rec.started.IsZero() {
		rec.Duration = now.Sub(rec.started).String()
	}
	if err != nil {
		rec.State = StepFailed
		rec.Error = err.Error()
		return
	}
	rec.State = StepOK
}

// AllOK reports whether every registered step finished successfully.
func (b *BootState) AllOK() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.steps {
		if rec.State != StepOK {
			return false
		}
	}
	return true
}

// snapshot copies the step records in execution order.
func (b *BootState) snapshot() []stepRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]stepRecord, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, *b.steps[name])
	}
	return out
}

// CreateApp builds the Fiber application serving the boot status endpoints.
func CreateApp(state *BootState) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal Server Error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			} else {
				utils.LogError("HTTP_ERROR", err, "method", c.Method(), "path", c.Path())
			}
			return c.Status(code).JSON(fiber.Map{"error": message})
		},
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			utils.LogError("PANIC RECOVERED", fmt.Errorf("%v", e), "path", c.Path())
		},
	}))

	// Always 200: this endpoint answers "what is bootstrap doing right now"
	app.Get("/startupz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"run_id":    state.RunID(),
			"uptime":    time.Since(state.started).String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"steps":     state.snapshot(),
		})
	})

	// 204 once every step is done; 503 while preparing or after a failure
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if state.AllOK() {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "starting",
			"run_id": state.RunID(),
		})
	})

	return app
}
