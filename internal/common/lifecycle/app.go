package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"go.relaymesh.dev/internal/config"
)

// App holds process-level infrastructure that is guaranteed ready once
// Initialize returns. The router has no database of its own: its durable
// state lives in the broker and in the control plane, both of which are
// external collaborators reached over the network, not connected to here.
type App struct {
	Config *config.Config

	cleanupFuncs []func() error
}

// Initialize loads configuration and returns an App plus a cleanup func.
//
// Usage:
//
//	app, cleanup, err := lifecycle.Initialize(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func Initialize(ctx context.Context) (*App, func(), error) {
	app := &App{}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	cleanup := func() {
		app.Cleanup()
	}

	return app, cleanup, nil
}

// AddCleanup registers a cleanup function to be called on shutdown.
// Functions are called in reverse order of registration.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFuncs = append(app.cleanupFuncs, fn)
}

// Cleanup runs all cleanup functions in reverse order.
func (app *App) Cleanup() {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			slog.Error("Cleanup error", "error", err)
		}
	}
}
