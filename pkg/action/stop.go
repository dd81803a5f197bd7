package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/log"
)

// Stop removes every container of an application
type Stop struct {
	services Services
}

// NewStop creates the stop executor
func NewStop(services Services) *Stop {
	return &Stop{services: services}
}

// Name implements Executor
func (s *Stop) Name() string { return "stop" }

// Execute stops and removes the containers labelled for the application. It
// is a no-op when none exist.
func (s *Stop) Execute(ctx context.Context, target Target) error {
	app := target.Definition()
	ns := target.Namespace()
	logger := log.WithApp(ns, app.Name)
	eng := s.services.Engine

	containers, err := eng.ListContainers(ctx, engine.AppLabels(ns, app.Name))
	if err != nil {
		return fmt.Errorf("failed to list containers of %s: %w", app.Name, err)
	}
	if len(containers) == 0 {
		target.SetStatusMessage("")
		return nil
	}

	target.SetStatusMessage("Stopping containers")
	var errs []error
	for _, c := range containers {
		if err := removeContainer(ctx, eng, c.ID, s.services.Config.Start.StopTimeout, logger); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	target.SetStatusMessage("")
	logger.Info().Int("containers", len(containers)).Msg("Application stopped")
	return nil
}
