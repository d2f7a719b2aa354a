package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultRespawnDelay = time.Second

type Options struct {
	// Respawn restarts a unit that exited on its own. Bind failures are never
	// respawned.
	Respawn      bool
	RespawnDelay time.Duration

	// OnExit is called for every reported unit exit.
	OnExit func(*ExitError)
}

type Coordinator struct {
	logger  *slog.Logger
	units   []Unit
	options Options
}

func NewCoordinator(logger *slog.Logger, units []Unit, opts Options) *Coordinator {
	if opts.RespawnDelay <= 0 {
		opts.RespawnDelay = DefaultRespawnDelay
	}
	return &Coordinator{
		logger:  logger,
		units:   units,
		options: opts,
	}
}

// Run starts every unit and blocks until ctx is done and all units have
// stopped. A bind failure in any unit stops the others and is returned. A
// single unit runs on the calling goroutine under the same exit and respawn
// policy.
func (c *Coordinator) Run(ctx context.Context) error {
	var err error
	switch len(c.units) {
	case 0:
		return errors.New("worker: no units to run")
	case 1:
		err = c.supervise(ctx, c.units[0])
	default:
		c.logger.Info("Starting workers", slog.Int("count", len(c.units)))

		g, gctx := errgroup.WithContext(ctx)
		for _, u := range c.units {
			g.Go(func() error {
				return c.supervise(gctx, u)
			})
		}
		err = g.Wait()
	}

	if err != nil {
		return err
	}
	if ctx.Err() == nil {
		return ErrAllWorkersDown
	}
	return nil
}

func (c *Coordinator) supervise(ctx context.Context, u Unit) error {
	log := c.logger.With(slog.Int("worker", u.ID()))

	for {
		log.Debug("Worker started")
		err := u.Run(ctx)
		if ctx.Err() != nil {
			log.Debug("Worker stopped")
			return nil
		}

		exitErr := exitErrorFor(u.ID(), err)
		log.Error("Worker exited",
			slog.Int("code", exitErr.Code),
			slog.String("signal", exitErr.Signal),
			slog.Any("err", exitErr.Err))
		if c.options.OnExit != nil {
			c.options.OnExit(exitErr)
		}

		if IsBindFailure(exitErr) {
			return exitErr
		}
		if !c.options.Respawn {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.options.RespawnDelay):
		}
		log.Info("Respawning worker")
	}
}
