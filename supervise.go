package agentmgr

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// supervise runs loop on behalf of rec and records the outcome.
// Cancellation is a clean exit; any other error or panic moves the record
// to StatusError. Nothing escapes to the caller.
func (o *Orchestrator) supervise(ctx context.Context, rec Record, loop LoopFunc) {
	log := o.log.With().
		Str("id", rec.ID).
		Str("name", rec.Name).
		Stringer("kind", rec.Kind).
		Logger()

	if _, err := o.reg.UpdateStatus(rec.ID, StatusRunning, nil); err != nil {
		// Stopped or removed before the goroutine got scheduled.
		log.Debug().Err(err).Msg("component not started")
		return
	}
	log.Info().Msg("component running")

	beat := func() {
		now := o.now()
		if _, err := o.reg.UpdateStatus(rec.ID, StatusRunning, &now); err != nil {
			log.Trace().Err(err).Msg("heartbeat dropped")
		}
	}

	err := runLoop(ctx, loop, beat)
	switch {
	case ctx.Err() != nil:
		// Only Stop cancels ctx. Finish the transition here so a Stop that
		// gave up waiting still leaves the record stopped.
		if cur, ok := o.reg.Get(rec.ID); ok && cur.Status == StatusStopping {
			if _, err := o.reg.UpdateStatus(rec.ID, StatusStopped, nil); err == nil {
				log.Info().Msg("component stopped")
				return
			}
		}
		log.Debug().Msg("component loop cancelled")
	case err == nil:
		// A self-driving loop finished on its own.
		if _, err := o.reg.UpdateStatus(rec.ID, StatusStopping, nil); err == nil {
			_, _ = o.reg.UpdateStatus(rec.ID, StatusStopped, nil)
		}
		log.Info().Msg("component loop finished")
	default:
		if _, uerr := o.reg.fail(rec.ID, err); uerr != nil {
			log.Debug().Err(uerr).Msg("could not record failure")
		}
		ev := log.Error().Err(err)
		var pe *panicError
		if errors.As(err, &pe) {
			ev = ev.Bytes("stack", pe.stack)
		}
		ev.Msg("component failed")
	}
}

// panicError carries a recovered panic value and the stack it came from
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// runLoop calls loop, converting a panic into an error
func runLoop(ctx context.Context, loop LoopFunc, beat func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return loop(ctx, beat)
}

// builtinLoop is the heartbeat and check cycle of service and monitor kinds.
// Heartbeat and check never overlap for one component.
func (o *Orchestrator) builtinLoop(rec Record, interval time.Duration) LoopFunc {
	check := o.checks[rec.Kind]

	return func(ctx context.Context, beat func()) error {
		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}

			beat()
			if check != nil {
				cur, ok := o.reg.Get(rec.ID)
				if !ok {
					return errors.New("record removed while running")
				}
				if err := check(ctx, cur); err != nil {
					return err
				}
			}
			timer.Reset(interval)
		}
	}
}
