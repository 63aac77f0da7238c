package swap

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

var errWrongPreimage = errors.New("revealed secret does not match hash-lock")

// AwaitSecret waits a bounded time for the secret of task h. It reads once
// immediately and then every poll interval until the secret appears, the
// read fails, or the secret timeout passes. The poller is always joined
// before AwaitSecret returns.
//
// Any failure is reported as absent; the next tick simply tries again.
func (s *Scheduler) AwaitSecret(ctx context.Context, self Resource, h TaskID) (Secret, bool) {
	pollCtx, cancel := context.WithTimeout(ctx, s.secretTimeout)
	defer cancel()

	var secret Secret
	g, gctx := errgroup.WithContext(pollCtx)
	g.Go(func() error {
		ticker := time.NewTicker(s.secretPollInterval)
		defer ticker.Stop()

		for {
			sec, ok, err := s.ledger.GetSecret(gctx, self, h)
			if err != nil {
				return err
			}
			if ok {
				if !sec.Opens(h) {
					return errWrongPreimage
				}
				secret = sec
				return nil
			}

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	if err := g.Wait(); err != nil {
		if IsTimeout(err) {
			s.log.Warn("Timed out waiting for secret", "task", h.Short(), "path", self, "timeout", s.secretTimeout)
		} else {
			s.log.Warn("Failed to get secret", "task", h.Short(), "path", self, "error", err)
		}
		return Secret{}, false
	}

	s.log.Debug("Secret revealed", "task", h.Short(), "path", self)
	return secret, true
}
