package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CommitGrouped runs the write steps in order and retries the whole group
// on any failure. Steps must be idempotent: a retry after a partial
// failure re-executes steps that already succeeded.
func CommitGrouped(ctx context.Context, window time.Duration, log *logrus.Entry, steps ...func(context.Context) error) error {
	if window <= 0 {
		window = 2 * time.Minute
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = window

	attempt := 0
	op := func() error {
		attempt++
		for _, step := range steps {
			if err := step(ctx); err != nil {
				log.Warnf("write group attempt %d failed: %v", attempt, err)
				return err
			}
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("commit write group: %w", err)
	}
	return nil
}

// ProposalAccepter flips a proposal's status to accepted.
type ProposalAccepter interface {
	SetProposalAccepted(ctx context.Context, proposalID string) error
}

// AcceptProposals marks each proposal accepted at bounded concurrency.
// Failures are isolated per proposal: the rest of the batch still lands,
// and the joined error reports every id that did not.
func AcceptProposals(ctx context.Context, accepter ProposalAccepter, proposalIDs []string, limit int) error {
	if limit <= 0 {
		limit = 50
	}

	failures := make([]error, len(proposalIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range proposalIDs {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failures[i] = fmt.Errorf("accept proposal %s: panic: %v", id, r)
				}
			}()
			if err := accepter.SetProposalAccepted(gctx, id); err != nil {
				failures[i] = fmt.Errorf("accept proposal %s: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(failures...)
}
