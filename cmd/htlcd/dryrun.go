package main

import (
	"context"
	"errors"
	"time"

	"github.com/klingon-exchange/klingon-htlcd/internal/ledger/memory"
	"github.com/klingon-exchange/klingon-htlcd/internal/storage"
	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
	"github.com/klingon-exchange/klingon-htlcd/pkg/logging"
)

// dryRun drives registered tasks against simulated legs. Each task gets a
// leg when it is registered; secrets supplied through tasks_add reveal it.
type dryRun struct {
	ledger   *memory.Ledger
	store    *storage.Storage
	timelock time.Duration
	log      *logging.Logger
}

// newDryRun builds the memory ledger and seeds a leg for every task already
// registered under pairs.
func newDryRun(ctx context.Context, store *storage.Storage, pairs []swap.ResourcePair, timelock time.Duration, log *logging.Logger) (*dryRun, error) {
	d := &dryRun{
		ledger:   memory.NewLedger(),
		store:    store,
		timelock: timelock,
		log:      log.Component("dry-run"),
	}
	d.ledger.SecretLookup = d.secret

	for _, p := range pairs {
		tasks, err := store.ListAllTasks(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			d.seed(p, task)
		}
	}
	return d, nil
}

func (d *dryRun) secret(ctx context.Context, h swap.TaskID) (swap.Secret, bool, error) {
	stored, err := d.store.GetSecret(ctx, h)
	if errors.Is(err, storage.ErrSecretNotFound) {
		return swap.Secret{}, false, nil
	}
	if err != nil {
		return swap.Secret{}, false, err
	}
	return stored.Secret, true, nil
}

// seed gives a task its simulated leg. The counterparty leg expires first.
func (d *dryRun) seed(pair swap.ResourcePair, task *storage.Task) {
	self := task.CreatedAt.Add(d.timelock)
	counterparty := task.CreatedAt.Add(d.timelock / 2)
	if d.ledger.Seed(pair.Self, task.TaskID, self, counterparty) {
		d.log.Debug("Seeded simulated leg", "pair", pair.Name, "task", task.TaskID.Short(), "timelock", self.Unix())
	}
}

// onTaskAdded seeds tasks registered through the RPC server.
func (d *dryRun) onTaskAdded(_ context.Context, pair swap.ResourcePair, task *storage.Task) error {
	d.seed(pair, task)
	return nil
}
