package transfer

import (
	"context"
	"fmt"

	"github.com/tokencollector/collector-backend/internal/journal"
)

// Resume continues a journaled transfer that stopped before its mint landed.
// Source chains with a recorded burn are never burned again; the remaining
// chains are burned and every burn is attested and minted as usual.
func (o *Orchestrator) Resume(ctx context.Context, id string, w Wallet) (*Result, error) {
	p, err := o.beginResume(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, p, w)
}

// StartResume is Resume with the chain work running in the background.
func (o *Orchestrator) StartResume(ctx context.Context, id string, w Wallet) error {
	p, err := o.beginResume(ctx, id)
	if err != nil {
		return err
	}
	go func() { _, _ = o.run(ctx, p, w) }()
	return nil
}

func (o *Orchestrator) beginResume(ctx context.Context, id string) (plan, error) {
	if o.journal == nil {
		return plan{}, fmt.Errorf("%w: no journal configured", ErrNotResumable)
	}
	rec, err := o.journal.Get(ctx, id)
	if err != nil {
		return plan{}, err
	}
	if rec.State == string(StateCompleted) {
		return plan{}, fmt.Errorf("%w: %s already completed", ErrNotResumable, id)
	}

	p, err := validate(Request{
		SourceChainIDs:     rec.SourceChainIDs,
		Amounts:            rec.Amounts,
		DestinationChainID: rec.DestinationChainID,
		DestinationAddress: rec.DestinationAddress,
	}, o.registry)
	if err != nil {
		return plan{}, fmt.Errorf("%w: %w", ErrNotResumable, err)
	}

	burns, err := recordedBurns(rec, p)
	if err != nil {
		return plan{}, err
	}
	if err := o.claim(id, burns, true); err != nil {
		return plan{}, err
	}

	o.logger.Infow("Transfer resumed",
		"requestId", id,
		"recordedBurns", len(burns),
		"sources", len(p.legs),
	)
	return p, nil
}

// recordedBurns returns the journaled burns in request order.
func recordedBurns(rec journal.Record, p plan) ([]BurnRecord, error) {
	var out []BurnRecord
	for _, l := range p.legs {
		jb, ok := rec.BurnFor(l.chainID)
		if !ok {
			continue
		}
		b, ok := burnFromJournal(jb)
		if !ok {
			return nil, fmt.Errorf("%w: corrupt burn amount %q on chain %d", ErrNotResumable, jb.Amount, jb.SourceChainID)
		}
		out = append(out, b)
	}
	return out, nil
}
