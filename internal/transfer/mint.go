package transfer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-retry"
	"github.com/tokencollector/collector-backend/internal/attestation"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/journal"
	"github.com/tokencollector/collector-backend/internal/wallet"
)

// mintBackoff waits base, 2*base, 3*base... between attempts and stops after
// maxRetries retries.
func mintBackoff(base time.Duration, maxRetries uint64) retry.Backoff {
	var n int64
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * base, false
	})
	return retry.WithMaxRetries(maxRetries, linear)
}

// mint switches to the destination, checks the gas floor and submits every
// receiveMessage call as one atomic batch. Only reverted executions are
// retried.
func (o *Orchestrator) mint(ctx context.Context, p plan, atts []attestation.Attestation, w Wallet) (common.Hash, error) {
	o.transition(ctx, StateMinting, journal.StateUpdate{})

	if err := w.SwitchActiveChain(ctx, p.destChainID); err != nil {
		return common.Hash{}, err
	}
	if err := o.checkGasFloor(ctx, p.destChainID, w); err != nil {
		return common.Hash{}, err
	}

	calls := make([]cctp.EncodedCall, 0, len(atts))
	for _, att := range atts {
		call, err := o.builder.BuildMint(p.destChainID, att.Message, att.Attestation)
		if err != nil {
			return common.Hash{}, err
		}
		calls = append(calls, call)
	}

	var (
		hash    common.Hash
		attempt int
	)
	err := retry.Do(ctx, mintBackoff(o.mintRetryBase, o.mintMaxRetries), func(ctx context.Context) error {
		attempt++
		h, err := o.submitMint(ctx, p.destChainID, calls, w)
		if err == nil {
			hash = h
			o.metrics.RecordMintAttempt(ctx, "success")
			return nil
		}
		if wallet.IsExecutionReverted(err) {
			o.metrics.RecordMintAttempt(ctx, "reverted")
			o.logger.Warnw("Mint reverted; retrying", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		o.metrics.RecordMintAttempt(ctx, "failed")
		return err
	})
	if err != nil {
		if wallet.IsExecutionReverted(err) {
			return common.Hash{}, fmt.Errorf("%w: mint batch failed %d times: %w", ErrRetryExhausted, attempt, err)
		}
		return common.Hash{}, err
	}
	return hash, nil
}

func (o *Orchestrator) checkGasFloor(ctx context.Context, chainID uint64, w Wallet) error {
	d, err := o.registry.DescriptorFor(chainID)
	if err != nil {
		return err
	}
	floor := o.minDestinationGas.Shift(int32(d.NativeCurrency.Decimals)).BigInt()

	balance, err := w.GetNativeBalance(ctx, w.Account(), chainID)
	if err != nil {
		return fmt.Errorf("read %s balance: %w", d.NativeCurrency.Symbol, err)
	}
	if balance.Cmp(floor) < 0 {
		return fmt.Errorf("%w: have %s wei of %s on %s, need at least %s",
			ErrInsufficientGasFunds, balance, d.NativeCurrency.Symbol, d.Name, floor)
	}
	return nil
}

// submitMint estimates every call with a 20% buffer, applies one fee quote to
// all of them and submits the batch.
func (o *Orchestrator) submitMint(ctx context.Context, chainID uint64, calls []cctp.EncodedCall, w Wallet) (common.Hash, error) {
	fees, err := w.EstimateFees(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}

	from := w.Account()
	batch := make([]cctp.EncodedCall, len(calls))
	for i, call := range calls {
		est, err := w.EstimateGas(ctx, chainID, call, from)
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate mint %d: %w", i, err)
		}
		call.Gas = wallet.BufferedGas(est)
		call.MaxFeePerGas = cloneBig(fees.MaxFeePerGas)
		call.MaxPriorityFeePerGas = cloneBig(fees.MaxPriorityFeePerGas)
		batch[i] = call
	}

	hash, err := w.SubmitAtomicBatch(ctx, chainID, batch)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mint batch: %w", err)
	}
	return hash, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
