package indexer

import (
	"context"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/chain"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
	"github.com/psyche-network/training-indexer/pkg/idl"
	"github.com/psyche-network/training-indexer/pkg/router"
	"golang.org/x/sync/errgroup"
)

// fetchTransactions loads the transactions of a page, keeping their order.
func (ix *Indexer) fetchTransactions(
	ctx context.Context, txs []checkpoint.Transaction,
) ([]*chain.Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(ix.maxConcurrency, 1))

	results := make([]*chain.Transaction, len(txs))

	for i := range txs {
		eg.Go(func() error {
			tx, err := ix.client.GetTransaction(ctx, txs[i].Signature)
			if err != nil {
				return err
			}

			results[i] = tx
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// routeTransaction folds every instruction of the program found in tx. A
// bad instruction is logged and skipped, the rest of the transaction is
// still routed.
func (ix *Indexer) routeTransaction(info checkpoint.Transaction, tx *chain.Transaction) {
	if tx.Failed {
		return
	}

	blockTime := tx.BlockTime
	if blockTime.IsZero() {
		blockTime = info.BlockTime
	}

	for _, cix := range tx.InstructionsOf(ix.program) {
		if cix.Index > checkpoint.MaxInstructionIndex {
			ix.metrics.Failed("decode")
			logger.Warnf("%s: instruction %d of %s is beyond the ordinal range, skipped", ix.program, cix.Index, tx.Signature)
			continue
		}

		decoded, err := ix.decoder.DecodeInstruction(cix.Data, cix.Accounts)
		if errors.Is(err, idl.ErrUnknownInstruction) {
			ix.metrics.Unknown()
			logger.Debugf("%s: unknown instruction %d of %s", ix.program, cix.Index, tx.Signature)
			continue
		}
		if err != nil {
			ix.metrics.Failed("decode")
			logger.Warnf("%s: cannot decode instruction %d of %s: %v", ix.program, cix.Index, tx.Signature, err)
			continue
		}

		outcome, err := ix.router.Route(ix.store, analysis.Instruction{
			Name:      decoded.Name,
			Signature: tx.Signature,
			Addresses: decoded.Addresses,
			Payload:   decoded.Payload,
			Ordinal:   info.Ordinal.Instruction(cix.Index),
			BlockTime: blockTime,
		})
		if err != nil {
			ix.metrics.Failed("route")
			logger.Warnf("%s: %s in %s not routed: %v", ix.program, decoded.Name, tx.Signature, err)
			continue
		}

		if outcome == router.Ignored {
			ix.metrics.Unknown()
			continue
		}

		ix.metrics.Routed(decoded.Name)
	}
}
