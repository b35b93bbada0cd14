package chain

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
)

// Node error codes meaning the ledger below some slot was pruned or skipped.
var historyUnavailableCodes = map[int]bool{
	-32007: true, // slot skipped or missing due to ledger jump
	-32009: true, // slot missing in long-term storage
	-32011: true, // transaction history not available
}

type SolanaClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

func NewSolanaClient(url string, commitment string) *SolanaClient {
	if commitment == "" {
		commitment = string(rpc.CommitmentFinalized)
	}

	return &SolanaClient{
		rpc:        rpc.New(url),
		commitment: rpc.CommitmentType(commitment),
	}
}

func (c *SolanaClient) GetSignatures(
	ctx context.Context, program, before, until string, limit int,
) ([]checkpoint.SignatureInfo, error) {
	address, err := solana.PublicKeyFromBase58(program)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid program address %s", program)
	}

	opts := &rpc.GetSignaturesForAddressOpts{Commitment: c.commitment}
	if limit > 0 {
		opts.Limit = &limit
	}
	if before != "" {
		if opts.Before, err = solana.SignatureFromBase58(before); err != nil {
			return nil, errors.Wrapf(err, "invalid signature %s", before)
		}
	}
	if until != "" {
		if opts.Until, err = solana.SignatureFromBase58(until); err != nil {
			return nil, errors.Wrapf(err, "invalid signature %s", until)
		}
	}

	result, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, address, opts)
	if err != nil {
		return nil, classify(err)
	}

	page := make([]checkpoint.SignatureInfo, len(result))
	for i, s := range result {
		page[i] = checkpoint.SignatureInfo{
			Signature: s.Signature.String(),
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		}
		if s.BlockTime != nil {
			page[i].BlockTime = s.BlockTime.Time().UTC()
		}
	}

	return page, nil
}

func (c *SolanaClient) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid signature %s", signature)
	}

	maxVersion := uint64(0)
	result, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, errors.Wrap(ErrTransactionMissing, signature)
	}
	if err != nil {
		return nil, classify(err)
	}
	if result.Transaction == nil {
		return nil, errors.Wrap(ErrTransactionMissing, signature)
	}

	parsed, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode transaction %s", signature)
	}

	tx := &Transaction{
		Signature: signature,
		Slot:      result.Slot,
	}
	if result.BlockTime != nil {
		tx.BlockTime = result.BlockTime.Time().UTC()
	}

	keys := append(solana.PublicKeySlice{}, parsed.Message.AccountKeys...)
	var inner map[uint16][]solana.CompiledInstruction
	if result.Meta != nil {
		tx.Failed = result.Meta.Err != nil
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)

		inner = make(map[uint16][]solana.CompiledInstruction, len(result.Meta.InnerInstructions))
		for _, group := range result.Meta.InnerInstructions {
			inner[group.Index] = append(inner[group.Index], group.Instructions...)
		}
	}

	for i, compiled := range parsed.Message.Instructions {
		ix, err := resolve(keys, compiled, len(tx.Instructions), false)
		if err != nil {
			return nil, errors.Wrapf(err, "transaction %s", signature)
		}
		tx.Instructions = append(tx.Instructions, ix)

		for _, compiledInner := range inner[uint16(i)] {
			ix, err := resolve(keys, compiledInner, len(tx.Instructions), true)
			if err != nil {
				return nil, errors.Wrapf(err, "transaction %s", signature)
			}
			tx.Instructions = append(tx.Instructions, ix)
		}
	}

	return tx, nil
}

func resolve(keys solana.PublicKeySlice, compiled solana.CompiledInstruction, index int, inner bool) (Instruction, error) {
	if int(compiled.ProgramIDIndex) >= len(keys) {
		return Instruction{}, errors.Errorf("program index %d out of %d account keys", compiled.ProgramIDIndex, len(keys))
	}

	accounts := make([]string, len(compiled.Accounts))
	for i, k := range compiled.Accounts {
		if int(k) >= len(keys) {
			return Instruction{}, errors.Errorf("account index %d out of %d account keys", k, len(keys))
		}
		accounts[i] = keys[k].String()
	}

	return Instruction{
		Index:     index,
		ProgramID: keys[compiled.ProgramIDIndex].String(),
		Accounts:  accounts,
		Data:      compiled.Data,
		Inner:     inner,
	}, nil
}

func (c *SolanaClient) GetAccount(ctx context.Context, address string) (*Account, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid account address %s", address)
	}

	result, err := c.rpc.GetAccountInfoWithOpts(ctx, pubkey, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, errors.Wrap(ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, classify(err)
	}

	return &Account{
		Address:  address,
		Owner:    result.Value.Owner.String(),
		Lamports: result.Value.Lamports,
		Data:     result.Value.Data.GetBinary(),
		Slot:     result.Context.Slot,
	}, nil
}

func classify(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && historyUnavailableCodes[rpcErr.Code] {
		return errors.Wrap(ErrHistoryUnavailable, rpcErr.Message)
	}

	return err
}
