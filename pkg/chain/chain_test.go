package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyClient struct {
	failures int
	err      error
	calls    int
}

func (c *flakyClient) GetSignatures(context.Context, string, string, string, int) ([]checkpoint.SignatureInfo, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, c.err
	}
	return []checkpoint.SignatureInfo{{Signature: "sig", Slot: 1}}, nil
}

func (c *flakyClient) GetTransaction(context.Context, string) (*Transaction, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, c.err
	}
	return &Transaction{Signature: "sig"}, nil
}

func (c *flakyClient) GetAccount(_ context.Context, address string) (*Account, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, c.err
	}
	return &Account{Address: address}, nil
}

func newTestBackoff(client Client) Client {
	return &clientWithBackoff{
		client:          client,
		maxElapsedTime:  time.Second,
		requestTimeout:  time.Second,
		initialInterval: time.Millisecond,
	}
}

func TestBackoffRetriesTransientErrors(t *testing.T) {
	flaky := &flakyClient{failures: 2, err: errors.New("connection reset")}
	client := newTestBackoff(flaky)

	page, err := client.GetSignatures(context.Background(), "program", "", "", 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Equal(t, 3, flaky.calls)
}

func TestBackoffStopsOnPermanentErrors(t *testing.T) {
	flaky := &flakyClient{failures: 5, err: errors.Wrap(ErrHistoryUnavailable, "pruned")}
	client := newTestBackoff(flaky)

	_, err := client.GetTransaction(context.Background(), "sig")
	assert.True(t, errors.Is(err, ErrHistoryUnavailable))
	assert.Equal(t, 1, flaky.calls)

	flaky = &flakyClient{failures: 5, err: errors.Wrap(ErrAccountNotFound, "gone")}
	client = newTestBackoff(flaky)

	_, err = client.GetAccount(context.Background(), "address")
	assert.True(t, errors.Is(err, ErrAccountNotFound))
	assert.Equal(t, 1, flaky.calls)
}

func TestBackoffHonoursContext(t *testing.T) {
	flaky := &flakyClient{failures: 1000, err: errors.New("down")}
	client := newTestBackoff(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetAccount(ctx, "address")
	assert.Error(t, err)
}

// rpcServer answers JSON-RPC calls by method name.
func rpcServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.Unmarshal(body, &req))

		result, ok := results[req.Method]
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		if result[0] == '!' {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":` + result[1:] + `}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(server.Close)

	return server
}

func TestSolanaGetSignatures(t *testing.T) {
	sigA := solana.Signature{1}
	sigB := solana.Signature{2}

	server := rpcServer(t, map[string]string{
		"getSignaturesForAddress": `[
			{"signature": "` + sigA.String() + `", "slot": 12, "blockTime": 1700000000, "err": null},
			{"signature": "` + sigB.String() + `", "slot": 11, "err": {"InstructionError": [0, "Custom"]}}
		]`,
	})

	client := NewSolanaClient(server.URL, "")
	program := solana.MustPublicKeyFromBase58("4SHugWqSXwKE5fqDchkJcPEqnoZE22VYKtSTVm7axbT7")

	page, err := client.GetSignatures(context.Background(), program.String(), sigB.String(), "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	assert.Equal(t, sigA.String(), page[0].Signature)
	assert.Equal(t, uint64(12), page[0].Slot)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), page[0].BlockTime)
	assert.False(t, page[0].Failed)
	assert.True(t, page[1].Failed)

	_, err = client.GetSignatures(context.Background(), "not a key", "", "", 1)
	assert.Error(t, err)
}

func TestSolanaHistoryUnavailable(t *testing.T) {
	server := rpcServer(t, map[string]string{
		"getSignaturesForAddress": `!{"code": -32011, "message": "Transaction history is not available from this node"}`,
	})

	client := NewSolanaClient(server.URL, "confirmed")
	_, err := client.GetSignatures(context.Background(), solana.SystemProgramID.String(), "", "", 1)
	assert.True(t, errors.Is(err, ErrHistoryUnavailable))
}

func TestSolanaGetTransaction(t *testing.T) {
	payer := solana.PublicKey{9}
	program := solana.MustPublicKeyFromBase58("4SHugWqSXwKE5fqDchkJcPEqnoZE22VYKtSTVm7axbT7")
	instance := solana.PublicKey{7}
	loaded := solana.PublicKey{8}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(program, solana.AccountMetaSlice{
			solana.Meta(payer).SIGNER().WRITE(),
			solana.Meta(instance),
		}, []byte{1, 2, 3})},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	var programIndex, instanceIndex int
	for i, key := range tx.Message.AccountKeys {
		switch key {
		case program:
			programIndex = i
		case instance:
			instanceIndex = i
		}
	}
	keyCount := len(tx.Message.AccountKeys)

	inner, err := json.Marshal(map[string]any{
		"index": 0,
		"instructions": []map[string]any{{
			"programIdIndex": programIndex,
			"accounts":       []int{instanceIndex, keyCount},
			"data":           solana.Base58([]byte{4, 5}).String(),
		}},
	})
	require.NoError(t, err)

	server := rpcServer(t, map[string]string{
		"getTransaction": `{
			"slot": 42,
			"blockTime": 1700000100,
			"transaction": ["` + base64.StdEncoding.EncodeToString(raw) + `", "base64"],
			"meta": {
				"err": null,
				"innerInstructions": [` + string(inner) + `],
				"loadedAddresses": {"writable": ["` + loaded.String() + `"], "readonly": []}
			}
		}`,
	})

	client := NewSolanaClient(server.URL, "")
	got, err := client.GetTransaction(context.Background(), solana.Signature{3}.String())
	require.NoError(t, err)

	assert.Equal(t, uint64(42), got.Slot)
	assert.False(t, got.Failed)
	require.Len(t, got.Instructions, 2)

	outer := got.Instructions[0]
	assert.Equal(t, 0, outer.Index)
	assert.False(t, outer.Inner)
	assert.Equal(t, program.String(), outer.ProgramID)
	assert.Equal(t, []string{payer.String(), instance.String()}, outer.Accounts)
	assert.Equal(t, []byte{1, 2, 3}, outer.Data)

	cpi := got.Instructions[1]
	assert.Equal(t, 1, cpi.Index)
	assert.True(t, cpi.Inner)
	assert.Equal(t, []string{instance.String(), loaded.String()}, cpi.Accounts)
	assert.Equal(t, []byte{4, 5}, cpi.Data)

	assert.Len(t, got.InstructionsOf(program.String()), 2)
	assert.Empty(t, got.InstructionsOf(payer.String()))
}

func TestSolanaGetAccount(t *testing.T) {
	owner := solana.PublicKey{5}
	server := rpcServer(t, map[string]string{
		"getAccountInfo": `{
			"context": {"slot": 99},
			"value": {
				"lamports": 10,
				"owner": "` + owner.String() + `",
				"data": ["` + base64.StdEncoding.EncodeToString([]byte{1, 2}) + `", "base64"],
				"executable": false,
				"rentEpoch": 0
			}
		}`,
	})

	client := NewSolanaClient(server.URL, "")
	account, err := client.GetAccount(context.Background(), solana.PublicKey{6}.String())
	require.NoError(t, err)
	assert.Equal(t, owner.String(), account.Owner)
	assert.Equal(t, []byte{1, 2}, account.Data)
	assert.Equal(t, uint64(99), account.Slot)

	missing := rpcServer(t, map[string]string{
		"getAccountInfo": `{"context": {"slot": 99}, "value": null}`,
	})
	client = NewSolanaClient(missing.URL, "")
	_, err = client.GetAccount(context.Background(), solana.PublicKey{6}.String())
	assert.True(t, errors.Is(err, ErrAccountNotFound))
}
