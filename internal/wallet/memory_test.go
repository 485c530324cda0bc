package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"tradenet/internal/proto"
)

func TestEscrowNeedsBothSignatures(t *testing.T) {
	ctx := context.Background()
	chain := NewChain()
	maker, err := NewMemoryOn(chain, 1_000_000)
	require.NoError(t, err)
	taker, err := NewMemoryOn(chain, 1_000_000)
	require.NoError(t, err)

	mIn, err := maker.Inputs(ctx, 100_000)
	require.NoError(t, err)
	tIn, err := taker.Inputs(ctx, 100_000)
	require.NoError(t, err)
	dep, err := maker.BuildEscrowTx(ctx, EscrowRequest{TradeID: "t1", MakerInputs: mIn, TakerInputs: tIn, Amount: 200_000})
	require.NoError(t, err)

	makerSig, err := maker.SignTx(ctx, dep)
	require.NoError(t, err)
	half := WithSignature(dep, makerSig)
	res := <-taker.BroadcastTx(ctx, half)
	require.Equal(t, BroadcastFailure, res.Kind)
	require.ErrorIs(t, res.Err, ErrMissingSignatures)

	takerSig, err := taker.SignTx(ctx, dep)
	require.NoError(t, err)
	res = <-taker.BroadcastTx(ctx, WithSignature(half, takerSig))
	require.Equal(t, BroadcastSuccess, res.Kind)
	require.Equal(t, ConfidencePending, taker.Confidence(dep.TxID))

	taker.Mine(1)
	require.Equal(t, ConfidenceBuilding, taker.Confidence(dep.TxID))
	require.Equal(t, 2, taker.Broadcasts(dep.TxID))
}

func TestInsufficientFunds(t *testing.T) {
	w, err := NewMemory(10)
	require.NoError(t, err)
	_, err = w.CreateFeeTx(context.Background(), "o", 11)
	require.True(t, errors.Is(err, ErrInsufficientFunds))
}

func TestBlockHeightReachedAndLockTime(t *testing.T) {
	ctx := context.Background()
	w, err := NewMemory(0)
	require.NoError(t, err)
	dep := proto.TxData{TxID: "dep"}
	tx, err := w.BuildDelayedPayoutTx(ctx, dep, w.BestChainHeight()+3)
	require.NoError(t, err)
	tx.Sigs = [][]byte{{1}, {2}}

	res := <-w.BroadcastTx(ctx, tx)
	require.ErrorIs(t, res.Err, ErrRejected)

	ch := w.BlockHeightReached(tx.LockHeight)
	w.Mine(2)
	select {
	case <-ch:
		t.Fatal("fired before lock height")
	default:
	}
	w.Mine(1)
	require.Equal(t, tx.LockHeight, <-ch)
	require.Equal(t, BroadcastSuccess, (<-w.BroadcastTx(ctx, tx)).Kind)
}

func TestMalleatedBroadcast(t *testing.T) {
	ctx := context.Background()
	w, err := NewMemory(100)
	require.NoError(t, err)
	w.Malleate = func(id string) string { return id + "-m" }
	fee, err := w.CreateFeeTx(ctx, "o", 5)
	require.NoError(t, err)
	res := <-w.BroadcastTx(ctx, fee)
	require.Equal(t, BroadcastMalleated, res.Kind)
	require.Equal(t, fee.TxID+"-m", res.TxID)
	require.True(t, w.HasTx(res.TxID))
}

func TestAddTxMakesPeerTxKnown(t *testing.T) {
	ctx := context.Background()
	chain := NewChain()
	a, err := NewMemoryOn(chain, 100)
	require.NoError(t, err)
	b, err := NewMemoryOn(chain, 100)
	require.NoError(t, err)
	fee, err := a.CreateFeeTx(ctx, "o", 5)
	require.NoError(t, err)
	require.Equal(t, BroadcastSuccess, (<-a.BroadcastTx(ctx, fee)).Kind)

	require.True(t, a.HasTx(fee.TxID))
	require.False(t, b.HasTx(fee.TxID), "b never saw the tx")
	require.Equal(t, ConfidencePending, b.Confidence(fee.TxID))
	b.AddTx(fee)
	require.True(t, b.HasTx(fee.TxID))
	require.Equal(t, uint64(95), a.Balance())
}
