package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"iao-settlement/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

// fakeBackend answers contract calls by selector and hands out receipts after
// a configurable number of polls.
type fakeBackend struct {
	mu           sync.Mutex
	chainID      *big.Int
	code         map[common.Address][]byte
	calls        map[string][]byte
	sent         []*coretypes.Transaction
	receiptAfter int
	polls        int
	status       uint64
	noReceipt    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID: big.NewInt(31337),
		code:    make(map[common.Address][]byte),
		calls:   make(map[string][]byte),
		status:  coretypes.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return 42, nil
}
func (f *fakeBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	return f.code[account], nil
}
func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	out, ok := f.calls[string(call.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(42), BaseFee: big.NewInt(1_000_000_000)}, nil
}
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 50_000, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.noReceipt || f.polls <= f.receiptAfter {
		return nil, gethcore.NotFound
	}
	return &coretypes.Receipt{TxHash: hash, Status: f.status, BlockNumber: big.NewInt(43), GasUsed: 40_000}, nil
}

func TestClientSnapshotAndViewCalls(t *testing.T) {
	backend := newFakeBackend()
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	holder := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	balance, _ := tokenABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(1_000))
	decimals, _ := tokenABI.Methods["decimals"].Outputs.Pack(uint8(18))
	backend.calls[string(tokenABI.Methods["balanceOf"].ID)] = balance
	backend.calls[string(tokenABI.Methods["decimals"].ID)] = decimals

	client := NewClientWithBackend("fake", backend)
	t.Cleanup(client.Close)

	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x7a69" || snapshot.BlockNumber != "0x2a" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	tk := NewToken(client)
	got, err := tk.BalanceOf(context.Background(), token, holder)
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	if got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected balance %s", got)
	}
	d, err := tk.Decimals(context.Background(), token)
	if err != nil || d != 18 {
		t.Fatalf("unexpected decimals %d (%v)", d, err)
	}
	if _, err := tk.Allowance(context.Background(), token, holder, holder); err == nil {
		t.Fatal("expected reverted allowance call to fail")
	}
}

func TestSupportsMethodScansBytecode(t *testing.T) {
	backend := newFakeBackend()
	withBurn := common.HexToAddress("0x0000000000000000000000000000000000000001")
	withoutBurn := common.HexToAddress("0x0000000000000000000000000000000000000002")
	empty := common.HexToAddress("0x0000000000000000000000000000000000000003")

	burnID := tokenABI.Methods["burn"].ID
	transferID := tokenABI.Methods["transfer"].ID
	backend.code[withBurn] = append(append([]byte{0x60, 0x80, 0x63}, burnID...), 0x14, 0x57)
	backend.code[withoutBurn] = append(append([]byte{0x60, 0x80, 0x63}, transferID...), 0x14, 0x57)

	tk := NewToken(NewClientWithBackend("fake", backend))
	ctx := context.Background()

	if ok, err := tk.SupportsMethod(ctx, withBurn, "burn"); err != nil || !ok {
		t.Fatalf("expected burn to be detected, got %v (%v)", ok, err)
	}
	if ok, err := tk.SupportsMethod(ctx, withoutBurn, "burn"); err != nil || ok {
		t.Fatalf("expected burn to be missing, got %v (%v)", ok, err)
	}
	if _, err := tk.SupportsMethod(ctx, empty, "burn"); err == nil {
		t.Fatal("expected error for address without code")
	}
}

func TestHasSelectorPush3(t *testing.T) {
	selector := []byte{0x00, 0xaa, 0xbb, 0xcc}
	if !HasSelector([]byte{0x62, 0xaa, 0xbb, 0xcc, 0x14}, selector) {
		t.Fatal("expected PUSH3 form to match a selector with a leading zero byte")
	}
	if HasSelector([]byte{0x62, 0xaa, 0xbb, 0xcc}, []byte{0x01, 0xaa, 0xbb, 0xcc}) {
		t.Fatal("PUSH3 form must not match a selector without a leading zero")
	}
}

func TestSignerSubmitWaitsForReceipt(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptAfter = 2
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewSigner(context.Background(), backend, key, WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	data, _ := NewToken(nil).Pack("transfer", to, big.NewInt(5))

	receipt, err := signer.Submit(context.Background(), to, data, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !receipt.Success || receipt.BlockNumber != 43 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	sent := backend.sent[0]
	if sent.Gas() != 60_000 {
		t.Fatalf("expected 20%% gas buffer, got %d", sent.Gas())
	}
	from, err := coretypes.Sender(coretypes.LatestSignerForChainID(backend.chainID), sent)
	if err != nil || from != signer.Address() {
		t.Fatalf("unexpected sender %s (%v)", from.Hex(), err)
	}
	if receipt.TxHash != sent.Hash().Hex() {
		t.Fatalf("receipt hash mismatch")
	}
}

func TestSignerReportsTimeoutAndRevert(t *testing.T) {
	key, _ := crypto.GenerateKey()
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	stuck := newFakeBackend()
	stuck.noReceipt = true
	signer, err := NewSigner(context.Background(), stuck, key,
		WithReceiptTimeout(30*time.Millisecond), WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	receipt, err := signer.Submit(context.Background(), to, nil, big.NewInt(1))
	if !errors.Is(err, web3.ErrReceiptTimeout) {
		t.Fatalf("expected receipt timeout, got %v", err)
	}
	if receipt == nil || receipt.TxHash == "" {
		t.Fatal("timed out submissions must keep the transaction hash")
	}

	reverted := newFakeBackend()
	reverted.status = coretypes.ReceiptStatusFailed
	signer, _ = NewSigner(context.Background(), reverted, key, WithPollInterval(5*time.Millisecond))
	receipt, err = signer.Submit(context.Background(), to, nil, nil)
	if !errors.Is(err, web3.ErrReverted) || receipt.Success {
		t.Fatalf("expected revert, got %+v (%v)", receipt, err)
	}
}

func TestSignerOnSimulatedChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sim.Commit()
			}
		}
	}()

	client := NewClientWithBackend("simulated", sim.Client())
	signer, err := NewSigner(ctx, client.Backend(), key, WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	to := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	for i := 0; i < 2; i++ {
		receipt, err := signer.Submit(ctx, to, nil, big.NewInt(1_000))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if !receipt.Success {
			t.Fatalf("expected successful receipt, got %+v", receipt)
		}
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance")
	}
}
