package distribution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"iao-settlement/internal/observability/alerting"
)

const (
	testToken    = "0x00000000000000000000000000000000000000A1"
	testCreator  = "0x00000000000000000000000000000000000000C1"
	testAirdrop  = "0x00000000000000000000000000000000000000D1"
	testMining   = "0x00000000000000000000000000000000000000E1"
	testOffering = "0x00000000000000000000000000000000000000F1"
	testDeposit  = "0x00000000000000000000000000000000000000F2"
	testAgent    = "agent-1"
)

type fakeTokens struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	decimals int32
	// perToken 覆盖个别资产的精度。
	perToken map[string]int32
	reads    int
}

func (f *fakeTokens) SignerBalance(_ context.Context, token string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	for addr, bal := range f.balances {
		if SameAddress(addr, token) {
			return new(big.Int).Set(bal), nil
		}
	}
	return new(big.Int), nil
}

func (f *fakeTokens) TokenDecimals(_ context.Context, token string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, d := range f.perToken {
		if SameAddress(addr, token) {
			return d, nil
		}
	}
	return f.decimals, nil
}

type fakeOffering struct {
	raised  *big.Int
	deposit string
	pending bool
}

func (f *fakeOffering) RaisedAmount(context.Context, string) (*big.Int, error) {
	return new(big.Int).Set(f.raised), nil
}

func (f *fakeOffering) DepositToken(context.Context, string) (string, error) {
	return f.deposit, nil
}

func (f *fakeOffering) Succeeded(context.Context, string) (bool, error) {
	return !f.pending, nil
}

// spyExecutor 记录调用顺序，并按步骤类型返回预设结果。
type spyExecutor struct {
	mu    sync.Mutex
	calls []PlannedStep
	fail  map[StepType]string
}

func (s *spyExecutor) Execute(_ context.Context, step PlannedStep) StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, step)
	res := StepResult{Type: step.Type, Amount: step.Display, TxHash: "0xhash-" + string(step.Type)}
	if msg, ok := s.fail[step.Type]; ok {
		res.Status = StepStatusFailed
		res.Error = msg
		return res
	}
	res.Status = StepStatusConfirmed
	if step.To != "" {
		to := step.To
		res.ToAddress = &to
	}
	return res
}

// gatedExecutor 在第一次调用时阻塞，直到测试放行。
type gatedExecutor struct {
	*spyExecutor
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		spyExecutor: &spyExecutor{fail: map[StepType]string{}},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, step PlannedStep) StepResult {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.spyExecutor.Execute(ctx, step)
}

func (s *spyExecutor) types() []StepType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepType, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Type
	}
	return out
}

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, e alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

type harness struct {
	store    *MemoryStore
	agents   *MemoryAgentStore
	tokens   *fakeTokens
	executor *spyExecutor
	offering *fakeOffering
	alerts   *captureAlerts
	coord    *Coordinator
	clock    time.Time
}

func newHarness(t *testing.T, balance int64, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: NewMemoryStore(),
		agents: NewMemoryAgentStore(Agent{
			ID:              testAgent,
			CreatorAddress:  testCreator,
			TokenAddress:    testToken,
			OfferingAddress: testOffering,
		}),
		tokens:   &fakeTokens{balances: map[string]*big.Int{testToken: big.NewInt(balance)}},
		executor: &spyExecutor{fail: map[StepType]string{}},
		offering: &fakeOffering{raised: big.NewInt(20000), deposit: testDeposit},
		alerts:   &captureAlerts{},
		clock:    time.UnixMilli(1_700_000_000_000),
	}
	var mu sync.Mutex
	tick := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		h.clock = h.clock.Add(time.Millisecond)
		return h.clock
	}
	var seq int
	nextID := func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("attempt-%d", seq)
	}
	base := []Option{WithClock(tick), WithIDGenerator(nextID), WithAlertDispatcher(h.alerts)}
	h.coord = h.newCoordinator(t, h.executor, append(base, opts...)...)
	return h
}

// newCoordinator 在同一存储上构造协调器，可替换执行器。
func (h *harness) newCoordinator(t *testing.T, executor StepExecutor, opts ...Option) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(Dependencies{
		Store:    h.store,
		Agents:   h.agents,
		History:  NewReconciler(h.store, NewMemoryLedgerCache(time.Minute)),
		Tokens:   h.tokens,
		Executor: executor,
		Offering: h.offering,
	}, Settings{
		AirdropAddress: testAirdrop,
		MiningAddress:  testMining,
		CreatorLock:    365 * 24 * time.Hour,
	}, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coord
}

func startRequest(steps ...StepType) StartRequest {
	return StartRequest{
		AgentID:      testAgent,
		TotalSupply:  "1000000",
		TokenAddress: testToken,
		InitiatedBy:  "ops",
		Options:      Options{Steps: steps},
	}
}

func equalTypes(a, b []StepType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStartCompletesDefaultSteps(t *testing.T) {
	h := newHarness(t, 850000)
	attempt, err := h.coord.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if attempt.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", attempt.Status, attempt.Error)
	}
	want := []StepType{StepCreator, StepAirdrop, StepMining, StepLiquidity}
	if got := h.executor.types(); !equalTypes(got, want) {
		t.Fatalf("unexpected execution order %v", got)
	}
	creator := h.executor.calls[0]
	if creator.Amount.Int64() != 330000 || !SameAddress(creator.To, testCreator) || creator.LockDuration != 365*24*time.Hour {
		t.Fatalf("unexpected creator step %+v", creator)
	}
	if h.executor.calls[2].Amount.Int64() != 400000 {
		t.Fatalf("unexpected mining amount %s", h.executor.calls[2].Amount)
	}
	if attempt.CompletedAt == nil || attempt.Allocation["iao"] != "150000" {
		t.Fatalf("attempt missing completion data: %+v", attempt)
	}

	stored, err := h.store.Get(context.Background(), attempt.ID)
	if err != nil || stored.Status != StatusCompleted || len(stored.Steps) != 4 {
		t.Fatalf("stored attempt mismatch: %+v (%v)", stored, err)
	}
	agent, _ := h.agents.Get(context.Background(), testAgent)
	if !agent.Flags.TokensDistributed || !agent.Flags.LiquidityAdded || agent.Flags.TokensBurned {
		t.Fatalf("unexpected flags %+v", agent.Flags)
	}
	if len(h.alerts.events) != 0 {
		t.Fatalf("completed run must not alert, got %d", len(h.alerts.events))
	}
}

func TestBalanceGuardAbortsBeforeAnyTransaction(t *testing.T) {
	h := newHarness(t, 849999)
	attempt, err := h.coord.Start(context.Background(), startRequest())
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	var detail *InsufficientBalanceError
	if !errors.As(err, &detail) || detail.Required.Int64() != 850000 {
		t.Fatalf("expected detailed error, got %v", err)
	}
	if attempt == nil || attempt.Status != StatusFailed || len(attempt.Steps) != 0 {
		t.Fatalf("expected FAILED attempt with no steps, got %+v", attempt)
	}
	if len(h.executor.calls) != 0 {
		t.Fatalf("executor must not be called, got %d calls", len(h.executor.calls))
	}
	stored, _ := h.store.Get(context.Background(), attempt.ID)
	if stored.Status != StatusFailed || stored.Error == "" {
		t.Fatalf("abort not persisted: %+v", stored)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0].Code != CodeInsufficientBalance {
		t.Fatalf("expected one insufficient balance alert, got %+v", h.alerts.events)
	}
}

func TestBalanceGuardCountsPendingBurn(t *testing.T) {
	// 余额覆盖四笔转账（850000），不足以再覆盖 1000 的销毁。
	h := newHarness(t, 850000)
	req := startRequest()
	req.Options.IncludeBurn = true
	attempt, err := h.coord.Start(context.Background(), req)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	var detail *InsufficientBalanceError
	if !errors.As(err, &detail) || detail.Required.Int64() != 851000 || detail.Available.Int64() != 850000 {
		t.Fatalf("expected burn to be counted, got %v", err)
	}
	if attempt.Status != StatusFailed || len(attempt.Steps) != 0 {
		t.Fatalf("expected FAILED attempt with no steps, got %+v", attempt)
	}
	if len(h.executor.calls) != 0 {
		t.Fatalf("executor must not be called, got %d calls", len(h.executor.calls))
	}
}

func TestRepeatedStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	run := func(t *testing.T, second func(h *harness, first *Attempt) (*Attempt, error)) (*harness, Ledger) {
		h := newHarness(t, 850000)
		h.executor.fail[StepAirdrop] = "reverted"
		first, err := h.coord.Start(ctx, startRequest())
		if err != nil {
			t.Fatalf("first start: %v", err)
		}
		if first.Status != StatusPartialFailed {
			t.Fatalf("expected PARTIAL_FAILED, got %s", first.Status)
		}
		delete(h.executor.fail, StepAirdrop)
		// 余额只剩下空投所需，已确认的步骤不能再占用余额。
		h.tokens.balances[testToken] = big.NewInt(20000)
		if _, err := second(h, first); err != nil {
			t.Fatalf("second run: %v", err)
		}
		ledger, err := h.coord.history.Reconcile(ctx, testAgent, testToken)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		return h, ledger
	}

	startedTwice, twice := run(t, func(h *harness, _ *Attempt) (*Attempt, error) {
		return h.coord.Start(ctx, startRequest())
	})
	retried, viaRetry := run(t, func(h *harness, first *Attempt) (*Attempt, error) {
		return h.coord.Retry(ctx, first.ID)
	})

	if !reflect.DeepEqual(twice, viaRetry) {
		t.Fatalf("ledgers differ:\nstart twice %+v\nstart+retry %+v", twice, viaRetry)
	}
	if !twice.Completed().Has(StepAirdrop) || len(twice.Completed()) != 4 {
		t.Fatalf("expected all four steps confirmed, got %+v", twice)
	}
	want := []StepType{StepCreator, StepAirdrop, StepMining, StepLiquidity, StepAirdrop}
	for name, h := range map[string]*harness{"start twice": startedTwice, "start+retry": retried} {
		if got := h.executor.types(); !equalTypes(got, want) {
			t.Fatalf("%s: confirmed steps must not be re-submitted, got %v", name, got)
		}
	}
}

func TestRetryRunsOnlyUnconfirmedSteps(t *testing.T) {
	h := newHarness(t, 20000)
	ctx := context.Background()
	prior := &Attempt{
		ID:           "prior",
		AgentID:      testAgent,
		TokenAddress: testToken,
		TotalSupply:  "1000000",
		Status:       StatusPartialFailed,
		Options:      Options{Steps: []StepType{StepCreator, StepAirdrop}},
		Steps: []StepResult{
			{Type: StepCreator, Amount: "330000", Status: StepStatusConfirmed, TxHash: "0x1"},
			{Type: StepAirdrop, Amount: "20000", Status: StepStatusFailed, Error: "reverted"},
		},
		CreatedAt: 1,
	}
	if err := h.store.Create(ctx, prior); err != nil {
		t.Fatalf("seed: %v", err)
	}

	attempt, err := h.coord.Retry(ctx, "prior")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempt.RetryOf != "prior" || attempt.ID == "prior" {
		t.Fatalf("retry must create a new linked attempt: %+v", attempt)
	}
	if got := h.executor.types(); !equalTypes(got, []StepType{StepAirdrop}) {
		t.Fatalf("expected only airdrop to run, got %v", got)
	}
	if attempt.Status != StatusCompleted || len(attempt.Steps) != 1 || attempt.Steps[0].Type != StepAirdrop {
		t.Fatalf("unexpected retry attempt %+v", attempt)
	}
	old, _ := h.store.Get(ctx, "prior")
	if old.Status != StatusPartialFailed || len(old.Steps) != 2 {
		t.Fatalf("prior attempt must stay untouched: %+v", old)
	}
	ledger, err := h.coord.Ledger(ctx, testAgent, testToken)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger[StepAirdrop].AttemptID != attempt.ID || ledger[StepCreator].AttemptID != "prior" {
		t.Fatalf("unexpected ledger owners %+v", ledger)
	}
}

func TestMissingBurnYieldsPartialFailure(t *testing.T) {
	h := newHarness(t, 851000)
	h.executor.fail[StepBurn] = "token contract does not expose burn(uint256)"

	req := startRequest(StepCreator, StepAirdrop, StepMining, StepLiquidity)
	req.Options.IncludeBurn = true
	attempt, err := h.coord.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if attempt.Status != StatusPartialFailed {
		t.Fatalf("expected PARTIAL_FAILED, got %s", attempt.Status)
	}
	burn, ok := attempt.Step(StepBurn)
	if !ok || burn.Confirmed() || burn.Amount != "1000" {
		t.Fatalf("unexpected burn step %+v", burn)
	}
	if burn.ToAddress != nil {
		t.Fatal("burn step has no recipient")
	}
	agent, _ := h.agents.Get(context.Background(), testAgent)
	if !agent.Flags.TokensDistributed || agent.Flags.TokensBurned {
		t.Fatalf("unexpected flags %+v", agent.Flags)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0].Metadata["step.burn"] == "" {
		t.Fatalf("expected alert describing the burn failure, got %+v", h.alerts.events)
	}
}

func TestBurnUsesConfiguredPercentage(t *testing.T) {
	h := newHarness(t, 2000)
	req := startRequest(StepBurn)
	req.Options.BurnPercentage = decimal.RequireFromString("7.5")
	attempt, err := h.coord.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(h.executor.calls) != 1 || h.executor.calls[0].Amount.Int64() != 1500 {
		t.Fatalf("expected burn of 1500, got %+v", h.executor.calls)
	}
	if attempt.Status != StatusCompleted {
		t.Fatalf("unexpected status %s", attempt.Status)
	}
}

func TestBurnRescalesRaisedAmount(t *testing.T) {
	h := newHarness(t, 0)
	h.tokens.decimals = 18
	h.tokens.perToken = map[string]int32{testDeposit: 6}
	// 募集 20000 个 6 位精度的资产。
	h.offering.raised = big.NewInt(20_000_000_000)
	want := new(big.Int).Mul(big.NewInt(1000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	h.tokens.balances[testToken] = new(big.Int).Set(want)

	attempt, err := h.coord.Start(context.Background(), startRequest(StepBurn))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(h.executor.calls) != 1 {
		t.Fatalf("expected one burn call, got %d", len(h.executor.calls))
	}
	burn := h.executor.calls[0]
	if burn.Amount.Cmp(want) != 0 || burn.Display != "1000" || !SameAddress(burn.Asset, testToken) {
		t.Fatalf("expected 1000 tokens burned, got %s (%s) of %s", burn.Amount, burn.Display, burn.Asset)
	}
	if attempt.Status != StatusCompleted {
		t.Fatalf("unexpected status %s", attempt.Status)
	}
}

func TestOfferingNotSucceededAborts(t *testing.T) {
	h := newHarness(t, 850000)
	h.offering.pending = true
	attempt, err := h.coord.Start(context.Background(), startRequest())
	if !errors.Is(err, ErrOfferingNotSucceeded) || !IsPreflight(err) {
		t.Fatalf("expected offering not succeeded, got %v", err)
	}
	if attempt == nil || attempt.Status != StatusFailed || len(attempt.Steps) != 0 || attempt.Error == "" {
		t.Fatalf("expected FAILED attempt with no steps, got %+v", attempt)
	}
	if len(h.executor.calls) != 0 {
		t.Fatalf("executor must not be called, got %d calls", len(h.executor.calls))
	}
}

func TestAllFailedIsFailed(t *testing.T) {
	h := newHarness(t, 850000)
	for _, s := range ExecutionOrder {
		h.executor.fail[s] = "boom"
	}
	attempt, err := h.coord.Start(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("step failures are not returned as errors: %v", err)
	}
	if attempt.Status != StatusFailed || len(attempt.Steps) != 4 {
		t.Fatalf("expected FAILED with four recorded steps, got %+v", attempt)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	h := newHarness(t, 850000)
	ctx := context.Background()
	running := &Attempt{ID: "running", AgentID: testAgent, TokenAddress: testToken, Status: StatusPending, CreatedAt: 1}
	if err := h.store.Create(ctx, running); err != nil {
		t.Fatalf("seed: %v", err)
	}
	attempt, err := h.coord.Start(ctx, startRequest())
	if !errors.Is(err, ErrConcurrentRun) {
		t.Fatalf("expected concurrent run error, got %v", err)
	}
	if attempt.Status != StatusFailed || len(h.executor.calls) != 0 {
		t.Fatalf("expected FAILED attempt and no execution, got %+v", attempt)
	}
	if _, err := h.store.Get(ctx, attempt.ID); err != nil {
		t.Fatalf("rejected attempt should be recorded: %v", err)
	}
}

func TestRunLockRejectsOverlap(t *testing.T) {
	lock := NewLocalLock()
	h := newHarness(t, 850000, WithRunLock(lock))
	release, err := lock.Acquire(context.Background(), PairKey(testAgent, testToken))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	if _, err := h.coord.Start(context.Background(), startRequest()); !errors.Is(err, ErrConcurrentRun) {
		t.Fatalf("expected concurrent run error, got %v", err)
	}
	if len(h.executor.calls) != 0 {
		t.Fatal("executor must not run while the lock is held")
	}
}

func TestRetryOfCompletedAttemptIsNoop(t *testing.T) {
	h := newHarness(t, 850000)
	ctx := context.Background()
	done, err := h.coord.Start(ctx, startRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := h.coord.Retry(ctx, done.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.ID != done.ID {
		t.Fatalf("retry of a completed attempt must return it, got %s", again.ID)
	}
	attempts, _ := h.store.ListByAgent(ctx, testAgent)
	if len(attempts) != 1 || len(h.executor.calls) != 4 {
		t.Fatalf("no new attempt or execution expected, got %d attempts %d calls", len(attempts), len(h.executor.calls))
	}
	if _, err := h.coord.Retry(ctx, "missing"); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTokenMismatchAborts(t *testing.T) {
	h := newHarness(t, 850000)
	req := startRequest()
	req.TokenAddress = "0x00000000000000000000000000000000000000B2"
	attempt, err := h.coord.Start(context.Background(), req)
	if !errors.Is(err, ErrTokenAddressMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if attempt.Status != StatusFailed || len(h.executor.calls) != 0 {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
}

func TestInvalidRequestCreatesNoAttempt(t *testing.T) {
	h := newHarness(t, 850000)
	req := startRequest("bogus")
	if _, err := h.coord.Start(context.Background(), req); err == nil {
		t.Fatal("expected validation error")
	}
	attempts, _ := h.store.ListByAgent(context.Background(), testAgent)
	if len(attempts) != 0 {
		t.Fatalf("validation errors must not record attempts, got %d", len(attempts))
	}
}

func TestRecoverStale(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	partial := &Attempt{
		ID: "partial", AgentID: testAgent, TokenAddress: testToken, Status: StatusPending, CreatedAt: 10,
		Steps: []StepResult{{Type: StepCreator, Status: StepStatusConfirmed, TxHash: "0x1"}},
	}
	empty := &Attempt{ID: "empty", AgentID: "agent-2", TokenAddress: testToken, Status: StatusPending, CreatedAt: 20}
	for _, a := range []*Attempt{partial, empty} {
		if err := h.store.Create(ctx, a); err != nil {
			t.Fatalf("seed %s: %v", a.ID, err)
		}
	}

	recovered, err := h.coord.RecoverStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("expected two recovered attempts, got %d", len(recovered))
	}
	got, _ := h.store.Get(ctx, "partial")
	if got.Status != StatusPartialFailed || got.Error != abandonedMessage {
		t.Fatalf("unexpected partial recovery %+v", got)
	}
	got, _ = h.store.Get(ctx, "empty")
	if got.Status != StatusFailed {
		t.Fatalf("unexpected empty recovery %s", got.Status)
	}
	agent, _ := h.agents.Get(ctx, testAgent)
	if agent.Flags.TokensDistributed {
		t.Fatal("creator alone must not mark tokens distributed")
	}
}

type runOutcome struct {
	attempt *Attempt
	err     error
}

// startInBackground 启动一次运行，并在执行器收到第一步后返回。
func startInBackground(t *testing.T, coord *Coordinator, gate *gatedExecutor) <-chan runOutcome {
	t.Helper()
	done := make(chan runOutcome, 1)
	go func() {
		attempt, err := coord.Start(context.Background(), startRequest())
		done <- runOutcome{attempt: attempt, err: err}
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the executor")
	}
	// 让检查点时间严格早于回收的截止时间。
	time.Sleep(5 * time.Millisecond)
	return done
}

func TestRecoverStaleSkipsRunInFlight(t *testing.T) {
	h := newHarness(t, 850000)
	gate := newGatedExecutor()
	coord := h.newCoordinator(t, gate, WithClock(time.Now))
	ctx := context.Background()

	done := startInBackground(t, coord, gate)
	if stale, _ := h.store.ListStale(ctx, time.Now().UnixMilli()); len(stale) != 1 {
		t.Fatalf("expected the live attempt to look stale, got %d", len(stale))
	}
	recovered, err := coord.RecoverStale(ctx, 0)
	if err != nil || len(recovered) != 0 {
		t.Fatalf("a run holding the lock must not be recovered, got %d (%v)", len(recovered), err)
	}

	close(gate.release)
	out := <-done
	if out.err != nil || out.attempt.Status != StatusCompleted {
		t.Fatalf("live run must finish normally, got %+v (%v)", out.attempt, out.err)
	}
	stored, _ := h.store.Get(ctx, out.attempt.ID)
	if stored.Status != StatusCompleted || len(stored.Steps) != 4 {
		t.Fatalf("unexpected stored attempt %+v", stored)
	}
}

func TestRunStopsWhenAttemptFinalizedElsewhere(t *testing.T) {
	h := newHarness(t, 850000)
	gate := newGatedExecutor()
	live := h.newCoordinator(t, gate, WithClock(time.Now))
	// 另一进程：共享存储，但持有独立的运行锁。
	other := h.newCoordinator(t, h.executor, WithClock(time.Now))
	ctx := context.Background()

	done := startInBackground(t, live, gate)
	recovered, err := other.RecoverStale(ctx, 0)
	if err != nil || len(recovered) != 1 {
		t.Fatalf("expected the attempt to be recovered elsewhere, got %d (%v)", len(recovered), err)
	}
	abandoned := recovered[0]

	close(gate.release)
	out := <-done
	if !errors.Is(out.err, ErrAttemptImmutable) {
		t.Fatalf("expected the run to stop on an immutable attempt, got %v", out.err)
	}
	if got := gate.types(); !equalTypes(got, []StepType{StepCreator}) {
		t.Fatalf("no step may be submitted after the attempt was finalized, got %v", got)
	}
	salvaged := out.attempt
	if salvaged == nil || salvaged.RetryOf != abandoned.ID || salvaged.Status != StatusPartialFailed {
		t.Fatalf("executed steps must be kept in a linked attempt, got %+v", salvaged)
	}
	if _, err := h.store.Get(ctx, salvaged.ID); err != nil {
		t.Fatalf("linked attempt not persisted: %v", err)
	}

	ledger, err := live.history.Reconcile(ctx, testAgent, testToken)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !ledger.Completed().Has(StepCreator) || ledger[StepCreator].AttemptID != salvaged.ID {
		t.Fatalf("confirmed creator step missing from ledger: %+v", ledger)
	}

	retried, err := live.Retry(ctx, abandoned.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != StatusCompleted {
		t.Fatalf("unexpected retry status %s", retried.Status)
	}
	want := []StepType{StepCreator, StepAirdrop, StepMining, StepLiquidity}
	if got := gate.types(); !equalTypes(got, want) {
		t.Fatalf("confirmed steps must not be re-submitted, got %v", got)
	}
}
