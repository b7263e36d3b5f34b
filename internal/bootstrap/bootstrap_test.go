package bootstrap

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"iao-settlement/internal/config"
	"iao-settlement/internal/distribution"
	"iao-settlement/internal/task"
	"iao-settlement/internal/web3/ethereum"
	"iao-settlement/internal/web3/web3test"
)

const (
	testToken   = "0x0000000000000000000000000000000000000A11"
	testCreator = "0x0000000000000000000000000000000000000C01"
)

var signerAddr = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlement.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

const memoryConfig = `{
  "queue": {"workers": 2, "max_retries": 2},
  "distribution": {
    "airdrop_address": "0x0000000000000000000000000000000000000A02",
    "mining_address": "0x0000000000000000000000000000000000000A03"
  },
  "agents": [
    {"id": "agent-1", "creator_address": "` + testCreator + `", "token_address": "` + testToken + `"}
  ]
}`

func newChain() *web3test.Chain {
	chain := web3test.NewChain(signerAddr, web3test.MustParseABI(ethereum.TokenABI))
	supply := new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	chain.HandleView("balanceOf", func(common.Address, []any) ([]any, error) {
		return []any{supply}, nil
	})
	chain.HandleView("decimals", func(common.Address, []any) ([]any, error) {
		return []any{uint8(18)}, nil
	})
	return chain
}

func TestNewWiresMemoryPipeline(t *testing.T) {
	cfg := loadConfig(t, memoryConfig)
	chain := newChain()
	app, err := New(context.Background(), cfg, WithChain(chain, chain))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()

	if app.Jobs == nil || app.Processor == nil || app.Server == nil {
		t.Fatal("job layer must be wired by default")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = app.Processor.Start(ctx) }()

	req := distribution.StartRequest{
		AgentID:      "agent-1",
		TotalSupply:  "1000",
		TokenAddress: testToken,
		Options: distribution.Options{
			Steps: []distribution.StepType{distribution.StepCreator, distribution.StepAirdrop, distribution.StepMining},
		},
	}
	job, err := app.Jobs.SubmitStart(ctx, "", req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := app.Jobs.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != task.StatusSucceeded || done.Result == nil || done.Result.AttemptStatus != distribution.StatusCompleted {
		t.Fatalf("unexpected job %+v", done)
	}

	ledger, err := app.Coordinator.Ledger(ctx, "agent-1", testToken)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	completed := ledger.Completed()
	for _, step := range req.Options.Steps {
		if !completed.Has(step) {
			t.Fatalf("expected %s to be confirmed, ledger %+v", step, ledger)
		}
	}
	if got := chain.Methods(); len(got) != 3 || got[0] != "transferAndLock" {
		t.Fatalf("unexpected submissions %v", got)
	}

	recovered, err := app.RecoverStale(ctx)
	if err != nil || len(recovered) != 0 {
		t.Fatalf("nothing should be stale, got %d %v", len(recovered), err)
	}
}

func TestNewWithoutJobs(t *testing.T) {
	cfg := loadConfig(t, memoryConfig)
	cfg.Cache.Driver = "none"
	chain := newChain()
	app, err := New(context.Background(), cfg, WithChain(chain, chain), WithoutJobs())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()
	if app.Jobs != nil || app.Processor != nil || app.Server != nil {
		t.Fatal("job layer must be skipped")
	}
	if _, err := app.Coordinator.Attempt(context.Background(), "missing"); !errors.Is(err, distribution.ErrAttemptNotFound) {
		t.Fatalf("expected attempt not found, got %v", err)
	}
}

func TestNewRejectsUnknownDrivers(t *testing.T) {
	chain := newChain()
	cases := map[string]func(*config.Config){
		"storage": func(c *config.Config) { c.Storage.Driver = "sqlite" },
		"cache":   func(c *config.Config) { c.Cache.Driver = "memcached" },
		"lock":    func(c *config.Config) { c.Lock.Driver = "etcd" },
		"queue":   func(c *config.Config) { c.Queue.Driver = "kafka" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := loadConfig(t, memoryConfig)
			mutate(cfg)
			if app, err := New(context.Background(), cfg, WithChain(chain, chain)); err == nil || app != nil {
				t.Fatalf("expected error for unknown %s driver", name)
			}
		})
	}
}

func TestNewAlerter(t *testing.T) {
	if newAlerter(config.AlertingConfig{}) != nil {
		t.Fatal("no channels configured must yield no dispatcher")
	}
	if newAlerter(config.AlertingConfig{Log: true, WebhookURL: "http://hooks.local/x", TimeoutSeconds: 1}) == nil {
		t.Fatal("expected dispatcher")
	}
}
