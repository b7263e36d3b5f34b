// Package bootstrap 根据配置装配结算服务的组件图，供守护进程与命令行共用。
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"iao-settlement/internal/api"
	"iao-settlement/internal/config"
	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
	"iao-settlement/internal/executor"
	"iao-settlement/internal/liquidity"
	"iao-settlement/internal/observability/alerting"
	"iao-settlement/internal/observability/metrics"
	"iao-settlement/internal/offering"
	"iao-settlement/internal/storage/mysql"
	"iao-settlement/internal/storage/redis"
	"iao-settlement/internal/task"
	"iao-settlement/internal/web3"
	"iao-settlement/internal/web3/ethereum"
	"iao-settlement/internal/web3/provider"
	"iao-settlement/pkg/logger"
)

// App 持有装配完成的组件。
type App struct {
	Config      *config.Config
	Metrics     *metrics.Registry
	Coordinator *distribution.Coordinator
	// 以下字段在 WithoutJobs 时为空。
	Jobs      *task.Service
	Processor *task.Processor
	Server    *api.Server

	log     *slog.Logger
	closers []func() error
}

type options struct {
	tx       web3.Transactor
	caller   web3.Caller
	dialer   provider.Dialer
	skipJobs bool
}

// Option 定义装配选项。
type Option func(*options)

// WithChain 直接使用给定的链访问实现，跳过 RPC 注册表与签名私钥。
func WithChain(tx web3.Transactor, caller web3.Caller) Option {
	return func(o *options) {
		o.tx = tx
		o.caller = caller
	}
}

// WithDialer 替换链客户端的拨号方式。
func WithDialer(d provider.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithoutJobs 只装配分发流水线，不创建任务队列、处理器与 API。
func WithoutJobs() Option {
	return func(o *options) {
		o.skipJobs = true
	}
}

// New 按配置创建全部组件。失败时已创建的资源会被释放。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "配置为空")
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	app = &App{Config: cfg, Metrics: metrics.New(), log: logger.Named("bootstrap")}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	st, err := app.openStores(ctx)
	if err != nil {
		return nil, err
	}
	cache, err := app.ledgerCache(ctx)
	if err != nil {
		return nil, err
	}
	lock, err := app.runLock(ctx)
	if err != nil {
		return nil, err
	}
	tx, caller, err := app.chain(ctx, o)
	if err != nil {
		return nil, err
	}

	var lp liquidity.Provider
	if addr := cfg.Distribution.Liquidity.ManagerAddress; addr != "" {
		cp, err := liquidity.NewContractProvider(tx, caller, liquidity.Config{
			Manager:    common.HexToAddress(addr),
			Factory:    common.HexToAddress(cfg.Distribution.Liquidity.FactoryAddress),
			QuoteToken: common.HexToAddress(cfg.Distribution.Liquidity.QuoteToken),
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化流动性协作方失败")
		}
		lp = cp
	} else {
		app.log.Warn("未配置流动性管理合约，liquidity 步骤将记为失败")
	}
	exec := executor.New(tx, caller, lp)

	burn, err := cfg.BurnPercentage()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "销毁比例无效")
	}
	alerter := newAlerter(cfg.Alerting)
	coordOpts := []distribution.Option{
		distribution.WithRunLock(lock),
		distribution.WithRecorder(app.Metrics),
	}
	if alerter != nil {
		coordOpts = append(coordOpts, distribution.WithAlertDispatcher(alerter))
	}
	app.Coordinator, err = distribution.NewCoordinator(distribution.Dependencies{
		Store:    st.attempts,
		Agents:   st.agents,
		History:  distribution.NewReconciler(st.attempts, cache),
		Tokens:   exec,
		Executor: exec,
		Offering: offering.NewReader(caller),
	}, distribution.Settings{
		AirdropAddress: cfg.Distribution.AirdropAddress,
		MiningAddress:  cfg.Distribution.MiningAddress,
		CreatorLock:    cfg.CreatorLock(),
		BurnPercentage: burn,
	}, coordOpts...)
	if err != nil {
		return nil, err
	}

	if o.skipJobs {
		return app, nil
	}
	queue, err := app.openQueue(ctx)
	if err != nil {
		return nil, err
	}
	app.Jobs = task.NewService(st.jobs, queue, cfg.Queue.MaxRetries)
	app.closers = append(app.closers, queue.Close)

	procOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithRecorder(app.Metrics),
	}
	if alerter != nil {
		procOpts = append(procOpts, task.WithAlertDispatcher(alerter))
	}
	app.Processor = task.NewProcessor(app.Coordinator, st.jobs, queue, queue, procOpts...)
	app.Server = api.NewServer(cfg.Server.Address, app.Jobs, app.Coordinator, api.WithRecorder(app.Metrics))
	return app, nil
}

type stores struct {
	attempts distribution.Store
	agents   distribution.AgentStore
	jobs     task.Store
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	cfg := a.Config
	switch cfg.Storage.Driver {
	case "", "memory":
		agents := make([]distribution.Agent, 0, len(cfg.Agents))
		for _, ac := range cfg.Agents {
			agents = append(agents, agentFromConfig(ac))
		}
		return stores{
			attempts: distribution.NewMemoryStore(),
			agents:   distribution.NewMemoryAgentStore(agents...),
			jobs:     task.NewMemoryStore(),
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
			AutoMigrate:     cfg.Storage.AutoMigrate,
		})
		if err != nil {
			return stores{}, err
		}
		a.closers = append(a.closers, db.Close)
		agents := mysql.NewAgentStore(db)
		if err := seedAgents(ctx, agents, cfg.Agents); err != nil {
			return stores{}, err
		}
		return stores{
			attempts: mysql.NewAttemptStore(db),
			agents:   agents,
			jobs:     mysql.NewJobStore(db),
		}, nil
	default:
		return stores{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的存储驱动: "+cfg.Storage.Driver)
	}
}

func seedAgents(ctx context.Context, store *mysql.AgentStore, agents []config.AgentConfig) error {
	for _, ac := range agents {
		if err := store.Upsert(ctx, agentFromConfig(ac)); err != nil {
			return err
		}
	}
	return nil
}

func agentFromConfig(ac config.AgentConfig) distribution.Agent {
	return distribution.Agent{
		ID:              ac.ID,
		CreatorAddress:  ac.CreatorAddress,
		TokenAddress:    ac.TokenAddress,
		OfferingAddress: ac.OfferingAddress,
	}
}

func (a *App) ledgerCache(ctx context.Context) (distribution.LedgerCache, error) {
	cfg := a.Config.Cache
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		return distribution.NewMemoryLedgerCache(ttl), nil
	case "redis":
		client, err := a.redisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return redis.NewLedgerCache(client, cfg.Redis.Prefix, ttl), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的缓存驱动: "+cfg.Driver)
	}
}

func (a *App) runLock(ctx context.Context) (distribution.RunLock, error) {
	cfg := a.Config.Lock
	switch cfg.Driver {
	case "", "memory":
		return distribution.NewLocalLock(), nil
	case "redis":
		client, err := a.redisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return redis.NewRunLock(client, cfg.Redis.Prefix, time.Duration(cfg.TTLSeconds)*time.Second), nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的锁驱动: "+cfg.Driver)
	}
}

func (a *App) redisClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client, err := redis.NewClient(ctx, redis.Options{Address: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *App) chain(ctx context.Context, o options) (web3.Transactor, web3.Caller, error) {
	if o.tx != nil && o.caller != nil {
		return o.tx, o.caller, nil
	}
	dial := o.dialer
	if dial == nil {
		dial = ethereum.NewClient
	}
	registry, err := provider.NewRegistryWithDialer(ctx, a.Config.Web3, dial)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链客户端失败")
	}
	a.closers = append(a.closers, func() error {
		registry.Close()
		return nil
	})
	client, err := registry.DefaultClient()
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取默认链失败")
	}
	signer, err := registry.Signer(ctx, a.Config.Web3)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化签名账户失败")
	}
	a.log.Info("链客户端已就绪",
		slog.String("chain", client.Name()),
		slog.String("signer", signer.Address().Hex()),
		slog.Any("chains", registry.Chains()),
	)
	return signer, client, nil
}

func (a *App) openQueue(ctx context.Context) (task.Queue, error) {
	cfg := a.Config.Queue
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		client, err := redis.NewClient(ctx, redis.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		// 队列关闭时负责关闭客户端。
		return task.NewRedisQueueWithClient(client, cfg.Redis.Queue, time.Duration(cfg.Redis.BlockWaitSeconds)*time.Second), nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 RabbitMQ 队列失败")
		}
		return queue, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的队列驱动: "+cfg.Driver)
	}
}

func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// RecoverStale 结束超过配置时长仍为 PENDING 的尝试。
func (a *App) RecoverStale(ctx context.Context) ([]*distribution.Attempt, error) {
	recovered, err := a.Coordinator.RecoverStale(ctx, a.Config.StaleAfter())
	if err != nil {
		return recovered, err
	}
	if len(recovered) > 0 {
		a.log.Warn("启动时回收了中断的分发尝试", slog.Int("count", len(recovered)))
	}
	return recovered, nil
}

// Close 按创建的逆序释放资源。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
