package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/commerce-gate/internal/audit"
	"github.com/xela07ax/commerce-gate/internal/console/handler"
	"github.com/xela07ax/commerce-gate/internal/console/server"
	"github.com/xela07ax/commerce-gate/internal/console/service"
	"github.com/xela07ax/commerce-gate/internal/engine"
	"github.com/xela07ax/commerce-gate/internal/infra"
	"github.com/xela07ax/commerce-gate/internal/infra/auth"
	"github.com/xela07ax/commerce-gate/internal/ledger"
	"github.com/xela07ax/commerce-gate/internal/orchestrator"
	"github.com/xela07ax/commerce-gate/internal/policy"
	"github.com/xela07ax/commerce-gate/internal/repository/sqlstore"
	"github.com/xela07ax/commerce-gate/internal/settlement"
	"github.com/xela07ax/commerce-gate/internal/settlement/ethereum"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("commerce gate stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Общий контекст приложения: отменяется при остановке и гасит все слушатели
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// 1. Хранилище (PostgreSQL или SQLite)
	store, err := sqlstore.Open(appCtx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	// 2. Redis опционален: без него паузы и остановки действуют только на этот инстанс
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	} else {
		logger.Warn("redis is not configured, controls stay local to this instance")
	}

	// 3. Политика: из БД, а при пустой БД из файла
	policies := policy.NewStore(logger,
		policy.WithRepository(store),
		policy.WithBroadcast(rdb, infra.RedisChanPolicyUpdate),
	)
	var seed *policy.Document
	if cfg.Policy.File != "" {
		doc, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			logger.Warn("policy seed file is not usable", zap.String("file", cfg.Policy.File), zap.Error(err))
		} else {
			seed = &doc
		}
	}
	if err := policies.Bootstrap(appCtx, seed); err != nil {
		return fmt.Errorf("bootstrap policy: %w", err)
	}
	go policies.StartListener(appCtx)

	// 4. Учет лимитов с журналом в БД
	spend := ledger.New(logger, ledger.WithJournal(store))
	if err := spend.Restore(appCtx, store); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	// 5. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 6. Пауза организации и остановки агентов
	pause := engine.NewPauseSwitch(rdb, logger)
	if err := pause.Init(appCtx); err != nil {
		logger.Error("pause state warmup failed", zap.Error(err))
	}
	go pause.StartListener(appCtx)

	halts := engine.NewHaltManager(rdb, store, logger)
	if err := halts.Init(appCtx); err != nil {
		return fmt.Errorf("load halted agents: %w", err)
	}
	go halts.StartListener(appCtx)

	// 7. Журнал аудита; поток в Redis — только наблюдатель, источник истины остается в БД
	logOpts := []audit.Option{
		audit.WithFatalHandler(func(err error) {
			logger.Error("audit log is not writable, pausing organization", zap.Error(err))
			_ = pause.Pause(context.Background(), "audit-fault")
		}),
	}
	var streamer *audit.Streamer
	if rdb != nil {
		streamer = audit.NewStreamer(audit.NewRedisSink(rdb, infra.RedisChanAuditStream), audit.StreamerConfig{
			Buffer:        cfg.Engine.AuditStreamBuffer,
			FlushInterval: cfg.Engine.AuditFlushInterval,
		}, logger)
		streamer.Start()
		metrics.WatchAuditStream(streamer)
		logOpts = append(logOpts, audit.WithObserver(streamer))
	}
	auditLog, err := audit.NewLog(appCtx, store, logger, logOpts...)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	// 8. Сеть расчетов: EVM JSON-RPC или встроенный mock
	var client settlement.Client
	if cfg.Settlement.RPCURL != "" {
		eth, err := ethereum.Dial(appCtx, ethereum.Config{
			RPCURL:        cfg.Settlement.RPCURL,
			TokenAddress:  cfg.Settlement.TokenAddress,
			TokenDecimals: cfg.Settlement.TokenDecimals,
			Wallets:       cfg.Settlement.Wallets,
			Confirm:       cfg.Settlement.ConfirmPoll,
		}, logger)
		if err != nil {
			return fmt.Errorf("dial settlement network: %w", err)
		}
		defer eth.Close()
		client = eth
	} else {
		logger.Warn("settlement rpc is not configured, using in-memory mock network")
		client = settlement.NewMock()
	}

	// 9. Оркестратор исполнения
	orch := orchestrator.New(client, spend, auditLog, orchestrator.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		QueueTimeout:   cfg.Engine.QueueTimeout,
		SubmitDeadline: cfg.Engine.SubmitDeadline,
		Reliability: orchestrator.ReliabilityConfig{
			MaxAttempts:     cfg.Engine.MaxAttempts,
			BaseDelay:       cfg.Engine.BaseDelay,
			MaxDelay:        cfg.Engine.MaxDelay,
			AttemptTimeout:  cfg.Engine.AttemptTimeout,
			RateLimit:       cfg.Engine.RateLimit,
			RateBurst:       cfg.Engine.RateBurst,
			BreakerFailures: cfg.Engine.CBFailures,
			BreakerTimeout:  cfg.Engine.CBTimeout,
		},
	}, logger, orchestrator.WithHalter(halts), orchestrator.WithMetrics(metrics))
	orch.Start()

	// Резервы, оставшиеся от прошлого запуска, разрешаются до приема трафика
	if report, err := orch.Reconcile(appCtx); err != nil {
		logger.Error("startup reconciliation failed", zap.Error(err))
	} else {
		logger.Info("startup reconciliation done",
			zap.Int("committed", report.Committed),
			zap.Int("released", report.Released),
			zap.Int("unresolved", report.Unresolved))
	}
	go orch.RunReconciler(appCtx, cfg.Engine.ReconcileInterval)
	go pruneLedger(appCtx, store, policies, logger)

	// 10. Шлюз
	controls := engine.Controls{Pause: pause, Halts: halts}
	pe := policy.NewEngine(policies, spend, auditLog, logger, policy.WithAdmission(controls))
	gw := engine.NewGateway(pe, orch, auditLog, metrics, logger)

	// 11. Консоль CFO
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("console signing key: %w", err)
	}
	// Отдельно выданный публичный ключ должен быть парой к ключу подписи
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("console verification key: %w", err)
		}
		if !pub.Equal(&privKey.PublicKey) {
			return errors.New("console verification key does not match the signing key")
		}
	}
	authSvc := service.NewAuthService(store, privKey, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost, logger)
	for _, op := range cfg.Auth.Operators {
		password := os.Getenv(op.PasswordEnv)
		if password == "" {
			logger.Warn("operator seed skipped, password env is empty",
				zap.String("username", op.Username), zap.String("env", op.PasswordEnv))
			continue
		}
		if err := authSvc.EnsureOperator(appCtx, op.Username, password, op.Scopes); err != nil {
			return fmt.Errorf("seed operator %q: %w", op.Username, err)
		}
	}

	controlSvc := service.NewControlService(pause, halts, orch, spend, policies, logger)
	consoleSrv := server.NewConsoleServer(server.Deps{
		Validator: authSvc,
		Actions:   engine.TracingMiddleware(http.HandlerFunc(gw.HandleHTTPRequest)),
		Auth:      handler.NewAuthHandler(authSvc),
		Controls:  handler.NewControlHandler(controlSvc, logger),
		Policy:    handler.NewPolicyHandler(service.NewPolicyService(policies, store, logger)),
		Audit:     handler.NewAuditHandler(service.NewAuditService(auditLog)),
		Ready: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(ctx)
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	// gRPC health для балансировщиков
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 3)
	go func() {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			errCh <- fmt.Errorf("grpc listen: %w", err)
			return
		}
		logger.Info("grpc health server started", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.Info("commerce gate started", zap.String("addr", srv.Addr), zap.Int64("policy_version", policies.Load().Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-stop:
		logger.Info("shutting down commerce gate...")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", zap.Error(runErr))
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	// Воркеры дорабатывают начатые отправки, затем гасим слушатели и поток аудита
	orch.Stop()
	appCancel()
	if streamer != nil {
		streamer.Stop()
	}
	logger.Info("commerce gate stopped")
	return runErr
}

// pruneLedger раз в час удаляет из журнала корзины, давно вышедшие из окна.
func pruneLedger(ctx context.Context, store *sqlstore.Store, policies *policy.Store, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := policies.Load()
			if snap == nil {
				continue
			}
			before := time.Now().Add(-2 * snap.Window.Size)
			n, err := store.PruneEntries(ctx, before)
			if err != nil {
				logger.Warn("ledger prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("ledger entries pruned", zap.Int64("rows", n), zap.Time("before", before))
			}
		}
	}
}
