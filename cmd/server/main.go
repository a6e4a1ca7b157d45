package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	aiclient "github.com/ignatzorin/agent-escrow/internal/ai"
	"github.com/ignatzorin/agent-escrow/internal/config"
	"github.com/ignatzorin/agent-escrow/internal/db"
	"github.com/ignatzorin/agent-escrow/internal/domain/entity"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	httpRouter "github.com/ignatzorin/agent-escrow/internal/http/router"
	aiadapter "github.com/ignatzorin/agent-escrow/internal/infrastructure/ai"
	"github.com/ignatzorin/agent-escrow/internal/infrastructure/memory"
	"github.com/ignatzorin/agent-escrow/internal/infrastructure/persistence"
	"github.com/ignatzorin/agent-escrow/internal/infrastructure/settlement"
	"github.com/ignatzorin/agent-escrow/internal/infrastructure/webhook"
	"github.com/ignatzorin/agent-escrow/internal/interface/http/handler"
	"github.com/ignatzorin/agent-escrow/internal/logger"
	"github.com/ignatzorin/agent-escrow/internal/metrics"
	"github.com/ignatzorin/agent-escrow/internal/service"
	"github.com/ignatzorin/agent-escrow/internal/storage"
	"github.com/ignatzorin/agent-escrow/internal/usecase/dispute"
	"github.com/ignatzorin/agent-escrow/internal/usecase/escrow"
	"github.com/ignatzorin/agent-escrow/internal/usecase/transaction"
	"github.com/ignatzorin/agent-escrow/internal/ws"
)

// stores: набор хранилищ выбранного драйвера.
type stores struct {
	orders   repository.OrderRepository
	escrows  repository.EscrowRepository
	disputes repository.DisputeRepository
	agents   repository.AgentRepository
	outbox   repository.OutboxRepository
	locker   repository.SweepLocker
	db       *sqlx.DB
}

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	logger.Init(cfg.LogLevel)
	if cfg.Env == "development" {
		logger.SetTextFormatter()
	}
	lg := logger.Get()

	m := metrics.New()

	st, err := openStores(ctx, cfg)
	if err != nil {
		lg.WithError(err).Fatal("main: не удалось подготовить хранилище")
	}
	if st.db != nil {
		defer safeClose(st.db)
	}

	feeRate, err := vo.NewFeeRate(cfg.PlatformFeeBps)
	if err != nil {
		lg.WithError(err).Fatal("main: некорректная комиссия платформы")
	}
	splitShare, err := vo.NewFeeRate(cfg.DisputeSplitBuyerBps)
	if err != nil {
		lg.WithError(err).Fatal("main: некорректная доля покупателя при split")
	}

	ledger := escrow.NewLedger(st.escrows, newSettlement(cfg, lg), escrow.Config{
		PlatformWallet:  cfg.PlatformWallet,
		CustodyAccount:  cfg.CustodyAccount,
		FeeRate:         feeRate,
		ReleaseWindow:   cfg.AutoReleaseWindow,
		SplitBuyerShare: splitShare,
	}, m)

	engine := dispute.NewEngine(st.disputes, st.orders, newAdvisor(cfg, lg), cfg.ArbitrationTimeout, m)

	hub := ws.NewHub()
	go hub.Run(ctx)

	outbox := transaction.NewOutboxProcessor(st.outbox, st.agents, webhook.NewNotifier(m), m)

	orchestrator := transaction.NewOrchestrator(st.orders, st.agents, st.outbox, ledger, engine, transaction.Config{
		MinDisputeReasonLength:      cfg.MinDisputeReasonLength,
		AutoResolveThreshold:        cfg.AutoResolveThreshold,
		AutoResolveAfterArbitration: cfg.AutoResolveAfterArbitration,
	}, m).
		WithPublisher(hub).
		WithOutboxKicker(outbox).
		WithSweepLocker(st.locker)

	transaction.NewScheduler(orchestrator, outbox, cfg.SweepInterval, cfg.OutboxInterval).Start(ctx)

	deliverables, err := storage.NewDeliverableStorage(cfg.DeliverablesPath, cfg.MaxUploadSizeMB)
	if err != nil {
		lg.WithError(err).Fatal("main: не удалось подготовить файловое хранилище")
	}

	tokens := service.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL)
	if cfg.StoreDriver == "memory" && cfg.Env == "development" {
		seedDevelopment(ctx, st.agents, tokens, lg)
	}

	var pinger handler.Pinger
	if st.db != nil {
		pinger = st.db
	}

	router := httpRouter.SetupRouter(cfg, tokens, m, httpRouter.Handlers{
		Order:       handler.NewOrderHandler(orchestrator),
		Dispute:     handler.NewDisputeHandler(orchestrator),
		Deliverable: handler.NewDeliverableHandler(orchestrator, deliverables),
		Admin:       handler.NewAdminHandler(orchestrator, outbox),
		WS:          handler.NewWSHandler(hub, cfg.AllowedOrigins),
		Health:      handler.NewHealthHandler(pinger, cfg.StoreDriver),
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.WithError(err).Error("main: ошибка остановки http сервера")
		}
	}()

	lg.WithFields(logrus.Fields{"port": cfg.HTTPPort, "store": cfg.StoreDriver}).Info("main: HTTP сервер запущен")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		lg.WithError(err).Fatal("main: сервер завершился с ошибкой")
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == "memory" {
		return &stores{
			orders:   memory.NewOrderStore(),
			escrows:  memory.NewEscrowStore(),
			disputes: memory.NewDisputeStore(),
			agents:   memory.NewAgentStore(),
			outbox:   memory.NewOutboxStore(),
			locker:   memory.NewSweepLock(),
		}, nil
	}

	// Подключение к базе и миграции.
	conn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, conn, cfg.MigrationsPath); err != nil {
		safeClose(conn)
		return nil, err
	}

	return &stores{
		orders:   persistence.NewOrderRepositoryAdapter(conn),
		escrows:  persistence.NewEscrowRepositoryAdapter(conn),
		disputes: persistence.NewDisputeRepositoryAdapter(conn),
		agents:   persistence.NewAgentRepositoryAdapter(conn),
		outbox:   persistence.NewOutboxRepositoryAdapter(conn),
		locker:   persistence.NewSweepLocker(conn),
		db:       conn,
	}, nil
}

// newSettlement выбирает фасилитатора. Без SETTLEMENT_URL переводы исполняются в памяти
// (в production config.Load такого не допускает).
func newSettlement(cfg *config.Config, lg *logrus.Logger) repository.SettlementService {
	if cfg.SettlementURL == "" {
		lg.Warn("main: SETTLEMENT_URL не задан, переводы исполняются в памяти")
		return memory.NewSettlement()
	}
	return settlement.NewClient(cfg.SettlementURL, cfg.SettlementAPIKey, cfg.SettlementTimeout)
}

// newAdvisor возвращает nil-интерфейс, если арбитр не настроен.
func newAdvisor(cfg *config.Config, lg *logrus.Logger) repository.ArbitrationAdvisor {
	client := aiclient.NewClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel)
	if !client.Configured() {
		lg.Warn("main: AI_BASE_URL не задан, AI арбитраж отключён")
		return nil
	}
	return aiadapter.NewArbitrationAdapter(client)
}

// seedDevelopment создаёт демо-агента и печатает токены для ручной проверки API.
func seedDevelopment(ctx context.Context, agents repository.AgentRepository, tokens *service.TokenManager, lg *logrus.Logger) {
	wallet := os.Getenv("DEMO_AGENT_WALLET")
	if wallet == "" {
		wallet = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	}

	agent := &entity.Agent{ID: uuid.New(), Name: "demo-agent", Wallet: wallet}
	if err := agents.Create(ctx, agent); err != nil {
		lg.WithError(err).Warn("main: не удалось создать демо-агента")
		return
	}

	fields := logrus.Fields{"agent_id": agent.ID, "agent_wallet": wallet}
	for name, actor := range map[string]vo.Actor{
		"system_token": vo.SystemActor(),
		"admin_token":  {Role: vo.RoleAdmin},
		"agent_token":  {Role: vo.RoleAgent, Wallet: wallet},
	} {
		if token, _, err := tokens.Issue(actor); err == nil {
			fields[name] = token
		}
	}
	lg.WithFields(fields).Info("main: демо-данные созданы")
}

// safeClose закрывает соединение с базой.
func safeClose(conn *sqlx.DB) {
	if err := conn.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
