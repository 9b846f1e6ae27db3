package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openstall/marketd/internal/escrow"
	govapp "github.com/openstall/marketd/internal/governance/app"
	govpostgres "github.com/openstall/marketd/internal/governance/repository/postgres"
	"github.com/openstall/marketd/internal/market/app"
	"github.com/openstall/marketd/internal/market/repository/postgres"
	"github.com/openstall/marketd/internal/platform/config"
	"github.com/openstall/marketd/internal/platform/database"
	"github.com/openstall/marketd/internal/platform/logger"
	"github.com/openstall/marketd/internal/platform/messagebroker"
	"github.com/openstall/marketd/internal/protocol"
	"github.com/openstall/marketd/internal/smsg"
	"github.com/openstall/marketd/internal/wallet"
)

const (
	serviceName     = "marketd"
	shutdownTimeout = 10 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Starting service...")
	appLogger.Info("Configuration loaded",
		"log_level", cfg.LogLevel,
		"nats_url", cfg.NATSUrl,
		"postgres_dsn_present", cfg.PostgresDSN != "",
		"http_port", cfg.HTTPPort,
	)

	identity, err := loadIdentity(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to load identity", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Identity loaded", "address", identity.Address())

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Database connection pool initialized")

	nc, err := messagebroker.NewNATSClient(cfg.NATSUrl, appLogger, serviceName)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	appLogger.Info("NATS connection initialized")

	retention := time.Duration(cfg.SmsgDaysRetention) * 24 * time.Hour
	transport, err := smsg.NewNATSTransport(nc, identity.Address(), retention, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize message transport", "error", err)
		os.Exit(1)
	}

	walletClient := wallet.NewRPCClient(cfg.WalletRPCURL, cfg.WalletRPCUser, cfg.WalletRPCPassword, appLogger)
	fee, err := btcutil.NewAmount(cfg.EstimatedFee)
	if err != nil {
		appLogger.Error("Invalid estimated fee", "error", err, "fee", cfg.EstimatedFee)
		os.Exit(1)
	}
	selector := escrow.NewSelector(walletClient, fee, appLogger)
	builder := escrow.NewBuilder(walletClient, selector, fee, escrow.SplitPolicy{
		SellerShare: cfg.EscrowReleaseSellerShare,
		BuyerShare:  cfg.EscrowReleaseBuyerShare,
	}, appLogger)

	// Repositories.
	messageRepo := postgres.NewPgSmsgMessageRepository(dbPool, appLogger)
	listingRepo := postgres.NewPgListingRepository(dbPool, appLogger)
	bidRepo := postgres.NewPgBidRepository(dbPool, appLogger)
	orderRepo := postgres.NewPgOrderRepository(dbPool, appLogger)
	lockedRepo := postgres.NewPgLockedOutputRepository(dbPool, appLogger)
	proposalRepo := govpostgres.NewPgProposalRepository(dbPool, appLogger)
	voteRepo := govpostgres.NewPgVoteRepository(dbPool, appLogger)
	resultRepo := govpostgres.NewPgResultRepository(dbPool, appLogger)

	// Application services.
	messenger := app.NewMessenger(transport, identity, cfg.ProtocolVersion, cfg.SmsgDaysRetention, appLogger)
	listingService := app.NewListingService(listingRepo, messenger, appLogger)
	bidService := app.NewBidService(listingRepo, bidRepo, orderRepo, lockedRepo, walletClient, selector, builder, messenger, appLogger)
	escrowService := app.NewEscrowService(listingRepo, bidRepo, orderRepo, builder, messenger, bidService.ReleaseLockedOutputs, appLogger)
	proposalService := govapp.NewProposalService(proposalRepo, listingRepo, appLogger)
	voteService := govapp.NewVoteService(proposalRepo, voteRepo, resultRepo, listingRepo, govapp.RemovalPolicy{
		MinVoteCount: cfg.ProposalRemovalVoteCount,
		Ratio:        cfg.ProposalRemovalRatio,
	}, appLogger)

	handlers := map[protocol.MessageType]app.Handler{
		protocol.MsgListingAdd:          listingService.HandleListingAdd,
		protocol.MsgBid:                 bidService.HandleBid,
		protocol.MsgBidAccept:           bidService.HandleBidAccept,
		protocol.MsgBidReject:           bidService.HandleBidReject,
		protocol.MsgBidCancel:           bidService.HandleBidCancel,
		protocol.MsgEscrowLock:          escrowService.HandleEscrowLock,
		protocol.MsgEscrowRelease:       escrowService.HandleEscrowRelease,
		protocol.MsgEscrowRequestRefund: escrowService.HandleRequestRefund,
		protocol.MsgEscrowRefund:        escrowService.HandleRefund,
		protocol.MsgProposalAdd:         proposalService.HandleProposalAdd,
		protocol.MsgVote:                voteService.HandleVote,
	}

	poller := app.NewPoller(
		transport, messageRepo, handlers,
		time.Duration(cfg.MessagePollIntervalSecs)*time.Second,
		cfg.MaxWaitRetries,
		appLogger,
	)
	connectivity := app.NewConnectivityPoller(
		transport,
		time.Duration(cfg.ConnectivityPollFastSecs)*time.Second,
		time.Duration(cfg.ConnectivityPollSlowSecs)*time.Second,
		appLogger,
	)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":           "ok",
			"transport_online": connectivity.Online(),
		})
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	g, gCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		return poller.Run(gCtx)
	})
	g.Go(func() error {
		return connectivity.Run(gCtx)
	})
	g.Go(func() error {
		appLogger.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Wait for termination signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		appLogger.Info("Received shutdown signal", "signal", sig.String())
		mainCancel()
	case <-gCtx.Done():
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Service stopped cleanly")
}

// loadIdentity loads the node identity from configuration, generating an
// ephemeral one (useful in development) when no key is configured. When
// IDENTITY is also set it must match the address derived from the key, so a
// node cannot silently come up under the wrong identity after a key swap.
func loadIdentity(cfg *config.Config, log *slog.Logger) (*app.Identity, error) {
	if cfg.IdentityPrivateKey != "" {
		identity, err := app.IdentityFromHex(cfg.IdentityPrivateKey)
		if err != nil {
			return nil, err
		}
		if cfg.Identity != "" && cfg.Identity != identity.Address() {
			return nil, fmt.Errorf("configured identity %s does not match the address %s derived from the private key", cfg.Identity, identity.Address())
		}
		return identity, nil
	}
	log.Warn("No identity private key configured; generating an ephemeral identity")
	return app.NewIdentity()
}
