// Package app wires the venues, streams, reconciler and hedge orchestrator
// together and owns process lifecycle and ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dn-hedge-bot/internal/account"
	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/bbo"
	"dn-hedge-bot/internal/book"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/hedge"
	"dn-hedge-bot/internal/hl"
	hlex "dn-hedge-bot/internal/hl/exchange"
	"dn-hedge-bot/internal/hl/rest"
	"dn-hedge-bot/internal/market"
	"dn-hedge-bot/internal/metrics"
	nadoex "dn-hedge-bot/internal/nado/exchange"
	"dn-hedge-bot/internal/nado/stream"
	"dn-hedge-bot/internal/state/sqlite"
	"dn-hedge-bot/internal/timescale"
	"dn-hedge-bot/internal/tradelog"
	"dn-hedge-bot/internal/venue"
)

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *sqlite.Store
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	stream     *stream.Client
	router     *market.Router
	hlClient   *hlex.Client
	reconciler *account.Reconciler
	orch       *hedge.Orchestrator
	trades     *tradelog.Writer
	timescale  *timescale.Writer
	alerts     *alerts.Telegram
	roles      roles
}

// roles maps the configured primary and hedge venues onto adapters.
type roles struct {
	primary         venue.Exchange
	hedge           venue.Exchange
	primaryContract string
	hedgeContract   string
}

func assignRoles(s config.StrategyConfig, nado, hlVenue venue.Exchange) (roles, error) {
	nadoContract := nadoex.ContractID(s.NadoProductID)
	switch {
	case s.PrimaryVenue == config.VenueNado && s.HedgeVenue == config.VenueHL:
		return roles{primary: nado, hedge: hlVenue, primaryContract: nadoContract, hedgeContract: s.HLAsset}, nil
	case s.PrimaryVenue == config.VenueHL && s.HedgeVenue == config.VenueNado:
		return roles{primary: hlVenue, hedge: nado, primaryContract: s.HLAsset, hedgeContract: nadoContract}, nil
	}
	return roles{}, fmt.Errorf("unsupported venue roles %s/%s", s.PrimaryVenue, s.HedgeVenue)
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	creds, err := loadCredentials(os.Getenv)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, store: store}
	if err := a.build(creds); err != nil {
		a.closeSinks()
		return nil, err
	}
	return a, nil
}

func (a *App) build(creds credentials) error {
	cfg, log := a.cfg, a.log
	a.metrics = metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}

	nadoSigner, err := nadoex.NewSigner(creds.NadoPrivateKey, cfg.Nado.SubaccountName, cfg.Nado.ChainID, cfg.Nado.EndpointAddress)
	if err != nil {
		return fmt.Errorf("nado signer: %w", err)
	}
	nadoClient, err := nadoex.NewClient(cfg.Nado.RESTURL, cfg.Nado.Timeout, nadoSigner)
	if err != nil {
		return err
	}
	nadoClient.SetLogger(log)
	tracker := nadoex.NewTracker()
	nadoVenue := nadoex.NewVenue(nadoClient, tracker, cfg.Strategy.TakerSlippageBps, log)

	a.stream = stream.New(cfg.Nado.SubscriptionsURL, stream.Settings{
		ReconnectDelay:       cfg.Nado.ReconnectDelay,
		MaxReconnectDelay:    cfg.Nado.MaxReconnectDelay,
		MaxReconnectAttempts: cfg.Nado.MaxReconnectAttempts,
		PingInterval:         cfg.Nado.PingInterval,
		AuthTTL:              cfg.Nado.AuthTTL,
		DialTimeout:          cfg.Nado.DialTimeout,
	}, nadoSigner, log)
	a.stream.OnReconnect(a.metrics.StreamReconnects.Inc)

	isMainnet := !strings.Contains(strings.ToLower(cfg.HL.BaseURL), "testnet")
	hlSigner, err := hlex.NewSigner(creds.HLPrivateKey, isMainnet)
	if err != nil {
		return fmt.Errorf("hl signer: %w", err)
	}
	hlUser, err := creds.hlUser(hlSigner.Address().Hex())
	if err != nil {
		return err
	}
	a.hlClient, err = hlex.NewClient(cfg.HL.BaseURL, cfg.HL.Timeout, hlSigner, creds.HLVault)
	if err != nil {
		return err
	}
	a.hlClient.SetLogger(log)
	info := rest.New(cfg.HL.BaseURL, cfg.HL.Timeout, log)
	hlVenue := hl.NewVenue(info, a.hlClient, hlUser, cfg.Strategy.TakerSlippageBps, log)

	nadoExec := exec.New(nadoVenue, log, exec.WithMetrics(a.metrics))
	hlExec := exec.New(hlVenue, log, exec.WithMetrics(a.metrics))
	a.roles, err = assignRoles(cfg.Strategy, nadoExec, hlExec)
	if err != nil {
		return err
	}

	a.reconciler = account.NewReconciler(cfg.Strategy.OrderQty, cfg.Risk.DriftFraction, log, a.metrics)
	a.reconciler.Register(nadoExec, nadoex.ContractID(cfg.Strategy.NadoProductID), true)
	a.reconciler.Register(hlExec, cfg.Strategy.HLAsset, false)

	b := book.New(cfg.Strategy.NadoProductID)
	analyzer := bbo.NewAnalyzer(bbo.DefaultSettings())
	a.router = market.NewRouter(market.Config{
		VenueName:  nadoVenue.Name(),
		ProductID:  cfg.Strategy.NadoProductID,
		Subaccount: nadoSigner.Sender(),
	}, a.stream, nadoClient, b, analyzer, tracker, a.reconciler, log)

	a.trades, err = tradelog.Open(cfg.TradeLog.Path, log)
	if err != nil {
		return fmt.Errorf("trade log: %w", err)
	}
	a.timescale, err = timescale.New(cfg.Timescale, log)
	if err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	a.alerts = alerts.NewTelegram(cfg.Telegram, cfg.Strategy.Ticker, log)

	deps := hedge.Deps{
		Primary:   a.roles.primary,
		Hedge:     a.roles.hedge,
		Positions: a.reconciler,
		Recorder:  &tradeRecorder{trades: a.trades, timescale: a.timescale, log: log},
		Notifier:  a.alerts,
		Store:     a.store,
		Metrics:   a.metrics,
		Log:       log,
	}
	// book and BBO signals describe the streaming venue only
	if cfg.Strategy.PrimaryVenue == config.VenueNado {
		deps.Signals = analyzer
		deps.Book = b
	}
	a.orch, err = hedge.New(hedge.ConfigFrom(cfg, a.roles.primaryContract, a.roles.hedgeContract), deps)
	return err
}

// Run blocks until ctx is cancelled, the orchestrator halts, or the stream
// gives up reconnecting. Shutdown then runs in order: orchestrator (cancel
// orders, close unhedged exposure), streams, sinks, store, logger.
func (a *App) Run(ctx context.Context) error {
	defer a.closeSinks()

	if err := a.hlClient.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	} else if st, ok := a.hlClient.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
	}

	// streams and the metrics endpoint outlive the trading loops so the
	// orchestrator can still see fills while it shuts down
	serviceCtx, stopServices := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServices()
	tradeCtx, stopTrading := context.WithCancelCause(ctx)
	defer stopTrading(nil)

	a.timescale.Start(serviceCtx)
	if err := a.router.Start(ctx); err != nil {
		return fmt.Errorf("subscribe nado streams: %w", err)
	}

	services, serviceCtx := errgroup.WithContext(serviceCtx)
	services.Go(func() error {
		err := a.stream.Run(serviceCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("nado stream stopped", zap.Error(err))
			stopTrading(fmt.Errorf("nado stream: %w", err))
			return err
		}
		return nil
	})
	services.Go(func() error {
		return a.router.Run(serviceCtx)
	})
	metricsServer := a.startMetricsServer(services)

	trading, tctx := errgroup.WithContext(tradeCtx)
	trading.Go(func() error {
		return a.reconciler.Run(tctx, a.cfg.Strategy.ReconcileInterval, a.orch.CheckNetDelta)
	})
	trading.Go(func() error {
		defer stopTrading(nil)
		return a.orch.Run(tctx)
	})
	a.log.Info("hedge bot running",
		zap.String("ticker", a.cfg.Strategy.Ticker),
		zap.String("primary", a.roles.primary.Name()),
		zap.String("hedge", a.roles.hedge.Name()),
		zap.Float64("order_qty", a.cfg.Strategy.OrderQty),
		zap.Float64("max_position", a.cfg.Strategy.MaxPosition),
	)
	runErr := trading.Wait()
	if cause := context.Cause(tradeCtx); runErr == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		runErr = cause
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Strategy.ShutdownTimeout)
	defer cancel()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		a.log.Error("orchestrator shutdown incomplete", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}
	stats := a.orch.Stats()
	a.log.Info("hedge bot stopped",
		zap.Int64("cycles_completed", stats.CyclesCompleted),
		zap.Float64("cumulative_pnl", stats.CumulativePnL),
		zap.Float64("cumulative_volume", stats.CumulativeVolume),
		zap.Bool("halted", stats.Halted),
	)

	if err := a.stream.Disconnect(); err != nil {
		a.log.Debug("stream disconnect", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	stopServices()
	if err := services.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		runErr = errors.Join(runErr, err)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func (a *App) startMetricsServer(g *errgroup.Group) *http.Server {
	if a.prom == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("metrics endpoint listening", zap.String("address", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
		return nil
	})
	return srv
}

func (a *App) closeSinks() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if err := a.trades.Close(); err != nil {
		a.log.Warn("trade log close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
		a.store = nil
	}
}
