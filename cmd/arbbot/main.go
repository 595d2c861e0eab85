package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/condarb/bundler/adapters/redis"
	"github.com/condarb/bundler/arbitrage"
	"github.com/condarb/bundler/jsonrpcserver"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// .env is optional and must be loaded before the defaults below are read,
	// real environment variables take precedence
	_ = godotenv.Load()

	// Default values
	defaultDebug           = os.Getenv("DEBUG") == "1"
	defaultLogProd         = os.Getenv("LOG_PROD") == "1"
	defaultLogService      = os.Getenv("LOG_SERVICE")
	defaultPort            = cli.GetEnv("PORT", "8080")
	defaultMetricsPort     = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint     = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultTraceEndpoint   = cli.GetEnv("TRACE_ENDPOINT", "")
	defaultMarketConfig    = cli.GetEnv("MARKET_CONFIG", "markets.yaml")
	defaultPrivateKey      = cli.GetEnv("PRIVATE_KEY", "")
	defaultRedisEndpoint   = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultAmount          = cli.GetEnv("AMOUNT", "1000000000000000000")
	defaultMinProfit       = cli.GetEnv("MIN_PROFIT", "1")
	defaultDryRun          = os.Getenv("DRY_RUN") == "1"
	defaultInterval        = cli.GetEnv("INTERVAL", "12s")
	defaultDryRunRateLimit = cli.GetEnv("DRY_RUN_RATE_LIMIT", "5")
	defaultReceiptTimeout  = cli.GetEnv("RECEIPT_TIMEOUT", "2m")
	defaultGasCeiling      = cli.GetEnv("GAS_CEILING", "3000000")
	defaultSimRateLimit    = cli.GetEnv("SIM_RATE_LIMIT", "1")

	// Flags
	debugPtr           = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr         = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr      = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr            = flag.String("port", defaultPort, "port for the operator json-rpc api (empty to disable)")
	metricsPortPtr     = flag.String("metrics-port", defaultMetricsPort, "port for the metrics server")
	ethPtr             = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	tracePtr           = flag.String("trace", defaultTraceEndpoint, "endpoint for dry-runs with debug_traceCall (defaults to eth endpoint)")
	marketConfigPtr    = flag.String("market-config", defaultMarketConfig, "market config file")
	privateKeyPtr      = flag.String("private-key", defaultPrivateKey, "hex private key of the trading account")
	redisPtr           = flag.String("redis", defaultRedisEndpoint, "redis url for the shared nonce lock (empty for in-process lock)")
	amountPtr          = flag.String("amount", defaultAmount, "collateral amount per attempt (wei)")
	minProfitPtr       = flag.String("min-profit", defaultMinProfit, "minimal expected profit to send a bundle (wei)")
	dryRunPtr          = flag.Bool("dry-run", defaultDryRun, "only simulate, never send transactions")
	intervalPtr        = flag.String("interval", defaultInterval, "time between attempts")
	dryRunRateLimitPtr = flag.String("dry-run-rate-limit", defaultDryRunRateLimit, "dry-run rate limit (calls per second)")
	receiptTimeoutPtr  = flag.String("receipt-timeout", defaultReceiptTimeout, "how long to wait for the receipt")
	gasCeilingPtr      = flag.String("gas-ceiling", defaultGasCeiling, "gas limit used when estimation fails")
	simRateLimitPtr    = flag.String("sim-rate-limit", defaultSimRateLimit, "arb_simulate rate limit (requests per second)")
)

func parseWei(name, s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		fmt.Fprintf(os.Stderr, "invalid %s: %q\n", name, s)
		os.Exit(2)
	}
	return v
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	logger.Info("Starting arbbot", zap.String("version", version))

	market, err := arbitrage.LoadMarketConfig(*marketConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load market config", zap.Error(err))
	}
	logger = logger.With(zap.String("market", market.Name))

	account, err := arbitrage.AccountFromHex(*privateKeyPtr)
	if err != nil {
		logger.Fatal("Failed to load private key", zap.Error(err))
	}

	amount := parseWei("amount", *amountPtr)
	minProfit := parseWei("min profit", *minProfitPtr)
	interval, err := time.ParseDuration(*intervalPtr)
	if err != nil {
		logger.Fatal("Failed to parse interval", zap.Error(err))
	}
	receiptTimeout, err := time.ParseDuration(*receiptTimeoutPtr)
	if err != nil {
		logger.Fatal("Failed to parse receipt timeout", zap.Error(err))
	}
	rateLimit, err := strconv.ParseFloat(*dryRunRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse dry-run rate limit", zap.Error(err))
	}
	gasCeiling, err := strconv.ParseUint(*gasCeilingPtr, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse gas ceiling", zap.Error(err))
	}
	simRateLimit, err := strconv.ParseFloat(*simRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse simulation rate limit", zap.Error(err))
	}

	ethBackend, err := ethclient.Dial(*ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to ethBackend endpoint", zap.Error(err))
	}
	chain := arbitrage.NewCachingChainClient(ethBackend, time.Minute)

	traceEndpoint := *tracePtr
	if traceEndpoint == "" {
		traceEndpoint = *ethPtr
	}
	dryRunBackend := arbitrage.NewJSONRPCDryRunBackend(traceEndpoint, chain, market.Delegate, rate.Limit(rateLimit))

	var locker arbitrage.NonceLocker = arbitrage.NewLocalNonceLocker()
	if *redisPtr != "" {
		redisOpts, err := goredis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		locker = redis.NewNonceLock(goredis.NewClient(redisOpts), receiptTimeout, "arbbot-nonce-")
	}

	transmitter := arbitrage.NewTransmitter(logger, chain, arbitrage.TransmitterConfig{
		GasCeiling:     gasCeiling,
		GasHeadroomBps: arbitrage.DefaultGasHeadroomBps,
		ReceiptTimeout: receiptTimeout,
	})
	engine, err := arbitrage.NewEngine(logger, market, chain, dryRunBackend, transmitter, account, locker, arbitrage.EngineConfig{
		MinProfit:  minProfit,
		DryRunOnly: *dryRunPtr,
	})
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           metricsMux,
	}
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	var server *http.Server
	if *portPtr != "" {
		api := arbitrage.NewAPI(logger, engine, rate.Limit(simRateLimit))
		jsonRPCServer, err := jsonrpcserver.NewHandler(logger, jsonrpcserver.Methods{
			"arb_simulate":    api.Simulate,
			"arb_lastAttempt": api.LastAttempt,
		})
		if err != nil {
			logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
		}
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *portPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           jsonRPCServer,
		}
		go func() {
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("ListenAndServe: ", zap.Error(err))
			}
		}()
	}

	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if server != nil {
			if err := server.Shutdown(context.Background()); err != nil {
				logger.Error("Failed to shutdown server", zap.Error(err))
			}
		}
		if err := metricsServer.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}()

	logger.Info("Trading",
		zap.String("account", account.Address().Hex()),
		zap.String("delegate", market.Delegate.Hex()),
		zap.String("routerVersion", market.RouterVersion.String()),
		zap.Bool("dryRun", *dryRunPtr),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res := engine.Attempt(ctx, amount)
		if res.Status == arbitrage.StatusCapacityExceeded || res.Status == arbitrage.StatusInvalidInput {
			logger.Fatal("Market can not be traded with this configuration", zap.Error(res.Err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
