package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"x402gateway/audit"
	"x402gateway/balance"
	"x402gateway/breaker"
	"x402gateway/challenge"
	"x402gateway/facilitator"
	"x402gateway/forwarder"
	gatewaymw "x402gateway/gateway/middleware"
	"x402gateway/observability/logging"
	"x402gateway/observability/otel"
	"x402gateway/replay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup(cfg.ServiceName, cfg.Environment)

	shutdownTelemetry, err := otel.Init(context.Background(), otel.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Metrics:     cfg.OTelEndpoint != "",
		Traces:      cfg.OTelEndpoint != "",
	})
	if err != nil {
		logger.Error("telemetry init failed", "component", "main", "error", err)
	} else {
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	balances, err := balance.Open(cfg.BalanceStorePath)
	if err != nil {
		log.Fatalf("open balance store: %v", err)
	}
	defer balances.Close()

	auditStore, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("open audit store: %v", err)
	}
	defer auditStore.Close()

	guard := replay.NewGuard(cfg.ReplayWindow, cfg.ReplayCapacity)
	cb := breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	fwd := forwarder.New(cfg.NodeURL, cfg.UpstreamTimeout)
	settler := facilitator.NewHTTPClient(cfg.FacilitatorURL, cfg.FacilitatorTimeout)
	challenges := challenge.NewBuilder(cfg.Network, cfg.Asset, cfg.PaymentAddress, strconv.FormatUint(cfg.TopUpAmount, 10), cfg.MaxTimeoutSeconds, "/relay")

	pipeline := NewPipeline(balances, guard, settler, fwd, cb, challenges, cfg.PricePerRequest, cfg.SkewWindow, logger)

	obs := gatewaymw.NewObservability(gatewaymw.ObservabilityConfig{
		ServiceName:   cfg.ServiceName,
		MetricsPrefix: "relay",
		LogRequests:   false,
		Enabled:       true,
	}, log.Default())

	server := NewServer(pipeline, auditStore, obs, logger)
	srv := &http.Server{Addr: cfg.ListenAddress, Handler: otelhttp.NewHandler(server, "relay-gateway")}

	go func() {
		logger.Info("relay gateway listening", "component", "main", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down relay gateway", "component", "main")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "component", "main", "error", err)
	}
}
