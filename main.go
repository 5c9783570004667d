package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/pingxin403/im-gateway/config"
	"github.com/pingxin403/im-gateway/logger"
	"github.com/pingxin403/im-gateway/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "im-gateway: failed to load config: %v\n", err)
		return 1
	}

	if err := logger.Init(cfg.Observability.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "im-gateway: failed to init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth := service.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Algorithm)
	registry := service.NewRegistry()

	directory, err := service.NewDirectory(cfg.Directory.Endpoints, cfg.Directory.Credentials.Username, cfg.Directory.Credentials.Password, cfg.BrokerID, cfg.Directory.TTL)
	if err != nil {
		log.Error("failed to construct directory client", zap.Error(err))
		return 1
	}
	defer directory.Close()

	var dedup *service.DedupCache
	if cfg.Redis.Addr != "" {
		dedup = service.NewDedupCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Directory.TTL)
		defer dedup.Close()
	}

	dispatcher := service.NewDispatcher(registry, dedup)

	consumer := service.NewBrokerConsumer(cfg.Broker.Endpoints, cfg.Broker.Credentials.Username, cfg.Broker.Credentials.Password, cfg.BrokerID, cfg.BrokerID, cfg.Consumer.Prefetch)
	defer consumer.Close()

	go consumer.Run(ctx, log, func(c context.Context, msg service.BrokerMessage) error {
		return dispatcher.Handle(c, log, msg)
	})

	if cfg.Discovery.Enabled {
		announcer, err := service.NewDiscoveryAnnouncer(cfg.Discovery.Endpoint, cfg.BrokerID, cfg.WebSocket.Ports)
		if err != nil {
			log.Warn("failed to construct discovery announcer", zap.Error(err))
		} else {
			defer announcer.Close()
			go announcer.Run(ctx, log, noopAnnounce)
		}
	}

	gatewayCfg := service.GatewayConfig{
		HandshakeTimeout:  cfg.Handshake.Timeout,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		QueueCapacity:     cfg.Outbound.QueueCapacity,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
	}
	gateway := service.NewGateway(ctx, auth, registry, directory, gatewayCfg, log)

	mux := http.NewServeMux()
	mux.Handle(cfg.WebSocket.Path, gateway)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ports := cfg.WebSocket.Ports
	if len(ports) == 0 {
		ports = []int{8080}
	}
	server := &http.Server{Handler: mux}
	metricsServer := &http.Server{Handler: promhttp.Handler()}

	wsListeners := make([]net.Listener, 0, len(ports))
	for _, port := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			log.Error("failed to bind websocket port", zap.Int("port", port), zap.Error(err))
			return 2
		}
		wsListeners = append(wsListeners, ln)
	}
	metricsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Observability.MetricsPort))
	if err != nil {
		log.Error("failed to bind metrics port", zap.Int("port", cfg.Observability.MetricsPort), zap.Error(err))
		return 2
	}

	errCh := make(chan error, len(wsListeners)+1)
	for i, ln := range wsListeners {
		port := ports[i]
		ln := ln
		go func() {
			log.Info("listening for websocket upgrades", zap.Int("port", port))
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("websocket server (port %d): %w", port, err)
			}
		}()
	}
	go func() {
		log.Info("listening for metrics scrapes", zap.Int("port", cfg.Observability.MetricsPort))
		if err := metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error, shutting down", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gateway.Shutdown()
	_ = server.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	return 0
}

// noopAnnounce is the discovery announcement call site: this repo does not
// vendor the discovery service's generated gRPC stub, so the actual RPC
// invocation is left to whichever stub a deployment links in.
func noopAnnounce(ctx context.Context, conn *grpc.ClientConn, brokerID string, ports []int) error {
	return nil
}
