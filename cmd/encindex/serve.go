package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/opaque/encindex/internal/service"
	"github.com/opaque/encindex/pkg/grpcserver"
	"github.com/opaque/encindex/pkg/metrics"
)

const maxMsgSize = 50 * 1024 * 1024

func newServeCmd(a *app) *cobra.Command {
	var grpcAddr, httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the environment over gRPC with HTTP health and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("grpc-addr") {
				a.cfg.Server.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("http-addr") {
				a.cfg.Server.HTTPAddr = httpAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP metrics/health listen address")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := a.openStack(ctx, m)
	if err != nil {
		return err
	}
	defer st.Close()
	svc := service.NewEnvService(st.env, st.store)

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}
	if a.cfg.Server.TLSCert != "" {
		creds, err := grpcserver.LoadTLSCredentials(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
		a.logger.Info("TLS enabled")
	}
	grpcServer := grpcserver.NewGRPCServer(grpcserver.New(svc), a.logger, serverOpts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcserver.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.GRPCAddr, err)
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Server.HTTPAddr,
		Handler:           healthMux(svc, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		a.logger.Info("HTTP server listening", "addr", a.cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-errCh:
		a.logger.Error("server failed", "error", err)
	}

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("HTTP shutdown", "error", serr)
	}
	a.logger.Info("shutdown complete")
	return err
}

func healthMux(svc *service.EnvService, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := svc.HealthCheck(r.Context())
		if h.Healthy {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "OK\n")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "ERROR: %s\n", h.Message)
		}
		fmt.Fprintf(w, "State: %s\n", h.State)
		fmt.Fprintf(w, "Steps: %d\n", h.Steps)
		fmt.Fprintf(w, "Episodes: %d\n", h.Episodes)
		fmt.Fprintf(w, "Rows: %d\n", h.Rows)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Ready\n")
	})
	return mux
}
