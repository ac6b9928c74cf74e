// Package goodmetricsd wires together the gRPC receiver, the broadcast bus,
// and the configured sinks into a single process: RegisterFlags binds the
// command line and config file surface, Run starts every actor and blocks
// until a signal or a fatal actor error brings the group down.
package goodmetricsd

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nicolastakashi/prom-analytics-proxy/internal/bus"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/config"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/metricspb"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/otelsink"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgpool"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/pgsink/types"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/receiver"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/tlsidentity"
	"github.com/nicolastakashi/prom-analytics-proxy/internal/tracing"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// RegisterFlags binds every flag this daemon accepts, grouped by concern.
func RegisterFlags(fs *flag.FlagSet, configFile *string) {
	fs.StringVar(configFile, "config-file", "", "Path to the configuration file, it takes precedence over the command line flags.")
	config.RegisterServerFlags(fs)
	config.RegisterTLSFlags(fs)
	config.RegisterAuthFlags(fs)
	config.RegisterBusFlags(fs)
	config.RegisterDatabaseFlags(fs)
	config.RegisterPGSinkFlags(fs)
	config.RegisterOTLPSinkFlags(fs)
	config.RegisterMetricsFlags(fs)
	config.RegisterMemoryLimitFlags(fs)
	config.RegisterAuditRetentionFlags(fs)
}

// Run starts the receiver, the bus, and every enabled sink, and blocks
// until a termination signal arrives or a fatal actor error occurs.
func Run() error {
	cfg := config.DefaultConfig
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.WithTracing(ctx, slog.Default(), cfg.Tracing)
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	if tp != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("goodmetricsd.tracing.shutdown_error", "err", err)
			}
		}()
	}

	db, err := pgpool.Open(ctx, cfg.Database.PostgreSQL)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.ErrorContext(ctx, "goodmetricsd.db.close_error", "err", err)
		}
	}()

	if err := pgpool.Migrate(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	registry := types.NewRegistry(db)
	bootstrapErr := pgpool.WithAdvisoryLock(ctx, db, cfg.PGSink.AdvisoryLockKey, func(ctx context.Context) error {
		for _, name := range []types.Name{types.StatisticSet, types.Histogram, types.TDigest} {
			if err := registry.Ensure(ctx, name); err != nil {
				return fmt.Errorf("bootstrap type %s: %w", name, err)
			}
		}
		return nil
	})
	if bootstrapErr != nil {
		return fmt.Errorf("bootstrap aggregate types: %w", bootstrapErr)
	}

	b := bus.New(cfg.Bus.Capacity)

	var auth receiver.Authenticator
	if cfg.Auth.Enabled {
		auth = receiver.NewKeyAuthenticator(cfg.Auth.Keys)
	}
	audit := pgpool.NewAuditLog(db)

	recv := receiver.New(b, auth, audit, cfg.Server.MaxDatumsPerRequest)

	var g run.Group

	// gRPC receiver
	{
		cert, err := loadOrGenerateCertificate(cfg.TLS)
		if err != nil {
			return fmt.Errorf("load tls identity: %w", err)
		}

		lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Server.ListenAddress, err)
		}

		grpcServer := grpc.NewServer(grpcServerOptions(cfg.Server, cert)...)
		metricspb.RegisterMetricsServiceServer(grpcServer, recv)

		healthSrv := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthSrv)
		reflection.Register(grpcServer)

		g.Add(func() error {
			slog.InfoContext(ctx, "goodmetricsd.receiver.starting", "address", cfg.Server.ListenAddress)

			serveErrCh := make(chan error, 1)
			go func() {
				if err := grpcServer.Serve(lis); err != nil {
					serveErrCh <- err
				}
				close(serveErrCh)
			}()

			healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

			select {
			case <-ctx.Done():
				healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
				if d := cfg.Server.DrainDelay; d > 0 {
					time.Sleep(d)
				}
				_ = lis.Close()

				stopped := make(chan struct{})
				go func() {
					grpcServer.GracefulStop()
					close(stopped)
				}()
				timeout := cfg.Server.GracefulShutdownTimeout
				if timeout <= 0 {
					timeout = 30 * time.Second
				}
				select {
				case <-stopped:
					return nil
				case <-time.After(timeout):
					grpcServer.Stop()
					return ctx.Err()
				}
			case err := <-serveErrCh:
				if err != nil && !errors.Is(err, net.ErrClosed) {
					return err
				}
				return nil
			}
		}, func(err error) {
			cancel()
		})
	}

	// PostgreSQL sink
	if cfg.PGSink.Enabled {
		sink := pgsink.New(b, db, cfg.PGSink.CoalesceWindow, cfg.PGSink.BatchTimeout, cfg.PGSink.DefaultRetention, cfg.PGSink.Compress)
		g.Add(func() error {
			err := sink.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(err error) {
			cancel()
		})
	}

	// Optional OTLP fan-out sink
	if cfg.OTLPSink.Enabled {
		retry := otelsink.RetryPolicy{
			MaxAttempts:       cfg.OTLPSink.RetryMaxAttempts,
			InitialBackoff:    cfg.OTLPSink.RetryInitialBackoff,
			MaxBackoff:        cfg.OTLPSink.RetryMaxBackoff,
			BackoffMultiplier: cfg.OTLPSink.RetryBackoffMultiplier,
		}
		exporter, err := otelsink.NewExporter(cfg.OTLPSink.RemoteAddress, cfg.OTLPSink.Insecure, retry, cfg.OTLPSink.GRPCMaxSendMsgSizeBytes, cfg.OTLPSink.GRPCMaxRecvMsgSizeBytes)
		if err != nil {
			return fmt.Errorf("dial otlp sink: %w", err)
		}
		sink := otelsink.New(b, exporter, cfg.OTLPSink.InitialDelay, cfg.OTLPSink.CoalesceIncrement)
		g.Add(func() error {
			err := sink.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(err error) {
			_ = exporter.Close()
			cancel()
		})
	}

	// ingest_events retention
	if cfg.AuditRetention.Enabled {
		worker := pgpool.NewRetentionWorker(db, cfg.AuditRetention.Interval, cfg.AuditRetention.RunTimeout, cfg.AuditRetention.MaxAge)
		g.Add(func() error {
			err := worker.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(err error) {
			cancel()
		})
	}

	// Metrics and health HTTP server
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ok")); err != nil {
				slog.ErrorContext(r.Context(), "goodmetricsd.http.livez_write_error", "err", err)
			}
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ok")); err != nil {
				slog.ErrorContext(r.Context(), "goodmetricsd.http.readyz_write_error", "err", err)
			}
		})

		srv := &http.Server{
			Addr:         cfg.Metrics.ListenAddress,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Add(func() error {
			slog.InfoContext(ctx, "goodmetricsd.metrics.exposing", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(err error) {
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(c)
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	return g.Run()
}

func loadOrGenerateCertificate(cfg config.TLSConfig) (tls.Certificate, error) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	}
	slog.Warn("goodmetricsd.tls.self_signed", "hostname", cfg.SelfSignedHostname)
	return tlsidentity.GenerateSelfSigned(cfg.SelfSignedHostname)
}

func grpcServerOptions(cfg config.ServerConfig, cert tls.Certificate) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.Creds(credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{cert}})),
		metricspb.ServerCodec(),
		grpc.MaxRecvMsgSize(orDefault(cfg.GRPCMaxRecvMsgSizeBytes, 16*1024*1024)),
		grpc.MaxSendMsgSize(orDefault(cfg.GRPCMaxSendMsgSizeBytes, 16*1024*1024)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAgeGrace: 30 * time.Second,
			Time:                  2 * time.Minute,
			Timeout:               20 * time.Second,
		}),
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
