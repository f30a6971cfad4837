package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bethel-nz/corsgate/internal/config"
	"github.com/bethel-nz/corsgate/internal/cors"
	"github.com/bethel-nz/corsgate/internal/logger"
	"github.com/bethel-nz/corsgate/internal/proxy"
	"github.com/quic-go/quic-go/http3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

type serveOptions struct {
	configFile  string
	listenAddr  string
	adminAddr   string
	tlsDomain   string
	certDir     string
	acmeAddr    string
	selfSigned  string
	enableHTTP3 bool
	logFile     string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gate in front of UPSTREAM_HOST",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "TOML config file, watched for changes (env: "+config.EnvConfigFile+")")
	f.StringVar(&opts.listenAddr, "listen", "0.0.0.0:8080", "Address to listen on")
	f.StringVar(&opts.adminAddr, "admin-listen", "", "Address for /metrics and /healthz (disabled when empty)")
	f.StringVar(&opts.tlsDomain, "tls-domain", "", "Domain name for an ACME (Let's Encrypt) certificate")
	f.StringVar(&opts.certDir, "certs", "certs", "Directory to cache ACME certificates")
	f.StringVar(&opts.acmeAddr, "acme-http", "0.0.0.0:80", "Address for the ACME HTTP-01 challenge server")
	f.StringVar(&opts.selfSigned, "self-signed", "", "Serve TLS with a self-signed certificate for these comma-separated hosts")
	f.BoolVar(&opts.enableHTTP3, "http3", false, "Also serve HTTP/3 (requires TLS)")
	f.StringVar(&opts.logFile, "log-file", "", "Additional log output path")
	cmd.MarkFlagsMutuallyExclusive("tls-domain", "self-signed")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	path := config.Path(opts.configFile)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	outputs := []string{"stdout"}
	if opts.logFile != "" {
		outputs = append(outputs, opts.logFile)
	}
	log, err := logger.NewLogger(cfg.LogLevel, outputs...)
	if errors.Is(err, logger.ErrUnknownLevel) {
		return &cors.ConfigError{Key: "LOG_LEVEL", Value: cfg.LogLevel, Reason: "unknown level"}
	}
	if err != nil {
		return err
	}
	defer log.Sync()

	corsCfg, err := cors.NewConfig(cfg.CORS())
	if err != nil {
		return err
	}
	engine := cors.NewEngine(corsCfg)

	proxyHandler, err := proxy.NewProxy(log, proxy.Options{
		Target:          cfg.UpstreamURL(),
		Timeout:         cfg.UpstreamTimeout,
		Insecure:        cfg.UpstreamInsecure,
		SecurityHeaders: cfg.SecurityHeaders,
		CheckOrigin:     engine.OriginAllowed,
	})
	if err != nil {
		return fmt.Errorf("cannot create proxy: %w", err)
	}
	var handler http.Handler = cors.NewGate(engine, proxyHandler, log, proxyHandler.Metrics())

	if path != "" {
		err := config.Watch(path, log, ctx.Done(), reloadHook(engine, cfg.UpstreamURL(), log))
		if err != nil {
			return err
		}
	}

	tlsConfig, err := buildTLS(ctx, opts, log)
	if err != nil {
		return err
	}

	var h3server *http3.Server
	if opts.enableHTTP3 {
		if tlsConfig == nil {
			return errors.New("--http3 requires --tls-domain or --self-signed")
		}
		h3server = &http3.Server{
			Addr:      opts.listenAddr,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig),
		}
		inner := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = h3server.SetQUICHeaders(w.Header())
			inner.ServeHTTP(w, r)
		})
	}

	server := &http.Server{
		Addr:              opts.listenAddr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 3)
	go func() {
		log.Info("starting gate",
			zap.String("addr", opts.listenAddr),
			zap.String("upstream", cfg.UpstreamURL()),
			zap.Stringer("allowlist", corsCfg.Allowlist()),
			zap.Bool("tls", tlsConfig != nil),
		)
		if tlsConfig != nil {
			errc <- server.ListenAndServeTLS("", "")
			return
		}
		errc <- server.ListenAndServe()
	}()

	if h3server != nil {
		go func() {
			log.Info("starting HTTP/3 gate", zap.String("addr", opts.listenAddr))
			errc <- h3server.ListenAndServe()
		}()
	}

	var admin *http.Server
	if opts.adminAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", proxyHandler.HandleMetrics)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("OK"))
		})
		admin = &http.Server{Addr: opts.adminAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("starting admin server", zap.String("addr", opts.adminAddr))
			errc <- admin.ListenAndServe()
		}()
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if h3server != nil {
		_ = h3server.Close()
	}
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	return server.Shutdown(shutdownCtx)
}

// buildTLS returns nil when the gate should serve plain HTTP.
func buildTLS(ctx context.Context, opts *serveOptions, log *zap.Logger) (*tls.Config, error) {
	switch {
	case opts.selfSigned != "":
		cert, err := proxy.GenerateSelfSignedCert(strings.Split(opts.selfSigned, ","), 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("cannot generate certificate: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil

	case opts.tlsDomain != "":
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.tlsDomain),
			Cache:      autocert.DirCache(opts.certDir),
		}
		challenge := &http.Server{
			Addr:              opts.acmeAddr,
			Handler:           certManager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("starting HTTP-01 challenge server", zap.String("addr", opts.acmeAddr))
			if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP-01 server failed", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			_ = challenge.Close()
		}()
		tlsConfig := certManager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		return tlsConfig, nil
	}
	return nil, nil
}

// reloadHook applies the CORS part of a reloaded config to engine. A config
// the engine rejects leaves the current snapshot in place.
func reloadHook(engine *cors.Engine, upstream string, log *zap.Logger) func(*config.Config) {
	return func(next *config.Config) {
		nextCORS, err := cors.NewConfig(next.CORS())
		if err != nil {
			log.Error("cors reload rejected, keeping previous", zap.Error(err))
			return
		}
		engine.Store(nextCORS)
		log.Info("cors configuration reloaded",
			zap.Stringer("allowlist", nextCORS.Allowlist()),
		)
		if next.UpstreamURL() != upstream {
			log.Warn("upstream change ignored until restart",
				zap.String("current", upstream),
				zap.String("configured", next.UpstreamURL()),
			)
		}
	}
}
