package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/sigil/adapters/codec"
	"github.com/layer-3/sigil/app"
	"github.com/layer-3/sigil/config"
	"github.com/layer-3/sigil/logging"
	transport "github.com/layer-3/sigil/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sigil",
	Short: "Wallet sign-in and session-key server",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func main() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to a config file")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger(os.Getenv("SIGIL_LOG_LEVEL"))
	config.LoadEnv(logger)

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stack, err := app.New(ctx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer stack.Close()

	jars := transport.NewJars(stack.Codec, stack.CodecErr, transport.CookieConfig{
		Secure: cfg.Production(),
		MaxAge: codec.DefaultTTL,
	}, logging.WithService(logger, "http"))

	router := transport.SetupRouter(transport.RouterConfig{
		AuthService: stack.AuthService,
		Manager:     stack.Manager,
		Jars:        jars,
		Metrics:     stack.Metrics,
		Gatherer:    reg,
		Logger:      logging.WithService(logger, "http"),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
