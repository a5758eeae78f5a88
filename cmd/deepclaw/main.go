package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/deepgram/dglabs-deepclaw/internal/dotenv"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/config"
	gatewayserver "github.com/deepgram/dglabs-deepclaw/pkg/gateway/server"
)

type options struct {
	addr    string
	envFile string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := pflag.NewFlagSet("deepclaw", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.addr, "addr", "", "listen address (overrides DEEPCLAW_ADDR)")
	fs.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

type serverDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger) (*gatewayserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServer(ctx context.Context, logger *slog.Logger, opts options, deps serverDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.addr != "" {
		cfg.Addr = opts.addr
	}

	gw, err := deps.newGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting deepclaw",
		"addr", cfg.Addr,
		"agent_id", cfg.AgentID,
		"gateway", cfg.GatewayBaseURL,
		"public_url", cfg.PublicURL,
		"outbound_calls", cfg.TwilioProxyURL != "",
	)

	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()
	go gw.RunEventClient(eventsCtx)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	if n := gw.LiveCalls(); n > 0 {
		logger.Warn("draining with live calls", "count", n)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveCalls(waitCtx) {
		gw.CancelLiveCalls()
	}
	stopEvents()

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("deepclaw stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := dotenv.LoadFile(opts.envFile); err != nil {
		fmt.Fprintf(stderr, "deepclaw: %v\n", err)
		return 1
	}

	if err := runServer(ctx, logger, opts, deps); err != nil {
		fmt.Fprintf(stderr, "deepclaw: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultServerDeps()))
}
