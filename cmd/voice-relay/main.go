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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/vango-go/voice-relay/internal/dotenv"
	"github.com/vango-go/voice-relay/pkg/relay/config"
	"github.com/vango-go/voice-relay/pkg/relay/kb"
	relayserver "github.com/vango-go/voice-relay/pkg/relay/server"
	"github.com/vango-go/voice-relay/pkg/relay/store"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	buildOptions func(context.Context, config.Config, *slog.Logger) (relayserver.Options, error)
	newServer    func(config.Config, *slog.Logger, relayserver.Options) *relayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:   config.LoadFromEnv,
		buildOptions: buildOptions,
		newServer:    relayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildOptions wires the AWS backends when config names them. With no
// DynamoDB table and no knowledge base the server falls back to the seeded
// in-memory store, which is what the demo and tests run against.
func buildOptions(ctx context.Context, cfg config.Config, logger *slog.Logger) (relayserver.Options, error) {
	var opts relayserver.Options
	if cfg.DynamoTable == "" && cfg.KnowledgeBaseID == "" {
		return opts, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return opts, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.DynamoTable != "" {
		opts.Store = store.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
		logger.Info("using dynamodb customer store", "table", cfg.DynamoTable)
	}
	if cfg.KnowledgeBaseID != "" {
		opts.KB = kb.NewBedrock(bedrockagentruntime.NewFromConfig(awsCfg), cfg.KnowledgeBaseID)
		logger.Info("using bedrock knowledge base", "knowledge_base_id", cfg.KnowledgeBaseID)
	}
	return opts, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildOptions == nil {
		return errors.New("missing buildOptions dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
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

	opts, err := deps.buildOptions(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}

	srv := deps.newServer(cfg, logger, opts)

	reaperCtx, reaperCancel := context.WithCancel(ctx)
	defer reaperCancel()
	srv.StartReaper(reaperCtx)

	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting relay", "addr", cfg.Addr, "upstream", cfg.UpstreamBackend)

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

	srv.SetDraining()
	srv.WarnSessionsDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitSessions(waitCtx) {
		srv.TerminateSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voice-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voice-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
