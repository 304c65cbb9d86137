package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"retrochain-indexer/internal/api"
	"retrochain-indexer/internal/cometbft"
	"retrochain-indexer/internal/config"
	"retrochain-indexer/internal/eventbus"
	"retrochain-indexer/internal/ingester"
	"retrochain-indexer/internal/repository"
)

var version = "dev"

// errConfig marks operator mistakes (bad flags, missing database) that should
// exit with status 2 instead of 1.
var errConfig = errors.New("configuration error")

func configErrf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errConfig}, args...)...)
}

type flags struct {
	configPath     string
	rpcURL         string
	dbPath         string
	pollSeconds    float64
	startHeight    int64
	timeoutSeconds float64
	listen         string
	corsOrigins    []string
	rateRPS        float64
	rateBurst      int
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		log.Printf("ERROR: %v", err)
		if errors.Is(err, errConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "retrochain-indexer",
		Short:         "Block ingestion indexer and read API for a CometBFT chain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var f flags

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Poll the node RPC and index blocks into SQLite",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, &f)
		},
	}
	addIndexerFlags(indexCmd, &f)

	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP read API over an existing indexer database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI(cmd, &f)
		},
	}
	addAPIFlags(apiCmd, &f)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the indexer and the read API in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoth(cmd, &f)
		},
	}
	addIndexerFlags(runCmd, &f)
	addAPIFlags(runCmd, &f)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "retrochain-indexer %s\n", version)
		},
	}

	root.AddCommand(indexCmd, apiCmd, runCmd, versionCmd)
	return root
}

func addIndexerFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "optional YAML config file")
	cmd.Flags().StringVar(&f.rpcURL, "rpc", "http://localhost:26657", "CometBFT RPC base URL")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite database path (default ~/.retrochain/indexer.sqlite)")
	cmd.Flags().Float64Var(&f.pollSeconds, "poll-seconds", 2, "tail poll interval in seconds (min 0.5)")
	cmd.Flags().Int64Var(&f.startHeight, "start-height", 0, "reindex from this height instead of resuming")
	cmd.Flags().Float64Var(&f.timeoutSeconds, "timeout-seconds", 15, "per-request RPC timeout in seconds")
}

func addAPIFlags(cmd *cobra.Command, f *flags) {
	if cmd.Flags().Lookup("config") == nil {
		cmd.Flags().StringVar(&f.configPath, "config", "", "optional YAML config file")
	}
	if cmd.Flags().Lookup("db") == nil {
		cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite database path (default ~/.retrochain/indexer.sqlite)")
	}
	cmd.Flags().StringVar(&f.listen, "listen", "127.0.0.1:8081", "API listen address")
	cmd.Flags().StringSliceVar(&f.corsOrigins, "cors-origins", nil,
		"allowed CORS origins (also INDEXER_API_CORS_ORIGINS, comma separated)")
	cmd.Flags().Float64Var(&f.rateRPS, "rate-limit-rps", 0, "per-IP request rate limit (0 disables)")
	cmd.Flags().IntVar(&f.rateBurst, "rate-limit-burst", 0, "per-IP request burst")
}

// mergeConfig layers the optional YAML file under explicit flags: a flag set
// on the command line always wins over the file.
func mergeConfig(cmd *cobra.Command, f *flags) error {
	if f.configPath == "" {
		return nil
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return configErrf("load config %s: %v", f.configPath, err)
	}

	set := cmd.Flags().Changed
	if !set("rpc") && cfg.RPCURL != "" {
		f.rpcURL = cfg.RPCURL
	}
	if !set("db") && cfg.DBPath != "" {
		f.dbPath = cfg.DBPath
	}
	if !set("poll-seconds") && cfg.PollSeconds > 0 {
		f.pollSeconds = cfg.PollSeconds
	}
	if !set("start-height") && cfg.StartHeight > 0 {
		f.startHeight = cfg.StartHeight
	}
	if !set("timeout-seconds") && cfg.TimeoutSeconds > 0 {
		f.timeoutSeconds = cfg.TimeoutSeconds
	}
	if !set("listen") && cfg.Listen != "" {
		f.listen = cfg.Listen
	}
	if !set("cors-origins") && len(cfg.CORSOrigins) > 0 {
		f.corsOrigins = cfg.CORSOrigins
	}
	if !set("rate-limit-rps") && cfg.RateLimitRPS > 0 {
		f.rateRPS = cfg.RateLimitRPS
	}
	if !set("rate-limit-burst") && cfg.RateLimitBurst > 0 {
		f.rateBurst = cfg.RateLimitBurst
	}
	return nil
}

func (f *flags) resolvedDBPath() string {
	if f.dbPath != "" {
		return config.ExpandPath(f.dbPath)
	}
	return config.DefaultDBPath()
}

func (f *flags) corsFromEnv() []string {
	if len(f.corsOrigins) > 0 {
		return f.corsOrigins
	}
	if env := strings.TrimSpace(os.Getenv("INDEXER_API_CORS_ORIGINS")); env != "" {
		var origins []string
		for _, o := range strings.Split(env, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return origins
	}
	return nil
}

func (f *flags) validateIndexer() error {
	if strings.TrimSpace(f.rpcURL) == "" {
		return configErrf("--rpc must not be empty")
	}
	if f.startHeight < 0 {
		return configErrf("--start-height must be >= 0")
	}
	if f.pollSeconds < 0.5 {
		return configErrf("--poll-seconds must be >= 0.5")
	}
	if f.timeoutSeconds <= 0 {
		return configErrf("--timeout-seconds must be > 0")
	}
	return nil
}

func (f *flags) validateAPI() error {
	if _, _, err := net.SplitHostPort(f.listen); err != nil {
		return configErrf("invalid --listen address %q: %v", f.listen, err)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runIndex(cmd *cobra.Command, f *flags) error {
	if err := mergeConfig(cmd, f); err != nil {
		return err
	}
	if err := f.validateIndexer(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	repo, err := repository.Open(f.resolvedDBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	client, err := cometbft.NewClient(f.rpcURL, secondsDuration(f.timeoutSeconds))
	if err != nil {
		return configErrf("%v", err)
	}

	svc := ingester.NewService(client, repo, nil, ingester.Config{
		PollInterval: secondsDuration(f.pollSeconds),
		StartHeight:  f.startHeight,
	})

	if err := svc.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[indexer] shutting down")
			return nil
		}
		return err
	}
	return nil
}

func runAPI(cmd *cobra.Command, f *flags) error {
	if err := mergeConfig(cmd, f); err != nil {
		return err
	}
	if err := f.validateAPI(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	repo, err := repository.OpenReadOnly(f.resolvedDBPath())
	if err != nil {
		return configErrf("%v", err)
	}
	defer repo.Close()

	server := api.NewServer(repo, nil, api.Options{
		Listen:      f.listen,
		CORSOrigins: f.corsFromEnv(),
		RateRPS:     f.rateRPS,
		RateBurst:   f.rateBurst,
	})
	return serveHTTP(ctx, server, f.listen)
}

func runBoth(cmd *cobra.Command, f *flags) error {
	if err := mergeConfig(cmd, f); err != nil {
		return err
	}
	if err := f.validateIndexer(); err != nil {
		return err
	}
	if err := f.validateAPI(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	dbPath := f.resolvedDBPath()
	repo, err := repository.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	readRepo, err := repository.OpenReadOnly(dbPath)
	if err != nil {
		return configErrf("%v", err)
	}
	defer readRepo.Close()

	client, err := cometbft.NewClient(f.rpcURL, secondsDuration(f.timeoutSeconds))
	if err != nil {
		return configErrf("%v", err)
	}

	bus := eventbus.New()
	defer bus.Close()

	svc := ingester.NewService(client, repo, bus, ingester.Config{
		PollInterval: secondsDuration(f.pollSeconds),
		StartHeight:  f.startHeight,
	})

	server := api.NewServer(readRepo, bus, api.Options{
		Listen:      f.listen,
		CORSOrigins: f.corsFromEnv(),
		RateRPS:     f.rateRPS,
		RateBurst:   f.rateBurst,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- serveHTTP(runCtx, server, f.listen)
	}()
	go func() {
		errCh <- svc.Start(runCtx)
	}()

	// First terminal error (or clean shutdown) wins; the shared context tears
	// the other half down.
	err = <-errCh
	cancel()
	<-errCh

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveHTTP(ctx context.Context, server *api.Server, listen string) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("[api] listening on %s", listen)
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
