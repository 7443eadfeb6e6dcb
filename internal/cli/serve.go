package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nghyane/qwen-pool-proxy/internal/api"
	"github.com/nghyane/qwen-pool-proxy/internal/config"
	"github.com/nghyane/qwen-pool-proxy/internal/dispatcher"
	log "github.com/nghyane/qwen-pool-proxy/internal/logging"
	"github.com/nghyane/qwen-pool-proxy/internal/oauthflow"
	"github.com/nghyane/qwen-pool-proxy/internal/scheduler"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenizer"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenpool"
	"github.com/nghyane/qwen-pool-proxy/internal/transport"
	"github.com/nghyane/qwen-pool-proxy/internal/versionprobe"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the credential-pool proxy.

Loads configuration from the environment, opens the token store, starts the
background refresh scheduler and serves the admin and OpenAI-compatible
HTTP API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if servePort != 0 {
			cfg.Port = servePort
		}
		log.Configure(log.ParseLevel(cfg.LogLevel), logFilePath(cfg))

		st, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		httpClient := transport.NewClient(transport.Default)
		streamingClient := transport.NewStreamingClient(transport.Default)

		probe := versionprobe.New(httpClient, st)
		userAgent := probe.GetUserAgent

		pool := tokenpool.New(st, httpClient, cfg.QwenOAuthTokenURL, cfg.QwenOAuthClientID, userAgent)
		if err := pool.Reload(); err != nil {
			return err
		}

		oauth := oauthflow.New(httpClient, cfg.QwenOAuthDeviceCodeURL, cfg.QwenOAuthTokenURL, cfg.QwenOAuthClientID, cfg.QwenOAuthScope, userAgent)

		sched := scheduler.New(pool, cfg.TokenRefreshIntervalMinute)
		if cfg.SchedulerEnabled {
			sched.Start()
			defer sched.Stop()
		}

		est := tokenizer.New()
		disp := dispatcher.New(pool, st, est, streamingClient, cfg.QwenAPIEndpoint, userAgent, cfg.Location)

		server := api.New(cfg, pool, st, oauth, sched, disp, probe)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Infof("serve: listening on %s:%d", cfg.Host, cfg.Port)
		return server.Run(ctx)
	},
}

func logFilePath(cfg *config.Config) string {
	if cfg.Debug {
		return ""
	}
	return "logs/qwen-pool-proxy.log"
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the server port")
	rootCmd.AddCommand(serveCmd)
}
