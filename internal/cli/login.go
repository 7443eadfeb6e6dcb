package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/nghyane/qwen-pool-proxy/internal/config"
	"github.com/nghyane/qwen-pool-proxy/internal/oauthflow"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
	"github.com/nghyane/qwen-pool-proxy/internal/transport"
	"github.com/nghyane/qwen-pool-proxy/internal/versionprobe"
	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against a provider",
}

var noBrowser bool

var loginQwenCmd = &cobra.Command{
	Use:   "qwen",
	Short: "Login to Qwen using the device authorization grant",
	Long: `Login to Qwen using device-based authentication.

Prints a URL and user code; once approved in the browser, the resulting
credential is written to the token store. Use --no-browser to print the
URL instead of opening it automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer st.Close()

		httpClient := transport.NewClient(transport.Default)
		probe := versionprobe.New(httpClient, st)
		oauth := oauthflow.New(httpClient, cfg.QwenOAuthDeviceCodeURL, cfg.QwenOAuthTokenURL, cfg.QwenOAuthClientID, cfg.QwenOAuthScope, probe.GetUserAgent)

		return runDeviceLogin(oauth, st, noBrowser)
	},
}

func runDeviceLogin(oauth *oauthflow.Coordinator, st *store.Store, noBrowser bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	initResult, err := oauth.Init(ctx)
	cancel()
	if err != nil {
		return err
	}
	if !initResult.Success {
		return fmt.Errorf("login: %s: %s", initResult.Error, initResult.ErrorDescription)
	}

	fmt.Printf("Visit this URL to authenticate: %s\n", initResult.VerificationURIComplete)
	fmt.Printf("User code: %s\n", initResult.UserCode)
	if !noBrowser {
		if err := open.Run(initResult.VerificationURIComplete); err != nil {
			fmt.Printf("Could not open browser automatically: %v\n", err)
		}
	}

	deadline := time.Now().Add(time.Until(time.UnixMilli(initResult.ExpiresAt)))
	interval := 2 * time.Second
	for time.Now().Before(deadline) {
		time.Sleep(interval)

		pollCtx, pollCancel := context.WithTimeout(context.Background(), 10*time.Second)
		result, err := oauth.Poll(pollCtx, initResult.StateID)
		pollCancel()
		if err != nil {
			return err
		}
		if result.Success && result.Token != nil {
			if err := st.UpsertToken(*result.Token); err != nil {
				return err
			}
			fmt.Printf("Login succeeded, token id %s saved.\n", result.Token.ID)
			return nil
		}
		if !result.Success && result.Error != "" {
			return fmt.Errorf("login failed: %s", result.Error)
		}
		if result.Warning != "" {
			fmt.Println(result.Warning)
		}
	}
	return fmt.Errorf("login: device code expired before authorization completed")
}

func init() {
	loginQwenCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the URL instead of opening it automatically")
	loginCmd.AddCommand(loginQwenCmd)
	rootCmd.AddCommand(loginCmd)
}
