package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/sessiond/internal/authkit"
	"go.uber.org/zap"
)

var errDeleteNotConfirmed = errors.New("sessiond.delete.unconfirmed: pass --yes to delete the account")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "sessiond",
		Short:             "Session coordinator for Supabase sign-in with a loopback callback server",
		SilenceUsage:      true,
		PersistentPreRunE: prepareConfig,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("supabase_url", "", "Supabase project URL")
	flags.String("supabase_anon_key", "", "Supabase anon key")
	flags.String("redirect_url", "", "Auth redirect URL; defaults to the loopback callback")
	flags.String("database_url", defaultDatabaseURL, "Secure store database URL (sqlite:// or postgres://)")
	flags.String("encryption_key", "", "Base64 32-byte key sealing stored records; empty disables encryption")
	flags.String("listen_addr", defaultListenAddr, "Loopback listen address for the callback server")
	flags.Bool("enable_cors", false, "Enable CORS for a local front-end reading /session")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	flags.String("google_web_client_id", "", "Google OAuth client ID used to validate native Google ID tokens")
	flags.String("delete_function", "user-self-delete", "Edge function that deletes the signed-in account")
	flags.Duration("magic_link_interval", 60*time.Second, "Minimum interval between magic-link requests")
	flags.Duration("refresh_margin", 60*time.Second, "Refresh the session this long before it expires")
	flags.Duration("signin_timeout", 5*time.Minute, "How long to wait for the browser callback")
	flags.Bool("debug", false, "Development logging")

	for _, name := range []string{
		"supabase_url", "supabase_anon_key", "redirect_url", "database_url", "encryption_key", "listen_addr",
		"enable_cors", "cors_allowed_origins", "google_web_client_id", "delete_function",
		"magic_link_interval", "refresh_margin", "signin_timeout", "debug",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("SESSIOND")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newServeCommand(),
		newStatusCommand(),
		newSignInEmailCommand(),
		newSignInGoogleCommand(),
		newSignInAppleCommand(),
		newOpenLinkCommand(),
		newSignOutCommand(),
		newDeleteAccountCommand(),
	)
	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host the coordinator, the callback server and automatic token refresh",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the restored session state",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, runtimeOptions{}, func(ctx context.Context, host *sessionRuntime) error {
				return printSnapshot(command.OutOrStdout(), host.coordinator.Snapshot())
			})
		},
	}
}

func newSignInEmailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signin-email <address>",
		Short: "Email a magic link; open it with open-link or while serve is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, runtimeOptions{}, func(ctx context.Context, host *sessionRuntime) error {
				if err := host.coordinator.SignInWithEmail(ctx, arguments[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintln(command.OutOrStdout(), "Magic link sent. Check your inbox.")
				return err
			})
		},
	}
}

func newSignInGoogleCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signin-google",
		Short: "Sign in with Google through the browser, or with a native ID token",
		Args:  cobra.NoArgs,
	}
	command.Flags().String("id_token", "", "Google ID token obtained natively; skips the browser flow")
	command.RunE = func(command *cobra.Command, arguments []string) error {
		idToken, _ := command.Flags().GetString("id_token")
		options := runtimeOptions{GoogleIDToken: idToken, Prompt: command.ErrOrStderr()}
		return withRuntime(command, options, func(ctx context.Context, host *sessionRuntime) error {
			stopServer, err := host.serveInBackground()
			if err != nil {
				return err
			}
			defer stopServer()
			result, err := host.coordinator.SignInWithGoogle(ctx)
			if err != nil {
				return err
			}
			return printSignInResult(command.OutOrStdout(), result)
		})
	}
	return command
}

func newSignInAppleCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signin-apple",
		Short: "Sign in with an Apple identity token obtained natively",
		Args:  cobra.NoArgs,
	}
	command.Flags().String("id_token", "", "Apple identity token")
	command.RunE = func(command *cobra.Command, arguments []string) error {
		idToken, _ := command.Flags().GetString("id_token")
		return withRuntime(command, runtimeOptions{AppleIDToken: idToken}, func(ctx context.Context, host *sessionRuntime) error {
			result, err := host.coordinator.SignInWithApple(ctx)
			if err != nil {
				return err
			}
			return printSignInResult(command.OutOrStdout(), result)
		})
	}
	return command
}

func newOpenLinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open-link <url>",
		Short: "Complete sign-in from an auth redirect or magic-link URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, runtimeOptions{}, func(ctx context.Context, host *sessionRuntime) error {
				if err := host.coordinator.OpenURL(ctx, arguments[0]); err != nil {
					return err
				}
				return printSnapshot(command.OutOrStdout(), host.coordinator.Snapshot())
			})
		},
	}
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out locally and on the server",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, runtimeOptions{}, func(ctx context.Context, host *sessionRuntime) error {
				if err := host.coordinator.SignOut(ctx); err != nil {
					return err
				}
				return printSnapshot(command.OutOrStdout(), host.coordinator.Snapshot())
			})
		},
	}
}

func newDeleteAccountCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "delete-account",
		Short: "Delete the signed-in account and sign out",
		Args:  cobra.NoArgs,
	}
	command.Flags().Bool("yes", false, "Confirm account deletion")
	command.RunE = func(command *cobra.Command, arguments []string) error {
		confirmed, _ := command.Flags().GetBool("yes")
		if !confirmed {
			return errDeleteNotConfirmed
		}
		return withRuntime(command, runtimeOptions{}, func(ctx context.Context, host *sessionRuntime) error {
			if err := host.coordinator.DeleteAccount(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(command.OutOrStdout(), "Account deleted.")
			return err
		})
	}
	return command
}

// withRuntime builds and hydrates a coordinator, runs action and tears everything down.
func withRuntime(command *cobra.Command, options runtimeOptions, action func(ctx context.Context, host *sessionRuntime) error) error {
	config, configErr := configFromCommand(command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := newLogger(config.Debug)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	parent := command.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, buildErr := buildRuntime(ctx, config, logger, options)
	if buildErr != nil {
		return buildErr
	}
	defer host.close()

	if err := host.start(ctx); err != nil {
		return err
	}
	return action(ctx, host)
}

func runServe(command *cobra.Command, arguments []string) error {
	return withRuntime(command, runtimeOptions{Prompt: command.ErrOrStderr()}, func(ctx context.Context, host *sessionRuntime) error {
		gin.SetMode(gin.ReleaseMode)
		server, err := host.newServer()
		if err != nil {
			return err
		}

		refreshCtx, cancelRefresh := context.WithCancel(ctx)
		refreshDone := make(chan struct{})
		go func() {
			defer close(refreshDone)
			_ = host.client.RunAutoRefresh(refreshCtx)
		}()
		defer func() {
			cancelRefresh()
			<-refreshDone
		}()

		shutdownDone := make(chan struct{})
		defer close(shutdownDone)
		go func() {
			select {
			case <-ctx.Done():
			case <-shutdownDone:
				return
			}
			graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer graceCancel()
			if shutdownErr := server.Shutdown(graceCtx); shutdownErr != nil {
				host.logger.Error("server shutdown error", zap.Error(shutdownErr))
			}
		}()

		host.logger.Info("listening",
			zap.String("addr", server.Addr),
			zap.String("redirect_url", host.config.RedirectURL))
		if serveErr := serveHTTP(server); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", serveErr)
		}
		return nil
	})
}

type snapshotOutput struct {
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	UserID     string `json:"user_id,omitempty"`
	Email      string `json:"email,omitempty"`
	Provider   string `json:"provider,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
}

func printSnapshot(output io.Writer, snapshot authkit.Snapshot) error {
	rendered := snapshotOutput{
		State:      snapshot.State.String(),
		Generation: snapshot.Generation,
	}
	if snapshot.User != nil {
		rendered.UserID = snapshot.User.ID
		rendered.Email = snapshot.User.Email
		rendered.Provider = snapshot.User.AppMetadata.Provider
	}
	if snapshot.Session != nil {
		if expiresAt := snapshot.Session.ExpiresAtTime(); !expiresAt.IsZero() {
			rendered.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
		}
	}
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rendered)
}

func printSignInResult(output io.Writer, result authkit.SignInResult) error {
	if result.Outcome == authkit.SignInCancelled || result.Session == nil {
		_, err := fmt.Fprintf(output, "Sign-in %s.\n", result.Outcome)
		return err
	}
	_, err := fmt.Fprintf(output, "Signed in as %s.\n", result.Session.User.Email)
	return err
}
