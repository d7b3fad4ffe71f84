package main

import (
	"github.com/spf13/cobra"
)

// buildWatchCmd creates the "watch" command, the interactive client.
func buildWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sign in and stream notifications and presence",
		Long: `Restore the stored session, or sign in when there is none, then connect
to the realtime channel and print toasts, inbox changes and presence updates.

Every line typed on stdin counts as user activity and keeps the idle timer
from expiring. A few lines are also commands:

  inbox            list the inbox, newest first
  read <id>        mark one notification read
  read-all         mark every notification read
  delete <id>      delete a notification
  dismiss <id>     dismiss a toast
  online           list online users
  logout           sign out and exit
  quit             exit and keep the session

The command exits on SIGINT/SIGTERM or when the session ends.`,
		Example: `  # Sign in as the seeded doctor on a local devserver
  wardlink watch --email doctor@ward.test

  # Reuse the stored session
  wardlink watch --config wardlink.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&opts.Debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "Log format (json or text; default text on a terminal)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "Email to sign in with when no session is stored")
	cmd.Flags().StringVar(&opts.Password, "password", "", "Password (prompted when omitted on a terminal)")
	cmd.Flags().BoolVar(&opts.Bell, "bell", true, "Ring the terminal bell for categories with sound enabled")
	return cmd
}

// buildDevServerCmd creates the "devserver" command that runs the emulated backend.
func buildDevServerCmd() *cobra.Command {
	var opts devServerOptions

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local emulated backend",
		Long: `Run an emulated hospital backend with the auth, notification and realtime
endpoints wardlink talks to. Accounts come from devserver.users in the config,
or one seeded account per role when none are configured.

Test helpers are mounted under /api/dev:
  POST /api/dev/push    deliver an event to a room
  POST /api/dev/kick    close a user's sockets with a close code
  GET  /api/dev/online  list connected users`,
		Example: `  wardlink devserver --addr 127.0.0.1:5000

  curl -X POST localhost:5000/api/dev/push \
    -d '{"room":"role_DOCTOR","event":"emergency-alert","payload":{"title":"Code blue","message":"Ward 3"}}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevServer(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&opts.Debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "Log format (json or text; default text on a terminal)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Listen address (overrides devserver.addr)")
	cmd.Flags().StringVar(&opts.InboxDB, "inbox-db", "", "SQLite path for pushed notifications (default in memory)")
	return cmd
}

// buildLogoutCmd creates the "logout" command.
func buildLogoutCmd() *cobra.Command {
	var opts commonOptions

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored state",
		Long: `Tell the server the stored token is no longer in use, then clear the
token, cached user, notification settings and preferences. Local state is
cleared even when the server cannot be reached.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&opts.Debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	var (
		opts   commonOptions
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session and notification settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), opts, verify)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVarP(&opts.Debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&verify, "verify", false, "Ask the server whether the stored token is still valid")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
