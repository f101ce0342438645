// Command stubctl operates on a twilio-stub conversation store directly: it
// loads schemas, runs turns without the HTTP server and inspects histories.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/humanagencyorg/twilio-stub/pkg/dialog"
	"github.com/humanagencyorg/twilio-stub/pkg/schema"
	"github.com/humanagencyorg/twilio-stub/pkg/store"
	"github.com/humanagencyorg/twilio-stub/pkg/urlvalidation"
	"github.com/humanagencyorg/twilio-stub/pkg/webhook"
)

func main() {
	// STUBCTL_ settings may live in a local .env file.
	_ = godotenv.Load()

	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand shares once flags are parsed.
type app struct {
	cfg   *Config
	store store.Store
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		backend    string
		logLevel   string
		a          app
	)

	cmd := &cobra.Command{
		Use:           "stubctl",
		Short:         "Operate a twilio-stub conversation store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(logLevel)

			overrides := map[string]any{}
			if cmd.Flags().Changed("store") {
				overrides["store.backend"] = backend
			}
			cfg, err := loadConfig(configPath, overrides)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.Open(cmd.Context(), cfg.Store.Backend, cfg.Store.options())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			a.cfg, a.store = cfg, st
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "stubctl.yaml", "Config file path (YAML, optional)")
	cmd.PersistentFlags().StringVar(&backend, "store", "", "Store backend (memory, sqlite, redis)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		schemaCmd(&a),
		turnCmd(&a),
		historyCmd(&a),
		stateCmd(&a),
		resetCmd(&a),
	)
	return cmd
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func schemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the assistant schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load FILE",
		Short: "Parse a JSON or YAML schema file and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := schema.NewLoader(args[0], a.store).Load(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %q with %d tasks\n", s.UniqueName, len(s.Tasks))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "tasks",
		Short: "List the stored tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := schema.Load(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSID\tSAMPLES\tACTIONS")
			for _, t := range s.Tasks {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", t.UniqueName, t.Sid, len(t.Samples), len(t.Actions))
			}
			return tw.Flush()
		},
	})
	return cmd
}

func turnCmd(a *app) *cobra.Command {
	var (
		targetTask string
		userID     string
		pace       bool
	)
	cmd := &cobra.Command{
		Use:   "turn CHANNEL MESSAGE",
		Short: "Post a customer message and run one dialog turn",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			channel, text := args[0], args[1]
			if userID == "" {
				userID = channel
			}

			before, err := dialog.History(ctx, a.store, channel)
			if err != nil {
				return err
			}
			if err := a.store.Set(ctx, store.UserIDKey(channel), []byte(userID)); err != nil {
				return err
			}
			if _, err := dialog.AppendCustomerMessage(ctx, a.store, channel, userID, text); err != nil {
				return err
			}

			engine := newEngine(a.cfg, a.store, pace)
			if err := engine.Resolve(ctx, dialog.Turn{Channel: channel, TargetTask: targetTask, Body: text}); err != nil {
				return err
			}

			after, err := dialog.History(ctx, a.store, channel)
			if err != nil {
				return err
			}
			// The customer message sits at len(before).
			printMessages(cmd.OutOrStdout(), after[len(before)+1:])
			return nil
		},
	}
	cmd.Flags().StringVar(&targetTask, "target-task", "", "Task to start a new dialog with")
	cmd.Flags().StringVar(&userID, "user", "", "Customer identifier (defaults to the channel)")
	cmd.Flags().BoolVar(&pace, "pace", false, "Pause between bot messages like the server does")
	return cmd
}

func newEngine(cfg *Config, st store.Store, pace bool) *dialog.Engine {
	hooks := webhook.NewClient(
		webhook.WithTimeout(cfg.Webhook.Timeout),
		webhook.WithAuthToken(cfg.Webhook.AuthToken),
		webhook.WithURLValidation(urlvalidation.AllowPrivateIPs()),
	)
	opts := []dialog.Option{dialog.WithOptions(dialog.Options{StrictTypes: cfg.StrictTypes})}
	if !pace {
		opts = append(opts, dialog.WithPacer(dialog.PacerFunc(func(context.Context, time.Duration) error { return nil })))
	}
	return dialog.NewEngine(st, hooks, opts...)
}

func historyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history CHANNEL",
		Short: "Print the messages of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := dialog.History(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			printMessages(cmd.OutOrStdout(), msgs)
			return nil
		},
	}
}

func stateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "state CHANNEL",
		Short: "Print where the channel's dialog is suspended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dialog.LoadState(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "phase:  %s\n", s.Phase())
			fmt.Fprintf(out, "dialog: %s\n", s.DialogID)
			fmt.Fprintf(out, "task:   %s\n", s.CurrentTask)
			if s.Collect != nil {
				fmt.Fprintf(out, "collect %s: %d/%d answered\n",
					s.Collect.Action.Name, len(s.Collect.Answers), len(s.Collect.Action.Questions))
			}
			return nil
		},
	}
}

func resetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete every key in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.store.Reset(cmd.Context())
		},
	}
}

func printMessages(w io.Writer, msgs []dialog.Message) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		body := m.Body
		if m.MediaURL != "" {
			body += " [" + m.MediaURL + "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.DateCreated.Format(time.TimeOnly), m.Author, body)
	}
	tw.Flush()
}
