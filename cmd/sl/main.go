package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"soundline/internal/app"
	"soundline/internal/config"
	"soundline/internal/db"
	"soundline/internal/store"
	"soundline/internal/submit"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Soundline CLI",
	Long: `Soundline submits daily symptom surveys with voice recordings to a
collection backend. One submission carries the day's answers, three audio
samples, and (once) the demographics questionnaire. Registration and token
handling happen automatically on first submit; failed submissions are kept
locally and can be retried with 'sl retry'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SOUNDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(resetCmd())
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withApp(fn func(*app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func submitCmd() *cobra.Command {
	var req submit.Request
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit today's survey and recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				for _, path := range req.Recordings.Paths() {
					if path == "" {
						return fmt.Errorf("--breathe, --cough and --read are all required")
					}
					if _, err := os.Stat(path); err != nil {
						return fmt.Errorf("recording %s: %w", path, err)
					}
				}

				user, err := a.Store.LoadUser()
				if err != nil {
					return err
				}
				now := time.Now()
				cooldown := a.Config.Submission.Cooldown.Std()
				if user.Status == store.Present && !user.Value.Record.CanSubmit(now, cooldown) {
					next := user.Value.Record.LastCompletedAt.Add(cooldown)
					return fmt.Errorf("already submitted recently, next submission after %s",
						next.Local().Format(time.RFC1123))
				}

				if err := a.Machine.Restore(); err != nil {
					return err
				}
				if err := a.Machine.Submit(cmd.Context(), req); err != nil {
					return err
				}
				fmt.Println("submission uploaded")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Daily.Symptoms, "symptoms", "", "symptom answers")
	cmd.Flags().StringVar(&req.Daily.Covid, "covid", "", "covid status answer")
	cmd.Flags().StringVar(&req.Daily.Hospital, "hospital", "", "hospital status answer")
	cmd.Flags().StringVar(&req.Initial.Sex, "sex", "", "demographics: sex")
	cmd.Flags().StringVar(&req.Initial.Age, "age", "", "demographics: age band")
	cmd.Flags().StringVar(&req.Initial.MedicalHistory, "medical-history", "", "demographics: medical history")
	cmd.Flags().StringVar(&req.Initial.Smoking, "smoking", "", "demographics: smoking status")
	cmd.Flags().StringVar(&req.Recordings.Breathe, "breathe", "", "breathing recording path")
	cmd.Flags().StringVar(&req.Recordings.Cough, "cough", "", "cough recording path")
	cmd.Flags().StringVar(&req.Recordings.Read, "read", "", "reading recording path")
	_ = cmd.MarkFlagRequired("symptoms")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry the last failed submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if err := a.Machine.Restore(); err != nil {
					return err
				}
				if err := a.Machine.Retry(cmd.Context()); err != nil {
					if errors.Is(err, submit.ErrNotRetryable) {
						return fmt.Errorf("no failed submission to retry")
					}
					return err
				}
				fmt.Println("submission uploaded")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local submission state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				user, err := a.Store.LoadUser()
				if err != nil {
					return err
				}
				tok, err := a.Store.LoadToken()
				if err != nil {
					return err
				}
				pending, err := a.Store.LoadPending()
				if err != nil {
					return err
				}

				now := time.Now()
				cooldown := a.Config.Submission.Cooldown.Std()
				out := map[string]any{
					"registered":     user.Status == store.Present,
					"has_token":      tok.Status == store.Present,
					"pending":        pending.Status == store.Present,
					"can_submit":     user.Status != store.Present || user.Value.Record.CanSubmit(now, cooldown),
					"last_completed": "",
					"next_eligible":  "",
				}
				if user.Status == store.Present && user.Value.Record.LastCompletedAt != nil {
					out["last_completed"] = user.Value.Record.LastCompletedAt.Local().Format(time.RFC3339)
					out["next_eligible"] = user.Value.Record.LastCompletedAt.Add(cooldown).Local().Format(time.RFC3339)
				}
				if pending.Status == store.Present {
					out["pending_attempts"] = pending.Value.Attempts
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}

				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Field", "Value"})
				for _, key := range []string{"registered", "has_token", "pending", "pending_attempts", "can_submit", "last_completed", "next_eligible"} {
					if v, ok := out[key]; ok {
						t.AppendRow(table.Row{key, fmt.Sprint(v)})
					}
				}
				t.Render()
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Inspect the stored identity"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the registered credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				user, err := a.Store.LoadUser()
				if err != nil {
					return err
				}
				if user.Status != store.Present {
					return fmt.Errorf("not registered yet, run sl submit first")
				}
				return printJSONOrTable(user.Value)
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Inspect the stored token"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				tok, err := a.Store.LoadToken()
				if err != nil {
					return err
				}
				if tok.Status != store.Present {
					return fmt.Errorf("no token stored yet")
				}
				return printJSONOrTable(tok.Value)
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default soundline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				items, err := a.Events.Latest(n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"TS", "Type", "Cycle", "Payload"})
				for _, e := range items {
					payload, _ := json.Marshal(e.Payload)
					t.AppendRow(table.Row{e.TS.Local().Format(time.RFC3339), e.Type, e.EntityID, string(payload)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference collection backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				secret := os.Getenv("SOUNDLINE_JWT_SECRET")
				if secret == "" {
					return fmt.Errorf("SOUNDLINE_JWT_SECRET is required to issue tokens")
				}
				return a.Server(addr, secret).ListenAndServe()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func resetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe local identity, tokens and buffered submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("reset discards the stored identity, pass --force to confirm")
			}
			return withApp(func(a *app.App) error {
				if err := a.Store.Reset(); err != nil {
					return err
				}
				a.Machine.Reset()
				fmt.Println("workspace reset")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the reset")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
