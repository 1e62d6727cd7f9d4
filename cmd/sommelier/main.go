package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"sommelier/internal/config"
	"sommelier/internal/llm"
	"sommelier/internal/logging"
	"sommelier/internal/service"
	"sommelier/internal/session"
)

const version = "0.3.0"

var (
	// Global flags
	verbose    bool
	configPath string
	sessionID  string
	baseURL    string

	// Logger for CLI-level messages; category logs go through
	// internal/logging.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sommelier",
	Short: "sommelier - AI wine cellar assistant",
	Long: `sommelier is a conversational assistant for building a wine cellar.

Describe a bottle or point it at a label photo and it will identify the
wine, pull in background detail, and file the result into your cellar,
asking for confirmation at each step.

Run without arguments to start the interactive chat.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive cellar conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		infos, err := store.List()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No stored sessions.")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%-20s %-26s %s\n", info.ID, info.Phase, info.UpdatedAt.Local().Format(time.RFC822))
		}
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear [id]",
	Short: "Delete a stored session (default: the active one)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		id := sessionID
		if len(args) > 0 {
			id = args[0]
		}
		if err := store.Delete(id); err != nil {
			return err
		}
		fmt.Printf("Session %s cleared.\n", id)
		return nil
	},
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check backend and model provider connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		timeout, _ := cfg.ServiceTimeout()
		llmTimeout, _ := cfg.LLMTimeout()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			client := service.NewClient(cfg.Services.BaseURL, timeout)
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("cellar backend %s: %w", cfg.Services.BaseURL, err)
			}
			fmt.Printf("ok   cellar backend (%s)\n", cfg.Services.BaseURL)
			return nil
		})
		g.Go(func() error {
			p, err := llm.NewProvider(cfg.LLM.Provider, cfg.LLM, llmTimeout)
			if err != nil {
				return fmt.Errorf("primary provider %s: %w", cfg.LLM.Provider, err)
			}
			fmt.Printf("ok   primary provider (%s)\n", p.Name())
			return nil
		})
		if cfg.LLM.EscalationProvider != "" {
			g.Go(func() error {
				p, err := llm.NewProvider(cfg.LLM.EscalationProvider, cfg.LLM, llmTimeout)
				if err != nil {
					logger.Warn("escalation provider unavailable",
						zap.String("provider", cfg.LLM.EscalationProvider), zap.Error(err))
					fmt.Printf("warn escalation provider (%s): %v\n", cfg.LLM.EscalationProvider, err)
					return nil
				}
				fmt.Printf("ok   escalation provider (%s)\n", p.Name())
				return nil
			})
		}
		return g.Wait()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sommelier version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sommelier %s\n", version)
	},
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(config.StateDir(), "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if baseURL != "" {
		cfg.Services.BaseURL = baseURL
	}
	return cfg, nil
}

func openStore() (config.Config, *session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	store, err := session.Open(cfg.SessionPath(config.StateDir()))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, store, nil
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.sommelier/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "default", "session id")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "cellar backend base URL (overrides config)")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsClearCmd)
	rootCmd.AddCommand(chatCmd, sessionsCmd, preflightCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
