package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/finbuddyhq/finbuddy/internal/advisor"
	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/gateway"
	"github.com/finbuddyhq/finbuddy/internal/knowledge"
	"github.com/finbuddyhq/finbuddy/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "finbuddy",
	Short: "finbuddy - WhatsApp financial advisory bot",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (channels + webhook + scheduler)",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask for advice from the terminal (single question or REPL)",
	RunE:  runAsk,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [docs-dir]",
	Short: "Ingest knowledge documents into the retrieval store",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIngest,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize the config file",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show finbuddy configuration status",
	RunE:  runStatus,
}

var questionFlag string

func init() {
	askCmd.Flags().StringVarP(&questionFlag, "question", "q", "", "Single question to ask")
	rootCmd.AddCommand(serveCmd, askCmd, ingestCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfigWithLogging() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigWithLogging()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

// AskOptions carries injectable IO for testing.
type AskOptions struct {
	Adviser interface {
		Advise(ctx context.Context, knowledgeContext string, history []advisor.Turn, userText string) (string, error)
	}
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func runAsk(cmd *cobra.Command, args []string) error {
	return runAskWithOptions(AskOptions{})
}

func runAskWithOptions(opts AskOptions) error {
	cfg, err := loadConfigWithLogging()
	if err != nil {
		return err
	}

	adviser := opts.Adviser
	if adviser == nil {
		svc, err := advisor.NewService(cfg.Advisor)
		if err != nil {
			return fmt.Errorf("create advisor: %w", err)
		}
		adviser = svc
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	if questionFlag != "" {
		reply, err := adviser.Advise(ctx, "", nil, questionFlag)
		if err != nil {
			return fmt.Errorf("advisor error: %w", err)
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	fmt.Fprintln(stdout, "finbuddy (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	var history []advisor.Turn
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := adviser.Advise(ctx, "", history, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)

		history = append(history,
			advisor.Turn{Role: advisor.RoleUser, Text: input},
			advisor.Turn{Role: advisor.RoleAssistant, Text: reply})
		if len(history) > 10 {
			history = history[len(history)-10:]
		}
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigWithLogging()
	if err != nil {
		return err
	}

	docsDir := strings.TrimSpace(cfg.Knowledge.DocsDir)
	if len(args) > 0 {
		docsDir = args[0]
	}
	if docsDir == "" {
		return fmt.Errorf("no docs dir: pass one as an argument or set knowledge.docsDir")
	}

	dbPath := strings.TrimSpace(cfg.Knowledge.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "knowledge.db")
	}
	store, err := knowledge.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer store.Close()

	var embedder knowledge.Embedder
	if cfg.Knowledge.Embedding.Enabled {
		embedder = knowledge.NewEmbedder(cfg.Knowledge.Embedding)
	}

	ingestor := knowledge.NewIngestor(store, embedder, cfg.Knowledge.ChunkSize)
	result, err := ingestor.IngestDir(context.Background(), docsDir)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	fmt.Printf("Ingested %d documents (%d chunks, %d embedded)\n", result.Documents, result.Chunks, result.Embedded)
	for _, skipped := range result.Skipped {
		fmt.Printf("  Skipped: %s\n", skipped)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s with your WhatsApp credentials\n", cfgPath)
	fmt.Println("  2. Or set META_TOKEN, WHATSAPP_PHONE_NUMBER_ID, and VERIFY_TOKEN")
	fmt.Println("  3. Set OPENROUTER_API_KEY (or OLLAMA_BASE_URL for a local model)")
	fmt.Println("  4. Run 'finbuddy serve' to start the webhook")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("WhatsApp Cloud API: enabled=%v\n", cfg.Channels.WhatsApp.Enabled)
	fmt.Printf("WhatsApp Web: enabled=%v\n", cfg.Channels.WhatsAppWeb.Enabled)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Redis: %s\n", cfg.Session.RedisURL)
	fmt.Printf("Local model: enabled=%v model=%s\n", cfg.Advisor.Local.Enabled, cfg.Advisor.Local.Model)
	if cfg.Advisor.Remote.APIKey != "" {
		fmt.Printf("OpenRouter: key=%s model=%s\n", maskKey(cfg.Advisor.Remote.APIKey), cfg.Advisor.Remote.Model)
	} else {
		fmt.Println("OpenRouter: key not set")
	}

	dbPath := strings.TrimSpace(cfg.Knowledge.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "knowledge.db")
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Knowledge: empty (run 'finbuddy ingest <docs-dir>')")
		return nil
	}

	store, err := knowledge.NewStore(dbPath)
	if err != nil {
		fmt.Printf("Knowledge: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		fmt.Printf("Knowledge: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Knowledge: %d documents, %d chunks (%d embedded)\n", stats.Documents, stats.Chunks, stats.Embedded)

	return nil
}

func maskKey(key string) string {
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}
