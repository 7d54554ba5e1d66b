// cmd/adventure/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/Corphon/StoryForge/internal/config"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/spf13/cobra"

	_ "github.com/Corphon/StoryForge/internal/llm/providers/ollama"
	_ "github.com/Corphon/StoryForge/internal/llm/providers/openai"
)

// engine 控制台模式下的服务组合，会话只保存在内存中
type engine struct {
	llm     *services.LLMService
	catalog *services.CatalogService
	story   *services.StoryService
	store   storage.SessionStore
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "adventure",
		Short:         "Play a short branching text adventure in the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 控制台输出留给故事，日志写文件
			return utils.InitLogger(utils.LoggerConfig{
				Level:    logLevel,
				Encoding: "json",
				LogFile:  filepath.Join("logs", "adventure.log"),
			})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(newCatalogCommand(), newPlayCommand(), newConfigureCommand())
	return root
}

func newCatalogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Generate four backstories and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.store.Close() }()

			catalog, err := eng.catalog.GenerateCatalog(cmd.Context())
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), catalog)
			return nil
		},
	}
}

func newPlayCommand() *cobra.Command {
	var (
		storyIndex int
		maxTurns   int
	)

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Pick a backstory and play it turn by turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer func() { _ = eng.store.Close() }()

			var index *int
			if cmd.Flags().Changed("story") {
				index = &storyIndex
			}
			return play(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), eng.catalog, eng.story, index, maxTurns)
		},
	}
	cmd.Flags().IntVar(&storyIndex, "story", 1, "backstory to play (1-4); asks when omitted")
	cmd.Flags().IntVar(&maxTurns, "max-turns", services.DefaultMaxTurns, "number of turns in the adventure")
	return cmd
}

func newConfigureCommand() *cobra.Command {
	var (
		provider string
		settings map[string]string
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Check and save the narrative provider settings to DATA_DIR/config.json",
		Example: "  adventure configure --provider openrouter --set api_key=sk-... --set default_model=openai/gpt-4o-mini\n" +
			"  adventure configure --set default_model=gpt-4o",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseConfig, err := config.Load()
			if err != nil {
				return err
			}
			if err := config.InitConfig(baseConfig); err != nil {
				return err
			}
			name, merged := mergeProviderSettings(config.GetCurrentConfig(), provider, settings)

			// 先初始化一次提供者，确认设置可用再保存
			llmService := services.NewLLMService(services.LLMOptionsFromConfig(baseConfig), utils.GetMetrics(), utils.GetLogger())
			if err := llmService.UpdateProvider(name, maps.Clone(merged)); err != nil {
				return fmt.Errorf("provider %q rejected the settings: %w", name, err)
			}
			if err := config.UpdateLLMConfig(name, merged); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved provider %s (model %s)\n", name, llmService.GetDefaultModel())
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider name; keeps the current one when omitted")
	cmd.Flags().StringToStringVar(&settings, "set", nil, "provider setting as key=value (repeatable)")
	return cmd
}

// mergeProviderSettings 同一提供者时在现有设置上覆盖，换提供者时只用新设置
func mergeProviderSettings(current *config.AppConfig, provider string, settings map[string]string) (string, map[string]string) {
	name := strings.ToLower(strings.TrimSpace(provider))
	merged := make(map[string]string, len(settings))
	if current != nil && (name == "" || name == current.LLMProvider) {
		name = current.LLMProvider
		maps.Copy(merged, current.LLMConfig)
	}
	maps.Copy(merged, settings)
	return name, merged
}

func newEngine() (*engine, error) {
	baseConfig, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitConfig(baseConfig); err != nil {
		return nil, err
	}

	logger := utils.GetLogger()
	metrics := utils.GetMetrics()

	llmService := services.NewLLMService(services.LLMOptionsFromConfig(baseConfig), metrics, logger)
	if !llmService.IsReady() {
		_, state := llmService.GetProviderStatus()
		return nil, fmt.Errorf("llm provider %q not ready: %s", baseConfig.LLMProvider, state)
	}

	store := storage.NewMemoryStore(16, 0)
	return &engine{
		llm:     llmService,
		catalog: services.NewCatalogService(llmService, logger),
		story: services.NewStoryService(store, llmService, services.NewLockManager(), services.StoryServiceConfig{
			MaxTurnsLimit: baseConfig.MaxTurnsLimit,
		}, metrics, logger),
		store: store,
	}, nil
}

// play 选故事、开局，然后每回合读取 1 或 2 直到结局
func play(ctx context.Context, in io.Reader, out io.Writer, catalogs *services.CatalogService, stories *services.StoryService, index *int, maxTurns int) error {
	reader := bufio.NewScanner(in)

	fmt.Fprintln(out, "Summoning four backstories...")
	catalog, err := catalogs.GenerateCatalog(ctx)
	if err != nil {
		return err
	}
	printCatalog(out, catalog)

	if index == nil {
		n, err := readNumber(reader, out, "Pick a story (1-4): ", len(catalog.Stories))
		if err != nil {
			return err
		}
		index = &n
	}

	story, err := services.SelectStory(catalog, index)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n== %s ==\nGoal: %s\n", story.Title, story.Goal)

	state, reply, err := stories.StartSession(ctx, story, maxTurns)
	if err != nil {
		return err
	}

	turn := state.CurrentTurn
	for {
		printTurn(out, turn, state.MaxTurns, reply)
		if len(reply.Choices) == 0 {
			fmt.Fprintln(out, "\nThe End.")
			return nil
		}

		n, err := readNumber(reader, out, "Your choice (1-2): ", len(reply.Choices))
		if err != nil {
			return err
		}

		result, err := stories.AdvanceTurn(ctx, state.SessionID, reply.Choices[n-1])
		if err != nil {
			return err
		}
		reply = &result.Reply
		turn = result.CurrentTurn
	}
}

func printCatalog(out io.Writer, catalog *models.Catalog) {
	for i, s := range catalog.Stories {
		fmt.Fprintf(out, "\n%d. %s\n   %s\n   Goal: %s\n", i+1, s.Title, s.Description, s.Goal)
	}
	fmt.Fprintln(out)
}

func printTurn(out io.Writer, turn, maxTurns int, reply *models.TurnReply) {
	fmt.Fprintf(out, "\n-- Turn %d/%d --\n%s\n", turn, maxTurns, reply.Story)
	for i, c := range reply.Choices {
		fmt.Fprintf(out, "  %d) %s\n", i+1, c.Description)
	}
}

var errNoInput = errors.New("no more input")

// readNumber 反复提示直到读到 1..max 之间的数字
func readNumber(reader *bufio.Scanner, out io.Writer, prompt string, max int) (int, error) {
	for {
		fmt.Fprint(out, prompt)
		if !reader.Scan() {
			if err := reader.Err(); err != nil {
				return 0, err
			}
			return 0, errNoInput
		}
		n, err := strconv.Atoi(strings.TrimSpace(reader.Text()))
		if err == nil && n >= 1 && n <= max {
			return n, nil
		}
		fmt.Fprintf(out, "Please enter a number between 1 and %d.\n", max)
	}
}
