package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/martinemde/termloop/agentloop"
	"github.com/martinemde/termloop/config"
	"github.com/martinemde/termloop/unifiedllm"
)

type rootFlags struct {
	configPath string
	resume     string
	verbose    bool
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"provider":   "llm.provider",
	"model":      "llm.model",
	"workdir":    "session.workdir",
	"max-rounds": "session.max_tool_rounds",
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "termloop [prompt]",
		Short: "Run a coding agent turn in the current directory",
		Long: `termloop sends a prompt to a model and lets it read, search, edit and run
commands in the working directory until it answers without calling a tool.

The prompt is taken from the arguments, or from stdin when none are given.
Credentials come from ANTHROPIC_API_KEY or OPENAI_API_KEY.

Examples:
  termloop "add a --json flag to the list command"
  termloop --model opus "why does TestParse fail?"
  termloop --resume 01J9Z3K4Q8M2V6T0X5N7R1B3C4 "now update the docs"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, flags.resume, prompt, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (default: termloop.yaml in ., $XDG_CONFIG_HOME/termloop or ~/.config/termloop)")
	pf.StringP("provider", "p", "", "model provider (anthropic, openai)")
	pf.StringP("model", "m", "", "model id or alias")
	pf.StringP("workdir", "C", "", "working directory for tools")
	pf.Int("max-rounds", 0, "maximum tool rounds per turn (0 = unlimited)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging on stderr")
	cmd.Flags().StringVarP(&flags.resume, "resume", "r", "", "continue a saved conversation by id")

	cmd.AddCommand(newConfigCommand(flags), newModelsCommand())
	return cmd
}

func newConfigCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	v := config.New(flags.configPath)
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	if flags.verbose {
		v.Set("log.level", "debug")
	}
	return config.Decode(v)
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := stdin.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("a prompt is required")
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("a prompt is required")
	}
	return prompt, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.WarnLevel
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// runAgent runs one turn and saves the conversation afterwards, including
// when the turn fails part way.
func runAgent(ctx context.Context, cfg *config.Config, resume, prompt string, stdout, stderr io.Writer) error {
	logger := newLogger(cfg.Log, stderr)

	client := unifiedllm.NewClientFromEnv(
		unifiedllm.WithDefaultProvider(cfg.LLM.Provider),
		unifiedllm.WithStreamMiddleware(unifiedllm.LoggingStreamMiddleware(logger)),
	)
	defer client.Close()
	if !slices.Contains(client.Providers(), cfg.LLM.Provider) {
		return fmt.Errorf("provider %q is not configured; set its API key in the environment", cfg.LLM.Provider)
	}

	env := agentloop.NewLocalExecutionEnvironment(cfg.Session.WorkDir, cfg.EnvOptions()...)
	if err := env.Initialize(); err != nil {
		return fmt.Errorf("prepare working directory: %w", err)
	}

	registry, err := agentloop.NewCoreToolRegistry(cfg.CoreTools())
	if err != nil {
		return fmt.Errorf("build tools: %w", err)
	}

	model := unifiedllm.ResolveModelID(cfg.LLM.Model)
	sessionCfg := cfg.AgentSession()
	if sessionCfg.MaxTokens == 0 {
		sessionCfg.MaxTokens = unifiedllm.MaxOutputTokens(model, 8192)
	}

	id := resume
	if id == "" {
		id = agentloop.NewConversationID()
	}
	session := agentloop.NewSession(agentloop.ProfileFor(cfg.LLM.Provider, model), env, client, registry, &sessionCfg,
		agentloop.WithLogger(logger), agentloop.WithSessionID(id))
	defer session.Close()

	var store agentloop.TranscriptStore
	if cfg.Transcripts.Enabled {
		store = agentloop.NewFileTranscriptStore(cfg.Transcripts.Dir)
	}
	if resume != "" {
		if store == nil {
			return errors.New("--resume needs transcripts.enabled")
		}
		turns, err := store.Load(resume)
		if err != nil {
			return err
		}
		if err := session.SetHistory(turns); err != nil {
			return err
		}
		logger.Debug().Str("conversation", id).Int("turns", len(turns)).Msg("resumed conversation")
	}

	r := newRenderer(stdout)
	var turnErr error
	for ev, err := range session.RunTurn(ctx, prompt) {
		if err != nil {
			turnErr = err
			break
		}
		r.Render(ev)
	}
	r.Finish()

	if store != nil {
		if err := store.Save(id, session.History()); err != nil {
			logger.Error().Err(err).Str("conversation", id).Msg("save transcript")
		} else {
			fmt.Fprintln(stderr, faintStyle.Render("conversation "+id+" (continue with --resume "+id+")"))
		}
	}
	logger.Debug().Int("tokens", r.Usage().TotalTokens).Int("tool_calls", r.ToolCalls()).Msg("turn finished")
	return turnErr
}
