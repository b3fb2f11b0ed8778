package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aplex/internal/assistant"
	"aplex/internal/bus"
	"aplex/internal/channel"
	"aplex/internal/config"
	"aplex/internal/domain"
	"aplex/internal/generate"
	"aplex/internal/identity"
	"aplex/internal/intent"
	"aplex/internal/session"
	"aplex/internal/speech"
	"aplex/internal/storage"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "aplex",
		Short: "A-Plex AI: personal conversational assistant",
		Long:  "A-Plex AI is a Gemini-backed assistant with streaming chat, image generation, and spoken replies.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.aplex/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI)",
		RunE:  runChat,
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket channel",
		RunE:  runServe,
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("aplex", version)
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
		cfg.User.ID = "local"
		cfg.Storage.DBPath = config.ExpandPath(cfg.Storage.DBPath)
	}

	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return cfg
}

// app bundles everything a channel command needs.
type app struct {
	cfg  *config.Config
	bus  *bus.InMemoryBus
	core *assistant.Orchestrator
	repo domain.SessionRepository
	sess *session.Store
}

func (a *app) close() {
	a.core.Close()
	a.bus.Close()
	_ = a.repo.Close()
}

func buildApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(config.DefaultConfigDir(), 0o755); err != nil {
		return nil, err
	}

	repo, err := storage.NewSQLiteRepository(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open session storage: %w", err)
	}

	classifier, err := intent.NewClassifier()
	if err != nil {
		return nil, err
	}

	messageBus := bus.New(100, logger)
	store := session.NewStore(logger)

	generator := generate.NewGemini(generate.GeminiConfig{
		APIKey:     cfg.Gemini.APIKey,
		APIBase:    cfg.Gemini.APIBase,
		ChatModel:  cfg.Gemini.ChatModel,
		ImageModel: cfg.Gemini.ImageModel,
		Logger:     logger,
	})

	coordinator := speech.NewCoordinator(speech.CoordinatorConfig{
		Synthesizer: buildSynthesizer(cfg),
		Player:      buildPlayer(cfg),
		Voice:       cfg.Speech.Voice,
		Logger:      logger,
		OnState: func(speaking bool) {
			messageBus.Emit(domain.UIEvent{Type: domain.UISpeaking, Content: fmt.Sprintf("%t", speaking)})
		},
	})

	core := assistant.New(assistant.Config{
		Store:     store,
		Repo:      repo,
		Generator: generator,
		Speech:    coordinator,
		Intent:    classifier,
		Bus:       messageBus,
		Identity:  identity.Static{ID: cfg.User.ID, DisplayName: cfg.User.DisplayName},
		Logger:    logger,
	})

	return &app{cfg: cfg, bus: messageBus, core: core, repo: repo, sess: store}, nil
}

func buildSynthesizer(cfg *config.Config) domain.Synthesizer {
	return generate.NewTTS(generate.TTSConfig{
		APIBase: cfg.Speech.TTSBase,
		APIKey:  cfg.Speech.TTSAPIKey,
		Model:   cfg.Speech.TTSModel,
		Logger:  logger,
	})
}

func buildPlayer(cfg *config.Config) speech.Player {
	if !cfg.Speech.Enabled {
		return speech.NullPlayer{}
	}
	player, err := speech.NewExecPlayer()
	if err != nil {
		logger.Warn("speech disabled", "err", err)
		return speech.NullPlayer{}
	}
	return player
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.core.Bootstrap(ctx); err != nil {
		return err
	}
	go a.core.Run(ctx)

	cliCh := channel.NewCLI(channel.CLIConfig{
		Logger:   logger,
		Stop:     a.core.Stop,
		Sessions: a.sess.List,
		Export:   a.core.ExportTranscript,
	})
	return cliCh.Start(ctx, a.bus)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.core.Bootstrap(ctx); err != nil {
		return err
	}
	go a.core.Run(ctx)

	// Voice capture: transcribed segments accumulate until the trailing
	// silence window elapses, then the transcript is sent as a message.
	recognizer := speech.NewRecognizer(speech.RecognizerConfig{
		Transcriber: generate.NewWhisper(generate.WhisperConfig{
			APIBase: cfg.Speech.WhisperBase,
			APIKey:  cfg.Speech.WhisperAPIKey,
			Model:   cfg.Speech.WhisperModel,
			Logger:  logger,
		}),
		Silence: time.Duration(cfg.Speech.SilenceSeconds) * time.Second,
		Logger:  logger,
		OnInterim: func(text string) {
			a.bus.Emit(domain.UIEvent{Type: domain.UITranscript, Channel: "web", Content: text})
		},
		OnFinal: func(text string) {
			a.bus.Publish(domain.UserAction{
				Type:    domain.ActionSend,
				Channel: "web",
				Text:    text,
				Voice:   true,
			})
		},
	})

	webCh := channel.NewWeb(channel.WebChannelConfig{
		Host:       cfg.Channels.Web.Host,
		Port:       cfg.Channels.Web.Port,
		Logger:     logger,
		Stop:       a.core.Stop,
		Sessions:   a.sess.List,
		Recognizer: recognizer,
	})
	return webCh.Start(ctx, a.bus)
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.core.Bootstrap(ctx); err != nil {
				return err
			}
			for _, s := range a.sess.List() {
				kind := "chat"
				if s.Kind == domain.SessionGroup {
					kind = "group"
				}
				fmt.Printf("%s  [%s]  %s  (%d messages)\n", s.ID, kind, s.Title, len(s.Messages))
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var toStdout bool
	cmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Export a session transcript to a text file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.core.Bootstrap(ctx); err != nil {
				return err
			}

			sid := ""
			if len(args) == 1 {
				sid = args[0]
			}
			transcript, ok := a.core.ExportTranscript(sid)
			if !ok {
				return fmt.Errorf("no such session")
			}
			if toStdout {
				fmt.Println(transcript)
				return nil
			}

			name := transcriptFilename(a, sid)
			if err := os.WriteFile(name, []byte(transcript), 0o644); err != nil {
				return fmt.Errorf("write transcript: %w", err)
			}
			logger.Info("transcript exported", "file", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "print to stdout instead of writing a file")
	return cmd
}

// transcriptFilename derives "<Title_with_underscores>_chat.txt" for the
// exported session.
func transcriptFilename(a *app, sid string) string {
	if sid == "" {
		sid, _ = a.sess.CurrentID()
	}
	title := "session"
	if sess, ok := a.sess.Get(sid); ok && sess.Title != "" {
		title = sess.Title
	}
	return strings.ReplaceAll(title, " ", "_") + "_chat.txt"
}
