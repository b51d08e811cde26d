// Binary opal is a line-delimited JSON-RPC 2.0 agent server on stdio.
// Clients write one request per line on stdin and read responses and
// agent/event notifications on stdout; all logging goes to stderr.
//
// Usage:
//
//	opal [flags]
//
// Flags:
//
//	-config    path to YAML config file (default: opal.yaml; missing is fine)
//	-cwd       default working directory for new sessions
//	-data-dir  override the data directory ($OPAL_DATA_DIR, else ~/.opal)
//	-verbose   enable debug logging on stderr
//	-version   print version and exit
//
// Exit codes: 0 clean shutdown, 1 fatal initialization error, 2 transport
// failure on the stdio stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opal-dev/opal/pkg/agent"
	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/models"
	"github.com/opal-dev/opal/pkg/ai/providers/anthropic"
	"github.com/opal-dev/opal/pkg/ai/providers/bedrock"
	"github.com/opal-dev/opal/pkg/ai/providers/openai"
	"github.com/opal-dev/opal/pkg/rpc"
	"github.com/opal-dev/opal/pkg/store"
	"github.com/opal-dev/opal/pkg/tools"
	"github.com/opal-dev/opal/pkg/tools/builtin"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "opal.yaml", "path to YAML config file")
	cwdFlag := flag.String("cwd", "", "default working directory for sessions")
	dataDir := flag.String("data-dir", "", "override the data directory")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("opal " + version)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := agent.LoadFileConfig(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fatalf(logger, "config: %v", err)
		}
		cfg = nil
	}

	root := *dataDir
	if root == "" {
		root = store.DefaultDataDir()
	}
	st, err := store.Open(root)
	if err != nil {
		fatalf(logger, "data dir: %v", err)
	}

	cwd := *cwdFlag
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			fatalf(logger, "working directory: %v", err)
		}
	}

	registry := tools.NewRegistry()
	builtin.Register(registry, cwd)

	sup := agent.NewSupervisor(registry, st, logger)

	nodeName, _ := os.Hostname()

	srv := rpc.NewServer(rpc.Options{
		Supervisor:   sup,
		Resolver:     buildResolver(cfg, st),
		Store:        st,
		Config:       cfg,
		ConfigPath:   *configPath,
		DefaultModel: defaultModel(cfg, st),
		WorkingDir:   cwd,
		NodeName:     nodeName,
		Version:      version,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opal started", "version", version, "data_dir", st.Root(), "cwd", cwd)

	serveErr := srv.Serve(ctx, os.Stdin, os.Stdout)
	sup.CloseAll()

	if serveErr != nil && ctx.Err() == nil {
		logger.Error("transport failed", "err", serveErr)
		os.Exit(2)
	}
	logger.Info("opal stopped")
}

func fatalf(logger *slog.Logger, format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// buildResolver constructs providers on demand for the RPC layer. The config
// file only pins credentials for its own provider; everything else falls back
// to environment variables and the stored auth.json.
func buildResolver(cfg *agent.FileConfig, st *store.Store) rpc.ProviderResolver {
	return func(name string) (ai.Provider, error) {
		baseURL := ""
		if cfg != nil && cfg.Provider == name {
			baseURL = cfg.BaseURL
		}

		switch name {
		case "anthropic":
			return anthropic.New(baseURL, apiKey(cfg, st, name)), nil

		case "openai":
			return openai.New("openai", baseURL, apiKey(cfg, st, name)), nil

		case "groq":
			if baseURL == "" {
				baseURL = "https://api.groq.com/openai/v1"
			}
			return openai.New("groq", baseURL, apiKey(cfg, st, name)), nil

		case "openrouter":
			if baseURL == "" {
				baseURL = "https://openrouter.ai/api/v1"
			}
			return openai.New("openrouter", baseURL, apiKey(cfg, st, name)), nil

		case "bedrock":
			var region, profile string
			if cfg != nil {
				region, profile = cfg.Region, cfg.Profile
			}
			return bedrock.New(region, profile), nil

		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
}

// apiKey resolves a credential: config file first, then the conventional
// environment variable, then the stored auth.json entry.
func apiKey(cfg *agent.FileConfig, st *store.Store, provider string) string {
	if cfg != nil && cfg.Provider == provider && cfg.APIKey != "" {
		return cfg.APIKey
	}
	if env := envKey(provider); env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if auth, err := st.LoadAuth(); err == nil {
		if entry, ok := auth[provider]; ok && entry.APIKey != "" {
			return entry.APIKey
		}
	}
	return ""
}

func envKey(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// defaultModel picks the model used when neither the request nor settings.json
// name one: config file first, then a registry fallback.
func defaultModel(cfg *agent.FileConfig, st *store.Store) ai.Model {
	if cfg != nil && cfg.Model != "" {
		m := ai.ParseModel(cfg.Model)
		if m.Provider == "" {
			if cfg.Provider != "" {
				m.Provider = cfg.Provider
			} else if info := models.Lookup(m.ID); info != nil {
				m.Provider = info.Provider
			}
		}
		m.ContextWindow = models.ContextWindowFor(m.ID, cfg.ContextWindow)
		return m
	}
	if settings, err := st.LoadSettings(); err == nil && settings.DefaultModel != "" {
		m := ai.ParseModel(settings.DefaultModel)
		m.ContextWindow = models.ContextWindowFor(m.ID, 0)
		return m
	}
	info := models.Lookup("claude-sonnet-4-5")
	if info == nil {
		return ai.Model{}
	}
	return info.Descriptor()
}
