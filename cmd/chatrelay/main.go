package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"chatrelay/internal/adapter/gateway"
	"chatrelay/internal/adapter/provider"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/logger"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/usecase/eventbus"
	"chatrelay/internal/usecase/relay"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "serve"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "chat":
		err = runChat()
	case "tui":
		err = runTUI()
	case "history":
		err = runHistory()
	case "encrypt":
		err = runEncrypt()
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatrelay --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chatrelay - streaming relay for hosted chat models

USAGE:
    chatrelay [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the relay server (default)
    chat        Interactive chat against a running relay
    tui         Full-screen chat against a running relay
    history     Manage the local transcript
                Subcommands: show, clear
    encrypt     Encrypt a secret for use in config.yaml
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)
    --provider NAME    Provider to chat with (chat only)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CHATRELAY_* variables override config; a .env file is loaded if present
    Secrets:     values prefixed "enc:" are decrypted with CHATRELAY_CONFIG_KEY

EXAMPLES:
    chatrelay serve
    chatrelay chat --provider claude
    chatrelay history clear
    CHATRELAY_CONFIG_KEY=... chatrelay encrypt sk-...`)
}

func configPath() string {
	if p := flagValue("--config"); p != "" {
		return p
	}
	if p := os.Getenv("CHATRELAY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// flagValue returns the value of a "--name value" or "--name=value" flag.
func flagValue(name string) string {
	for i, arg := range os.Args {
		if arg == name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return ""
}

// positional returns the arguments after the subcommand that are not flags.
func positional() []string {
	var out []string
	for i := 2; i < len(os.Args); i++ {
		arg := os.Args[i]
		if strings.HasPrefix(arg, "--") {
			if !strings.Contains(arg, "=") {
				i++
			}
			continue
		}
		out = append(out, arg)
	}
	return out
}

func runServe() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracerShutdown(shutdownCtx)
	}()

	// 3. Providers
	registry, transport, breakers, err := provider.Build(cfg.LLM, logger.Component(log, "provider"))
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	// 4. Event bus
	bus := eventbus.New(logger.Component(log, "eventbus"))
	defer bus.Close()
	stats := eventbus.NewStats(bus)
	defer stats.Stop()

	// 5. Relay
	svc := relay.NewService(relay.ServiceDeps{
		Adapters:        registry,
		Settings:        config.NewSettings(cfg),
		Transport:       transport,
		Bus:             bus,
		QueueSize:       cfg.Relay.QueueSize,
		PollInterval:    cfg.Relay.PollInterval,
		MaxPollAttempts: cfg.Relay.MaxPollAttempts,
		Logger:          logger.Component(log, "relay"),
	})

	// 6. Gateway
	srv := gateway.NewServer(gateway.ServerDeps{
		Relay:           svc,
		Providers:       registry,
		DefaultProvider: cfg.LLM.DefaultProvider,
		Breakers:        breakers,
		Stats:           stats,
		Config:          cfg.Gateway,
		Logger:          logger.Component(log, "gateway"),
	})

	log.Info("chatrelay starting",
		"addr", cfg.Gateway.Addr,
		"default_provider", cfg.LLM.DefaultProvider,
		"providers", len(registry.List()),
		"circuit_breaker", cfg.LLM.CircuitBreaker.Enabled,
	)
	return srv.Start(ctx)
}

func runEncrypt() error {
	args := positional()
	if len(args) != 1 {
		return fmt.Errorf("usage: chatrelay encrypt <secret>")
	}
	passphrase := os.Getenv("CHATRELAY_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CHATRELAY_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
