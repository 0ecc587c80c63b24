package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"chatrelay/internal/adapter/client"
	"chatrelay/internal/adapter/history"
	"chatrelay/internal/adapter/tui"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/logger"
)

func openHistory(cfg *config.Config) (*history.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Client.HistoryPath), 0o700); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	return history.NewSQLiteStore(cfg.Client.HistoryPath)
}

func newRenderer(cfg config.ClientConfig) client.Renderer {
	if cfg.Render == "markdown" {
		if r, err := client.NewMarkdownRenderer(os.Stdout, 0); err == nil {
			return r
		}
	}
	return client.NewPlainRenderer(os.Stdout)
}

func runChat() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	providerName := cfg.Client.Provider
	if p := flagValue("--provider"); p != "" {
		providerName = p
	}

	consumer := client.New(client.Options{
		RelayURL:       cfg.Client.RelayURL,
		Provider:       providerName,
		ConversationID: cfg.Client.ConversationID,
		MaxAttempts:    cfg.Client.MaxAttempts,
		BaseDelay:      cfg.Client.BaseDelay,
		MaxDelay:       cfg.Client.MaxDelay,
		IdleTimeout:    cfg.Client.IdleTimeout,
		History:        store,
		Renderer:       newRenderer(cfg.Client),
		Logger:         logger.Component(log, "client"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prompt := color.New(color.FgCyan, color.Bold)
	fmt.Println("chatrelay chat. /clear resets the conversation, /exit quits.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		prompt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			if err := store.Clear(consumer.ConversationID()); err != nil {
				color.Red("clear history: %v", err)
			} else {
				color.Green("conversation cleared")
			}
			continue
		}

		_, err := consumer.Send(ctx, line, "")
		var relayErr *client.RelayError
		switch {
		case err == nil:
		case errors.As(err, &relayErr):
			color.Red("error: %s", relayErr.Message)
		case errors.Is(err, context.Canceled):
			return nil
		default:
			color.Red("error: %v", err)
		}
	}
}

func runHistory() error {
	args := positional()
	if len(args) != 1 || (args[0] != "show" && args[0] != "clear") {
		return fmt.Errorf("usage: chatrelay history <show|clear>")
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id := cfg.Client.ConversationID
	if args[0] == "clear" {
		if err := store.Clear(id); err != nil {
			return err
		}
		fmt.Printf("cleared conversation %q\n", id)
		return nil
	}

	turns, err := store.Load(id)
	if err != nil {
		return err
	}
	for _, t := range turns {
		role := color.New(color.FgYellow).Sprint(t.Role)
		if t.Role == "user" {
			role = color.New(color.FgCyan).Sprint(t.Role)
		}
		fmt.Printf("%s: %s\n\n", role, t.Content)
	}
	return nil
}

func runTUI() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// The terminal belongs to the UI; keep logs off stderr.
	switch cfg.Logger.Output {
	case "", "stderr", "stdout":
		cfg.Logger.Output = filepath.Join(filepath.Dir(cfg.Client.HistoryPath), "chatrelay.log")
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	providerName := cfg.Client.Provider
	if p := flagValue("--provider"); p != "" {
		providerName = p
	}

	bridge := tui.NewBridge()
	consumer := client.New(client.Options{
		RelayURL:       cfg.Client.RelayURL,
		Provider:       providerName,
		ConversationID: cfg.Client.ConversationID,
		MaxAttempts:    cfg.Client.MaxAttempts,
		BaseDelay:      cfg.Client.BaseDelay,
		MaxDelay:       cfg.Client.MaxDelay,
		IdleTimeout:    cfg.Client.IdleTimeout,
		History:        store,
		Renderer:       bridge,
		Logger:         logger.Component(log, "client"),
	})

	turns, err := store.Load(consumer.ConversationID())
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	return tui.Run(ctx, tui.Deps{
		Send: func(ctx context.Context, message string) error {
			_, err := consumer.Send(ctx, message, "")
			return err
		},
		Clear:    func() error { return store.Clear(consumer.ConversationID()) },
		Bridge:   bridge,
		History:  turns,
		Provider: providerName,
	})
}
