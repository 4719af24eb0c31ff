// ABOUTME: Entry point for parley-gateway conversation server
// ABOUTME: Serves conversations over HTTP and offers a small client for poking at one

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/exchange"
	"github.com/2389/parley/internal/gateway"
	"github.com/2389/parley/internal/httpstream"
	"github.com/2389/parley/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _
 _ __   __ _ _ __| | ___ _   _
| '_ \ / _' | '__| |/ _ \ | | |
| |_) | (_| | |  | |  __/ |_| |
| .__/ \__,_|_|  |_|\___|\__, |
|_|                      |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: parley-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve           Start the gateway server")
		fmt.Println("  ask <json>      Ask the gateway one question and print the reply")
		fmt.Println("  health          Check gateway health")
		fmt.Println("  version         Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "ask":
		err = runAsk(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, running on defaults when there is none.
func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	if configPath == "" {
		fmt.Printf("Config:    %s\n", gray.Sprint("(defaults)"))
	} else {
		fmt.Printf("Config:    %s\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, cfg.Server.MountPath)
	green.Print("    ▶ ")
	fmt.Printf("Frames:    %d bytes max\n", cfg.Protocol.MaxFrameBytes)
	fmt.Println()

	logger.Info("starting parley-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"mount_path", cfg.Server.MountPath,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runAsk opens a conversation, asks one question and prints the reply.
func runAsk(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: parley-gateway ask <json>")
	}
	if !json.Valid([]byte(args[0])) {
		return fmt.Errorf("question payload is not valid JSON: %s", args[0])
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}

	registry := conversation.NewRegistry(conversation.RegistryConfig{
		MaxFrameBytes:  cfg.Protocol.MaxFrameBytes,
		ReadChunkBytes: cfg.Protocol.ReadChunkBytes,
	}, logger)
	defer registry.Close()

	dialer := &httpstream.Dialer{
		URL:      fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, cfg.Server.MountPath),
		Registry: registry,
		Logger:   logger,
	}

	answer := make(chan json.RawMessage, 1)
	failure := make(chan error, 2)
	handle, err := dialer.Dial(ctx, func(c *conversation.Conversation) {
		_, err := exchange.Ask(c, json.RawMessage(args[0]), exchange.QuestionEvents{
			Reply: func(p json.RawMessage) { answer <- p },
			Conversing: func(q *exchange.Question) {
				_ = q.Fail(wire.BadRequest("ask expects a single reply"))
				failure <- errors.New("gateway started a multi-turn exchange")
			},
			Error: func(e *wire.ProtocolError) { failure <- e },
		})
		if err != nil {
			failure <- err
		}
	})
	if err != nil {
		return err
	}
	defer handle.Cancel(nil)

	select {
	case p := <-answer:
		fmt.Println(string(p))
		return nil
	case err := <-failure:
		return fmt.Errorf("question failed: %w", err)
	case <-handle.Done():
		return fmt.Errorf("conversation closed: %w", handle.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
