// Command chattail prints the messages of one order chat as they arrive, polling the API.
//
//	CHATTAIL_TOKEN=<firebase id token> chattail -api https://api.example.com -chat cht_01H...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cuecraft/api/internal/chatpoll"
)

func main() {
	var (
		apiURL   string
		chatID   string
		after    string
		interval time.Duration
		verbose  bool
	)
	flag.StringVar(&apiURL, "api", envOr("CHATTAIL_API_URL", "http://localhost:8080"), "API origin")
	flag.StringVar(&chatID, "chat", "", "chat id to follow")
	flag.StringVar(&after, "after", "", "only print messages after this message id")
	flag.DurationVar(&interval, "interval", 3*time.Second, "pause between polls")
	flag.BoolVar(&verbose, "v", false, "log retries and shutdown")
	flag.Parse()

	logger := newLogger(verbose)
	defer func() { _ = logger.Sync() }()

	token := strings.TrimSpace(os.Getenv("CHATTAIL_TOKEN"))
	if token == "" {
		fmt.Fprintln(os.Stderr, "chattail: CHATTAIL_TOKEN must hold a Firebase ID token")
		os.Exit(2)
	}

	poller, err := chatpoll.New(apiURL, chatID, chatpoll.StaticToken(token),
		chatpoll.WithInterval(interval),
		chatpoll.WithCursor(after),
		chatpoll.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = poller.Run(ctx, func(msg chatpoll.Message) error {
		return printMessage(os.Stdout, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("chattail stopped", zap.Error(err), zap.String("cursor", poller.Cursor()))
		os.Exit(1)
	}
	logger.Info("chattail stopped", zap.String("cursor", poller.Cursor()))
}

func printMessage(w io.Writer, msg chatpoll.Message) error {
	sender := msg.SenderID
	if msg.IsSystemMessage {
		sender = "system"
	}
	line := fmt.Sprintf("%s  %-12s %s", msg.CreatedAt, sender, msg.Content)
	if msg.FileURL != nil {
		line += "  [" + *msg.FileURL + "]"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

// newLogger writes to stderr so stdout carries only chat lines.
func newLogger(verbose bool) *zap.Logger {
	level := zapcore.ErrorLevel
	if verbose {
		level = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
