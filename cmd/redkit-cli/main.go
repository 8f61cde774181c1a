package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cenkalti/backoff/v5"

	"github.com/pzhenzhou/redkit/pkg/client"
	"github.com/pzhenzhou/redkit/pkg/command"
	"github.com/pzhenzhou/redkit/pkg/common"
)

var logger = common.InitLogger().WithName("main")

type cliConfig struct {
	common.ClientConfig
	Subscribe  []string `help:"Subscribe to the given channels and stream messages" name:"subscribe" optional:""`
	PSubscribe []string `help:"Subscribe to the given patterns and stream messages" name:"psubscribe" optional:""`
	Command    []string `arg:"" optional:"" help:"Command to run once; an interactive prompt when omitted"`
}

func main() {
	var cfg cliConfig
	kctx := kong.Parse(&cfg)
	if err := cfg.Validate(); err != nil {
		kctx.FatalIfErrorf(err)
	}

	conn, err := dialWithRetry(&cfg.ClientConfig)
	if err != nil {
		logger.Error(err, "Failed to connect", "Addr", cfg.Addr)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	switch {
	case len(cfg.Subscribe) > 0 || len(cfg.PSubscribe) > 0:
		runSubscriber(conn, cfg.Subscribe, cfg.PSubscribe)
	case len(cfg.Command) > 0:
		if !runOnce(conn, cfg.Command) {
			os.Exit(1)
		}
	default:
		runPrompt(conn, cfg.Addr)
	}
}

// dialWithRetry keeps trying until the server answers or the retry window
// is spent.
func dialWithRetry(cfg *common.ClientConfig) (*client.Conn, error) {
	return backoff.Retry(context.Background(), func() (*client.Conn, error) {
		conn, err := client.Dial(cfg.Addr, cfg)
		if err != nil {
			logger.Info("Server not reachable, retrying", "Addr", cfg.Addr)
			return nil, err
		}
		return conn, nil
	}, backoff.WithMaxElapsedTime(30*time.Second))
}

func runOnce(conn *client.Conn, words []string) bool {
	frame, err := command.New(words[0], command.Strs(words[1:]...))
	if err != nil {
		logger.Error(err, "Invalid command")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reply, err := conn.Submit(ctx, frame)
	if err != nil {
		logger.Error(err, "Command failed")
		return false
	}
	fmt.Println(reply.String())
	return !reply.IsError()
}

func runPrompt(conn *client.Conn, addr string) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s> ", addr)
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		words, err := splitLine(scanner.Text())
		if err != nil {
			fmt.Println("(error)", err)
			continue
		}
		if len(words) == 0 {
			continue
		}
		if strings.EqualFold(words[0], "quit") || strings.EqualFold(words[0], "exit") {
			return
		}
		if !runOnce(conn, words) && conn.IsClosed() {
			return
		}
	}
}

func runSubscriber(conn *client.Conn, channels, patterns []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subs := make([]*client.Subscription, 0, 2)
	if len(channels) > 0 {
		sub, err := conn.Subscribe(ctx, channels...)
		if err != nil {
			logger.Error(err, "Subscribe failed", "Channels", channels)
			os.Exit(1)
		}
		subs = append(subs, sub)
	}
	if len(patterns) > 0 {
		sub, err := conn.PSubscribe(ctx, patterns...)
		if err != nil {
			logger.Error(err, "PSubscribe failed", "Patterns", patterns)
			os.Exit(1)
		}
		subs = append(subs, sub)
	}

	merged := make(chan *client.PushMessage)
	for _, sub := range subs {
		go func(s *client.Subscription) {
			for m := range s.Messages() {
				merged <- m
			}
		}(sub)
	}

	signChan := make(chan os.Signal, 1)
	signal.Notify(signChan, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	logger.Info("Listening for messages", "Channels", channels, "Patterns", patterns)
	for {
		select {
		case m := <-merged:
			printPush(m)
		case sig := <-signChan:
			logger.Info("Received signal, shutting down...", "Sigs", sig)
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			for _, sub := range subs {
				if err := sub.Unsubscribe(shutdownCtx); err != nil && !errors.Is(err, client.ErrConnClosed) {
					logger.Error(err, "Unsubscribe failed")
				}
			}
			cancelShutdown()
			return
		}
	}
}

func printPush(m *client.PushMessage) {
	switch m.Kind {
	case "message":
		fmt.Printf("[%s] %s\n", m.Channel, m.Payload.String())
	case "pmessage":
		fmt.Printf("[%s -> %s] %s\n", m.Pattern, m.Channel, m.Payload.String())
	default:
		fmt.Printf("(%s) %s\n", m.Kind, m.Channel)
	}
}

// splitLine splits a prompt line into words, honoring double quotes.
func splitLine(line string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			if inQuote {
				words = append(words, cur.String())
				cur.Reset()
			}
			inQuote = !inQuote
		case ch == ' ' && !inQuote:
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words, nil
}
