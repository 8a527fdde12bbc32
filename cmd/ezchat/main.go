// Command ezchat is a terminal chat participant. It joins one room on a
// signaling server, talks to other participants directly where it can, and
// falls back to server relay where it cannot.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ezchat/ezchat/internal/client"
	"github.com/ezchat/ezchat/internal/config"
	"github.com/ezchat/ezchat/internal/metrics"
	"github.com/ezchat/ezchat/internal/peer"
	"github.com/ezchat/ezchat/internal/protocol"
	"github.com/ezchat/ezchat/internal/store"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeKV()

	stdin := bufio.NewScanner(os.Stdin)

	identity, err := store.LoadIdentity(ctx, kv)
	if err != nil {
		return fmt.Errorf("loading saved identity: %w", err)
	}
	username, err := resolve(stdin, cfg.Username, identity.Username, "Username")
	if err != nil {
		return err
	}
	room, err := resolve(stdin, cfg.Room, identity.Room, "Room")
	if err != nil {
		room = "default-room"
	}
	err = store.SaveIdentity(ctx, kv, store.Identity{Username: username, Room: room})
	if err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}

	c, err := client.Connect(ctx, client.Config{
		ServerAddr: cfg.ServerAddr,
		Room:       room,
		Username:   username,
		KV:         kv,
		OnDisplay:  printMessage,
		OnStatusChange: func(st peer.Status) {
			fmt.Printf("* %d peer(s), %d direct channel(s) open\n", len(st.Participants), st.OpenChannels)
		},
		Logger:  logger,
		Metrics: metrics.New(),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	history, err := c.History(ctx)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	for _, msg := range history {
		printMessage(msg)
	}
	fmt.Printf("* joined %q as %q (/quit to leave, /clear to erase history, /status for peers)\n", room, username)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for stdin.Scan() {
			lines <- stdin.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleLine(ctx, c, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			if done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, line string) (done bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/clear":
		if err := c.ClearHistory(ctx); err != nil {
			return false, fmt.Errorf("clearing history: %w", err)
		}
		fmt.Println("* history cleared")
		return false, nil
	case line == "/status":
		st := c.Status()
		for _, name := range st.Participants {
			fmt.Printf("* %s: %s\n", name, st.Links[name])
		}
		if len(st.Participants) == 0 {
			fmt.Println("* nobody else here")
		}
		return false, nil
	default:
		return false, c.Send(ctx, line, nil)
	}
}

// openKV picks Redis when configured and falls back to in-process storage,
// which keeps history only for this run.
func openKV(ctx context.Context, cfg config.Config) (store.KV, func(), error) {
	if cfg.RedisAddr == "" {
		return store.NewMemoryKV(), func() {}, nil
	}
	rkv, err := store.NewRedisKV(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return rkv, func() { _ = rkv.Close() }, nil
}

// resolve picks the first non-empty of flag value and saved value, prompting
// on the terminal as a last resort.
func resolve(stdin *bufio.Scanner, flagVal, savedVal, label string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if savedVal != "" {
		return savedVal, nil
	}
	fmt.Printf("%s: ", label)
	if !stdin.Scan() {
		return "", fmt.Errorf("%s is required", strings.ToLower(label))
	}
	val := strings.TrimSpace(stdin.Text())
	if val == "" {
		return "", fmt.Errorf("%s is required", strings.ToLower(label))
	}
	return val, nil
}

func printMessage(msg protocol.Message) {
	when := msg.Timestamp
	if t, err := time.Parse(protocol.TimestampLayout, msg.Timestamp); err == nil {
		when = t.Local().Format("15:04:05")
	}
	line := fmt.Sprintf("[%s] %s: %s", when, msg.Sender, msg.Content)
	if n := len(msg.Attachments); n > 0 {
		line += fmt.Sprintf(" (+%d attachment(s))", n)
	}
	fmt.Println(line)
}
