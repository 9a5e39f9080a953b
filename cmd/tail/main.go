// Command tail subscribes to a notification operation over the realtime
// websocket and prints each event payload as a JSON line. Useful for
// watching a group's traffic during development:
//
//	tail -url ws://localhost:8080/api/ws -op messageAdded -user 2 -groups 1,3
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/open-realtime/chat-stack/pkg/client"
	"github.com/open-realtime/chat-stack/pkg/logging"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/api/ws", "Websocket endpoint")
	op := flag.String("op", "messageAdded", "Operation to subscribe to (messageAdded, groupAdded)")
	userID := flag.Int64("user", 0, "Subscriber user id")
	groups := flag.String("groups", "", "Comma-separated group ids (messageAdded only)")
	level := flag.String("log", "warn", "Log level")
	flag.Parse()

	log := logging.NewLogger(*level)
	slog.SetDefault(log)

	args, err := buildArgs(*op, *userID, *groups)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := client.NewConn(client.WebsocketDialer(*url), log,
		client.WithStatusFunc(func(s client.Status) {
			if s == client.StatusDegraded {
				log.Error("connection degraded, still retrying")
			}
		}))

	// Re-issue the subscription on every (re)connect; ids are
	// connection-scoped so the previous one is gone anyway.
	conn.OnReconnect(func() {
		_, err := conn.Start(*op, args, client.FrameHandler{
			OnData: func(payload json.RawMessage) {
				fmt.Println(string(payload))
			},
			OnError: func(message string) {
				fmt.Fprintf(os.Stderr, "subscription error: %s\n", message)
			},
		})
		if err != nil {
			log.Warn("failed to start subscription", "error", err)
		}
	})

	go func() {
		if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("connection loop exited", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	conn.Close()
}

func buildArgs(op string, userID int64, groups string) (map[string]any, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("-user is required")
	}
	args := map[string]any{"userId": userID}

	switch op {
	case "groupAdded":
		return args, nil
	case "messageAdded":
		if groups == "" {
			return nil, fmt.Errorf("-groups is required for messageAdded")
		}
		ids := make([]int64, 0)
		for _, part := range strings.Split(groups, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid group id %q", part)
			}
			ids = append(ids, id)
		}
		args["groupIds"] = ids
		return args, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}
