// ABOUTME: Minimal fake agent for E2E testing — connects over WebSocket, accepts every offer, echoes messages.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8090/ws/agent] [-token TOKEN] [-name "Echo Agent"]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/2389/deskrouter/internal/client"
	"github.com/2389/deskrouter/internal/config"
	"github.com/2389/deskrouter/internal/session"
)

func main() {
	url := flag.String("url", "ws://localhost:8090/ws/agent", "router WebSocket URL")
	token := flag.String("token", os.Getenv("DESKROUTER_TOKEN"), "agent bearer token")
	name := flag.String("name", "Echo Agent", "agent display name")
	agentID := flag.String("id", "e2e-echo-agent", "agent ID")
	flag.Parse()

	if *token == "" {
		log.Fatal("a token is required (-token or DESKROUTER_TOKEN); mint one with `deskrouter token`")
	}

	if err := run(*url, *token, *name, *agentID); err != nil {
		log.Fatal(err)
	}
}

func run(url, token, name, agentID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := config.Default().Client
	cfg.URL = url

	c := client.New(cfg, nil, nil)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Close()

	if err := c.Authenticate(ctx, token, session.AgentProfile{
		ID:           agentID,
		Name:         name,
		Capabilities: []string{"chat", "echo"},
	}); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	fmt.Fprintf(os.Stderr, "authenticated as %s\n", agentID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			handleEvent(ctx, c, ev)
		}
	}
}

func handleEvent(ctx context.Context, c *client.Client, ev client.Event) {
	switch ev.Kind {
	case client.EventAgentAssigned:
		var offer session.AssignmentOffer
		if err := json.Unmarshal(ev.Data, &offer); err != nil {
			log.Printf("bad offer payload: %v", err)
			return
		}
		log.Printf("offer %s for session %s (%s)", offer.QueueID, offer.SessionID, offer.Priority)
		if err := c.AcceptChat(ctx, offer.QueueID); err != nil {
			log.Printf("accept error: %v", err)
			return
		}
		if err := c.SendMessage(ctx, offer.SessionID, "Hello! You have reached the echo agent.", ""); err != nil {
			log.Printf("greeting error: %v", err)
		}

	case client.EventMessageReceived:
		var msg session.ChatMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		log.Printf("received message [%s]: %s", msg.SessionID, msg.Content)
		reply := fmt.Sprintf("Echo: %s", msg.Content)
		if err := c.SendMessage(ctx, msg.SessionID, reply, msg.ID); err != nil {
			log.Printf("send error: %v", err)
		}

	case client.EventSessionEnded:
		log.Printf("session ended")

	case client.EventSystemNotification:
		log.Printf("notification: %s", string(ev.Data))
	}
}
