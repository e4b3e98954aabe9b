// ABOUTME: Demo agent for exercising a pulse-mesh cluster end to end.
// ABOUTME: Usage: pulse-agent -role interface|analysis|vision [-addr localhost:7101]

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/pulse-mesh/internal/client"
	"github.com/2389/pulse-mesh/internal/protocol"
)

// Clinical monitoring topics shared by the demo agents.
const (
	topicUserMessages   = "user_messages"
	topicAnalysis       = "analysis_agent"
	topicAnalysisReply  = "analysis_response"
	topicCameraRequests = "camera_requests"
	topicCameraReply    = "camera_response"
)

func main() {
	addr := flag.String("addr", "localhost:7101", "coordinator agent listener address")
	role := flag.String("role", "interface", "agent role: interface, analysis, or vision")
	agentID := flag.String("id", "", "agent id (defaults to a role-derived name)")
	token := flag.String("token", os.Getenv("PULSE_TOKEN"), "cluster auth token")
	secret := flag.String("secret", os.Getenv("PULSE_SECRET"), "cluster secret for frame encryption")
	heartbeat := flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
	flag.Parse()

	if *agentID == "" {
		*agentID = fmt.Sprintf("%s-agent", *role)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(ctx, *addr, *role, *agentID, *token, *secret, *heartbeat, logger); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, role, agentID, token, secret string, heartbeat time.Duration, logger *slog.Logger) error {
	cfg := client.Config{
		Addr:              addr,
		Token:             token,
		AgentID:           agentID,
		HeartbeatInterval: heartbeat,
		Logger:            logger,
	}
	if secret != "" {
		cfg.Secret = []byte(secret)
	}

	var topics []string
	switch role {
	case "interface":
		cfg.Role = protocol.RoleInterface
		cfg.Capabilities = []string{"notify_user"}
		topics = []string{topicAnalysisReply, topicCameraReply, protocol.TopicMembership}
	case "analysis":
		cfg.Role = protocol.RoleAnalysis
		cfg.Capabilities = []string{"analyze_vitals"}
		topics = []string{topicUserMessages, topicAnalysis}
	case "vision":
		cfg.Role = protocol.RoleVision
		cfg.Capabilities = []string{"capture_frame"}
		topics = []string{topicCameraRequests}
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cfg.OnPublish = func(topic string, env *protocol.Envelope) {
		if topic == protocol.TopicMembership {
			var event protocol.MembershipEvent
			if err := json.Unmarshal(env.Payload, &event); err == nil {
				yellow.Printf("[membership] %s is %s\n", event.AgentID, event.Status)
			}
			return
		}
		cyan.Printf("[%s] %s: %s\n", topic, env.Sender, string(env.Payload))
	}
	cfg.OnDirect = func(env *protocol.Envelope) {
		green.Printf("[direct] %s: %s\n", env.Sender, string(env.Payload))
	}
	cfg.OnToolCall = func(ctx context.Context, env *protocol.Envelope) (json.RawMessage, *protocol.ErrorInfo) {
		switch env.Capability {
		case "analyze_vitals":
			return json.RawMessage(fmt.Sprintf(`{"assessment":"vitals nominal","input":%s}`, string(env.Payload))), nil
		case "capture_frame":
			return json.RawMessage(`{"frame":"(simulated camera frame)"}`), nil
		case "notify_user":
			yellow.Printf("[notify] %s\n", string(env.Payload))
			return json.RawMessage(`{"delivered":true}`), nil
		default:
			return nil, &protocol.ErrorInfo{
				Code:    protocol.CodeBadRequest,
				Message: fmt.Sprintf("unknown capability %s", env.Capability),
			}
		}
	}

	rt, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, topic := range topics {
		if err := rt.Subscribe(topic); err != nil {
			return err
		}
	}

	// The interface role reads stdin and publishes lines as user messages.
	if role == "interface" {
		go readAndPublish(ctx, rt, green)
	}

	green.Printf("● %s connecting to %s as %s\n", agentID, addr, role)
	return rt.Run(ctx)
}

// readAndPublish publishes each stdin line on the user messages topic.
// "/ask <agent> <text>" invokes analyze_vitals on the named agent instead.
func readAndPublish(ctx context.Context, rt *client.Runtime, out *color.Color) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if target, ok := strings.CutPrefix(line, "/ask "); ok {
			parts := strings.SplitN(target, " ", 2)
			if len(parts) != 2 {
				out.Println("usage: /ask <agent-id> <text>")
				continue
			}
			payload, _ := json.Marshal(map[string]string{"text": parts[1]})
			result, err := rt.Invoke(ctx, parts[0], "analyze_vitals", payload, 15*time.Second)
			if err != nil {
				out.Printf("invoke failed: %v\n", err)
				continue
			}
			out.Printf("result: %s\n", string(result))
			continue
		}

		payload, _ := json.Marshal(map[string]string{"text": line})
		if err := rt.Publish(topicUserMessages, payload); err != nil {
			out.Printf("publish failed: %v\n", err)
		}
	}
}
