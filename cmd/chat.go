package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/M3kH/gigi/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		gatewayURL     string
		token          string
		conversationID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the workspace from the terminal",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runChat(gatewayURL, token, conversationID); err != nil {
				fmt.Fprintln(os.Stderr, "chat:", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "url", "ws://127.0.0.1:8788/ws", "gateway websocket URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("GIGI_GATEWAY_TOKEN"), "gateway token")
	cmd.Flags().StringVar(&conversationID, "thread", "", "resume an existing thread id")
	return cmd
}

func runChat(url, token, conversationID string) error {
	ctx := context.Background()
	if token != "" {
		url += "?token=" + token
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 20)

	threadID := conversationID
	if threadID != "" {
		if err := wsSend(ctx, conn, protocol.ClientChatResume, &protocol.ChatResume{ConversationID: threadID}); err != nil {
			return err
		}
	}

	// Reader: render server frames as they arrive.
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, "\nconnection closed:", err)
				os.Exit(0)
			}
			var msg protocol.ServerMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			renderFrame(&msg, &threadID)
		}
	}()

	fmt.Println("connected — type a message, /stop to cancel, /quit to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/stop":
			if threadID == "" {
				fmt.Println("no thread yet")
				continue
			}
			if err := wsSend(ctx, conn, protocol.ClientChatStop, &protocol.ChatStop{ConversationID: threadID}); err != nil {
				return err
			}
		default:
			msg := &protocol.ChatSend{ConversationID: threadID, Message: line}
			if err := wsSend(ctx, conn, protocol.ClientChatSend, msg); err != nil {
				return err
			}
		}
	}
}

func wsSend(ctx context.Context, conn *websocket.Conn, msgType string, payload any) error {
	data, err := protocol.EncodeClient(msgType, payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func renderFrame(msg *protocol.ServerMessage, threadID *string) {
	if *threadID == "" && msg.ConversationID != "" {
		*threadID = msg.ConversationID
	}

	payload := func(v any) bool {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return false
		}
		return json.Unmarshal(raw, v) == nil
	}

	switch msg.Type {
	case protocol.ServerTextChunk:
		var p protocol.TextChunkPayload
		if payload(&p) {
			fmt.Print(p.Content)
		}
	case protocol.ServerToolUse:
		var p protocol.ToolUsePayload
		if payload(&p) {
			fmt.Printf("\n[tool] %s…\n", p.Name)
		}
	case protocol.ServerToolResult:
		var p protocol.ToolResultPayload
		if payload(&p) && p.IsError {
			fmt.Printf("[tool] %s failed\n", p.Name)
		}
	case protocol.ServerAskUser:
		var p protocol.AskUserPayload
		if payload(&p) {
			fmt.Printf("\n❓ %s\n", p.Question)
			if len(p.Options) > 0 {
				fmt.Println("   options:", strings.Join(p.Options, " | "))
			}
		}
	case protocol.ServerAgentDone:
		var p protocol.AgentDonePayload
		if payload(&p) && p.Usage != nil {
			fmt.Printf("\n— done ($%.4f)\n", p.Usage.CostUSD)
		} else {
			fmt.Println("\n— done")
		}
	case protocol.ServerAgentError:
		var p protocol.AgentErrorPayload
		if payload(&p) {
			fmt.Println("\n❌", p.Reason)
		}
	case protocol.ServerAgentStopped:
		fmt.Println("\n⏹ stopped")
	case protocol.ServerError:
		var p protocol.ErrorPayload
		if payload(&p) {
			fmt.Printf("\n⚠️ %s: %s\n", p.Kind, p.Message)
		}
	}
}
