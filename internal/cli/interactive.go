package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

// InteractiveCLI handles interactive command-line interface
type InteractiveCLI struct {
	handler *CommandHandler
	reader  *bufio.Reader
	writer  io.Writer
}

// NewInteractiveCLI creates a new interactive CLI
func NewInteractiveCLI(handler *CommandHandler) *InteractiveCLI {
	return NewInteractiveCLIWithIO(handler, os.Stdin, os.Stdout)
}

func NewInteractiveCLIWithIO(handler *CommandHandler, r io.Reader, w io.Writer) *InteractiveCLI {
	return &InteractiveCLI{
		handler: handler,
		reader:  bufio.NewReader(r),
		writer:  w,
	}
}

// Run starts the interactive CLI loop
func (cli *InteractiveCLI) Run(ctx context.Context) error {
	cli.printWelcome()

	// Subscribe to events in background
	eventChan := cli.handler.SubscribeEvents([]domain.EventType{
		domain.EventTypeMessageUpserted,
		domain.EventTypeMessageFailed,
		domain.EventTypeChatUpdated,
		domain.EventTypeTypingChanged,
		domain.EventTypeConnectionStatus,
		domain.EventTypeFetchFailed,
	})
	defer cli.handler.UnsubscribeEvents(eventChan)

	go cli.handleEvents(eventChan)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			cli.print("\n> ")
			line, err := cli.reader.ReadString('\n')
			if err != nil && line == "" {
				if err == io.EOF {
					return nil
				}
				return err
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if err := cli.processCommand(ctx, line); err != nil {
				if err.Error() == "quit" {
					cli.println("Goodbye!")
					return nil
				}
				cli.printf("Error: %s\n", err)
			}
		}
	}
}

func (cli *InteractiveCLI) printWelcome() {
	cli.println("===========================================")
	cli.println("  Craftworks Chat CLI")
	cli.println("===========================================")
	cli.println("Type /help for available commands")
	cli.println("")

	// Show current status
	status, _ := cli.handler.cmdStatus()
	if s, ok := status.(ConnectionStatus); ok {
		cli.printf("Status: %s\n", s.Status)
	}
}

func (cli *InteractiveCLI) processCommand(ctx context.Context, input string) error {
	// Plain text goes to the open conversation
	if !strings.HasPrefix(input, "/") {
		input = "/send " + input
	}

	cmd, err := ParseCommand(input)
	if err != nil {
		return err
	}

	result, err := cli.handler.Execute(ctx, cmd)
	if err != nil {
		return err
	}

	// Check for quit command
	if m, ok := result.(map[string]bool); ok && m["quit"] {
		return fmt.Errorf("quit")
	}

	// Format and display result
	cli.displayResult(cmd.Name, result)
	return nil
}

func (cli *InteractiveCLI) displayResult(cmdName string, result interface{}) {
	switch cmdName {
	case "help", "h":
		if m, ok := result.(map[string]string); ok {
			cli.println(m["help"])
		}

	case "status", "s":
		if s, ok := result.(ConnectionStatus); ok {
			cli.printf("Connection Status: %s\n", s.Status)
			if s.ActiveChat != "" {
				cli.printf("  Open chat: %s\n", s.ActiveChat)
			}
			cli.printf("  Pending sends: %d\n", s.PendingSends)
		}

	case "chats", "ls":
		if m, ok := result.(map[string]interface{}); ok {
			chats, _ := m["chats"].([]ChatInfo)
			cli.printf("Found %d chat(s):\n\n", len(chats))
			for i, chat := range chats {
				unread := ""
				if chat.UnreadCount > 0 {
					unread = fmt.Sprintf(" [%d unread]", chat.UnreadCount)
				}
				cli.printf("%d. %s (%s)%s\n", i+1, chat.Peer, chat.PeerRole, unread)
				cli.printf("   ID: %s\n", chat.ID)
				if chat.LastMessageText != "" {
					cli.printf("   Last: %s\n", truncate(chat.LastMessageText, 50))
				}
			}
			if more, _ := m["has_more"].(bool); more {
				cli.println("\nMore chats available: /chats <page>")
			}
		}

	case "open", "o", "messages", "msg", "retry":
		if m, ok := result.(map[string]interface{}); ok {
			if msg, ok := m["message"]; ok {
				cli.printf("%v\n", msg)
				return
			}
			messages, _ := m["messages"].([]MessageInfo)
			cli.printf("%d message(s):\n\n", len(messages))
			for _, msg := range messages {
				cli.printMessage(msg)
			}
			if errText, ok := m["error"].(string); ok {
				cli.printf("Showing cached history: %s (use /retry)\n", errText)
			}
		}

	case "send", "sendto", "resend":
		if msg, ok := result.(MessageInfo); ok {
			cli.printf("Message queued (%s)\n", msg.ID)
		}

	case "who":
		if info, ok := result.(TypingInfo); ok {
			if len(info.Users) == 0 {
				cli.println("Nobody is typing")
				return
			}
			cli.printf("%s typing...\n", strings.Join(info.Users, ", "))
		}

	case "search":
		if m, ok := result.(map[string]interface{}); ok {
			query, _ := m["query"].(string)
			messages, _ := m["messages"].([]MessageInfo)
			cli.printf("Search results for '%s' (%d found):\n\n", query, len(messages))
			for i, msg := range messages {
				cli.printf("%d. [%s] %s:\n", i+1, msg.Timestamp.Format("2006-01-02 15:04"), senderLabel(msg))
				cli.printf("   %s\n", truncate(msg.Content, 80))
				cli.printf("   Chat: %s | ID: %s\n\n", msg.ChatID, msg.ID)
			}
		}

	default:
		// Generic JSON output for other commands
		if m, ok := result.(map[string]string); ok {
			if msg, exists := m["message"]; exists {
				cli.println(msg)
				return
			}
		}
		// Pretty print JSON
		data, _ := json.MarshalIndent(result, "", "  ")
		cli.println(string(data))
	}
}

func (cli *InteractiveCLI) printMessage(msg MessageInfo) {
	cli.printf("[%s] %s:\n", msg.Timestamp.Format("2006-01-02 15:04"), senderLabel(msg))
	if msg.Kind == string(domain.MessageKindImage) {
		cli.printf("  [image] %s\n", msg.Content)
	} else {
		cli.printf("  %s\n", msg.Content)
	}
	status := msg.Status
	if msg.Provisional && status == string(domain.StatusSent) {
		status = "sending"
	}
	cli.printf("  %s | ID: %s\n\n", status, msg.ID)
}

func (cli *InteractiveCLI) handleEvents(eventChan <-chan Event) {
	for event := range eventChan {
		switch event.Type {
		case "message_upserted":
			data, _ := event.Data.(map[string]interface{})
			msg, ok := data["message"].(MessageInfo)
			if !ok || msg.IsFromMe {
				continue
			}
			cli.printf("\n[New Message] %s:\n  %s\n", senderLabel(msg), msg.Content)
		case "message_failed":
			data, _ := event.Data.(map[string]interface{})
			if msg, ok := data["message"].(MessageInfo); ok {
				cli.printf("\n[Not delivered] %q (/resend %s)\n", truncate(msg.Content, 40), msg.ID)
			}
		case "chat_updated":
			chat, ok := event.Data.(ChatInfo)
			if !ok || chat.UnreadCount == 0 {
				continue
			}
			cli.printf("\n[%s] %d unread: %s\n", chat.Peer, chat.UnreadCount, truncate(chat.LastMessageText, 40))
		case "typing_changed":
			info, ok := event.Data.(TypingInfo)
			if !ok || len(info.Users) == 0 {
				continue
			}
			cli.printf("\n[%s typing...]\n", strings.Join(info.Users, ", "))
		case "connection_status":
			if data, ok := event.Data.(map[string]interface{}); ok {
				connected, _ := data["connected"].(bool)
				if connected {
					cli.println("\n[Connected to chat server]")
				} else {
					reason, _ := data["reason"].(string)
					cli.printf("\n[Disconnected: %s]\n", reason)
				}
			}
		case "fetch_failed":
			if data, ok := event.Data.(map[string]interface{}); ok {
				cli.printf("\n[Could not load %v: %v] /retry\n", data["chat_id"], data["error"])
			}
		default:
			continue
		}
		cli.print("> ")
	}
}

func senderLabel(msg MessageInfo) string {
	if msg.IsFromMe {
		return "Me"
	}
	return msg.SenderName
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (cli *InteractiveCLI) print(s string) {
	fmt.Fprint(cli.writer, s)
}

func (cli *InteractiveCLI) println(s string) {
	fmt.Fprintln(cli.writer, s)
}

func (cli *InteractiveCLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(cli.writer, format, args...)
}
