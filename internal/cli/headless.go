package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// HeadlessCLI handles JSON-based headless operation
type HeadlessCLI struct {
	handler *CommandHandler
	reader  *bufio.Reader
	writer  io.Writer
	mu      sync.Mutex
}

// NewHeadlessCLI creates a new headless CLI on stdin and stdout
func NewHeadlessCLI(handler *CommandHandler) *HeadlessCLI {
	return NewHeadlessCLIWithIO(handler, os.Stdin, os.Stdout)
}

func NewHeadlessCLIWithIO(handler *CommandHandler, r io.Reader, w io.Writer) *HeadlessCLI {
	return &HeadlessCLI{
		handler: handler,
		reader:  bufio.NewReader(r),
		writer:  w,
	}
}

// Run starts the headless JSON processing loop. It returns when the input
// ends or a quit command arrives.
func (cli *HeadlessCLI) Run(ctx context.Context) error {
	// Send ready message
	cli.sendResponse(Response{
		Success: true,
		Data:    map[string]string{"status": "ready", "mode": "headless"},
	})

	// Subscribe to events in background
	eventChan := cli.handler.SubscribeEvents(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cli.streamEvents(eventChan)
	}()
	defer func() {
		cli.handler.UnsubscribeEvents(eventChan)
		wg.Wait()
	}()

	// Process incoming JSON requests
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			line, err := cli.reader.ReadString('\n')
			if strings.TrimSpace(line) != "" {
				if quit := cli.processRequest(ctx, line); quit {
					return nil
				}
			}
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return fmt.Errorf("read error: %w", err)
			}
		}
	}
}

func (cli *HeadlessCLI) processRequest(ctx context.Context, line string) bool {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		cli.sendError("", fmt.Sprintf("invalid JSON: %v", err))
		return false
	}

	if req.Command == "" {
		cli.sendError(req.ID, "missing command field")
		return false
	}

	switch req.Command {
	case "subscribe":
		// Already subscribed, just acknowledge
		cli.sendResponse(Response{
			ID:      req.ID,
			Success: true,
			Data:    map[string]string{"message": "subscribed to events"},
		})
		return false
	case "quit", "exit":
		cli.sendResponse(Response{
			ID:      req.ID,
			Success: true,
			Data:    map[string]string{"message": "goodbye"},
		})
		return true
	}

	// Convert params to args for command handler
	cmd := &Command{
		Name: req.Command,
		Args: cli.paramsToArgs(req.Command, req.Params),
	}
	if cmd.Name == "send" && req.Params["chat_id"] != nil {
		cmd.Name = "sendto"
	}

	result, err := cli.handler.Execute(ctx, cmd)
	if err != nil {
		cli.sendError(req.ID, err.Error())
		return false
	}

	cli.sendResponse(Response{
		ID:      req.ID,
		Success: true,
		Data:    result,
	})
	return false
}

func (cli *HeadlessCLI) paramsToArgs(command string, params map[string]interface{}) []string {
	if params == nil {
		return nil
	}

	var args []string
	str := func(key string) {
		if v, ok := params[key].(string); ok && v != "" {
			args = append(args, v)
		}
	}
	num := func(key string) {
		if v, ok := params[key].(float64); ok {
			args = append(args, fmt.Sprintf("%d", int(v)))
		}
	}

	switch command {
	case "chats", "ls":
		num("page")

	case "open", "o", "read", "typing", "t", "who":
		str("chat_id")

	case "messages", "msg":
		str("chat_id")
		num("limit")

	case "send", "sendto":
		str("chat_id")
		str("text")

	case "image", "img":
		str("path")
		str("chat_id")

	case "resend":
		str("message_id")

	case "search":
		str("query")
		num("limit")
	}

	return args
}

func (cli *HeadlessCLI) streamEvents(eventChan <-chan Event) {
	for event := range eventChan {
		cli.sendEvent(event)
	}
}

func (cli *HeadlessCLI) sendResponse(resp Response) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	data, _ := json.Marshal(resp)
	fmt.Fprintln(cli.writer, string(data))
}

func (cli *HeadlessCLI) sendError(id, message string) {
	cli.sendResponse(Response{
		ID:      id,
		Success: false,
		Error:   message,
	})
}

func (cli *HeadlessCLI) sendEvent(event Event) {
	cli.mu.Lock()
	defer cli.mu.Unlock()

	data, _ := json.Marshal(map[string]interface{}{
		"type":      "event",
		"event":     event.Type,
		"timestamp": event.Timestamp,
		"data":      event.Data,
	})
	fmt.Fprintln(cli.writer, string(data))
}
