package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/basket/cordell/internal/history"
)

// CLIDialer runs conversations through the claude command-line runtime in
// stream-json mode. Each prompt is one process; the conversation continues
// across prompts with --resume.
type CLIDialer struct {
	// Binary is the executable to run. Empty means $CLAUDE_BINARY, then "claude".
	Binary string
	Logger *slog.Logger
}

func (d *CLIDialer) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	if b := os.Getenv("CLAUDE_BINARY"); b != "" {
		return b
	}
	return "claude"
}

// Dial checks that the runtime can be started for the agent. No process is
// spawned until the first Send.
func (d *CLIDialer) Dial(ctx context.Context, req DialRequest) (Conn, error) {
	path, err := exec.LookPath(d.binary())
	if err != nil {
		return nil, fmt.Errorf("locate claude runtime: %w", err)
	}
	if req.Agent.Workspace != "" {
		if err := os.MkdirAll(req.Agent.Workspace, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &cliConn{
		path:      path,
		agent:     req.Agent,
		sessionID: req.ResumeID,
		logger:    logger.With("session", req.Session, "agent", req.Agent.Name),
	}, nil
}

type cliConn struct {
	path   string
	agent  Spec
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	running   *exec.Cmd
	closed    bool
}

func (c *cliConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *cliConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.running != nil && c.running.Process != nil {
		_ = c.running.Process.Kill()
	}
	return nil
}

func (c *cliConn) args(prompt, resume string) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if c.agent.Model != "" {
		args = append(args, "--model", c.agent.Model)
	}
	if c.agent.PermissionMode != "" {
		args = append(args, "--permission-mode", c.agent.PermissionMode)
	}
	if len(c.agent.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.agent.AllowedTools, ","))
	}
	if c.agent.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.agent.SystemPrompt)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return append(args, "--", prompt)
}

func (c *cliConn) Send(ctx context.Context, prompt string) (Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, ErrConnClosed
	}
	cmd := exec.CommandContext(ctx, c.path, c.args(prompt, c.sessionID)...)
	cmd.Dir = c.agent.Workspace
	cmd.Env = append(os.Environ(), c.agent.EnvList()...)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, n: 16 * 1024}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("start claude: %w", err)
	}
	c.running = cmd
	c.mu.Unlock()

	resp, parseErr := parseStream(stdout, c.logger)
	waitErr := cmd.Wait()

	c.mu.Lock()
	c.running = nil
	if resp.SessionID != "" {
		c.sessionID = resp.SessionID
	}
	closed := c.closed
	c.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		return Response{}, ctx.Err()
	case closed:
		return Response{}, ErrConnClosed
	case parseErr != nil:
		return Response{}, parseErr
	case waitErr != nil:
		return Response{}, fmt.Errorf("claude exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	resp.SessionID = c.SessionID()
	return resp, nil
}

// streamLine is one line of --output-format stream-json.
type streamLine struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	Message   *streamMessage `json:"message"`
	Result    string         `json:"result"`
	IsError   bool           `json:"is_error"`
}

type streamMessage struct {
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (m *streamMessage) blocks() []contentBlock {
	if m == nil || len(m.Content) == 0 || m.Content[0] != '[' {
		return nil
	}
	var out []contentBlock
	if err := json.Unmarshal(m.Content, &out); err != nil {
		return nil
	}
	return out
}

// ErrRuntimeResult is returned when the runtime reports the turn as failed.
var ErrRuntimeResult = errors.New("runtime reported error result")

func parseStream(r io.Reader, logger *slog.Logger) (Response, error) {
	var (
		resp      Response
		lastText  strings.Builder
		gotResult bool
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg streamLine
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Debug("claude: unparseable stream line", "error", err)
			continue
		}
		if msg.SessionID != "" {
			resp.SessionID = msg.SessionID
		}
		now := time.Now().UTC()
		switch msg.Type {
		case "assistant":
			lastText.Reset()
			for _, b := range msg.Message.blocks() {
				switch b.Type {
				case "text":
					lastText.WriteString(b.Text)
				case "tool_use":
					resp.Events = append(resp.Events, Event{
						Kind: history.KindToolUse, CallID: b.ID, Tool: b.Name, Input: b.Input, Timestamp: now,
					})
				}
			}
		case "user":
			for _, b := range msg.Message.blocks() {
				if b.Type != "tool_result" {
					continue
				}
				resp.Events = append(resp.Events, Event{
					Kind: history.KindToolResult, CallID: b.ToolUseID, Output: blockText(b.Content), IsError: b.IsError, Timestamp: now,
				})
			}
		case "result":
			gotResult = true
			if msg.IsError {
				return resp, fmt.Errorf("%w (%s): %s", ErrRuntimeResult, msg.Subtype, msg.Result)
			}
			resp.Text = msg.Result
		}
	}
	if err := scanner.Err(); err != nil {
		return resp, fmt.Errorf("read claude output: %w", err)
	}
	if !gotResult {
		resp.Text = lastText.String()
	}
	return resp, nil
}

// blockText flattens a tool_result content value, which is either a string
// or a list of text blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for i, p := range parts {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > l.n {
		chunk = chunk[:l.n]
	}
	n, err := l.w.Write(chunk)
	l.n -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
