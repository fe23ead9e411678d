package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/ashureev/pte-agent/internal/agent"
	"github.com/ashureev/pte-agent/internal/store"
)

const chatUserID = "local"

type chatOptions struct {
	sessionID string
	verbose   bool
	persist   bool
	logLevel  string
}

func newChatCmd() *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent in an interactive REPL",
		Long: `Start an interactive session. Commands:
  /clear     forget the conversation
  /verbose   toggle printing of node and step events
  quit, exit leave the session`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id to resume (default: new session)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print node and step events")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "store the session in DB_PATH instead of memory")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level for the chat session")
	return cmd
}

// replCommand is a parsed REPL line.
type replCommand int

const (
	cmdMessage replCommand = iota
	cmdEmpty
	cmdQuit
	cmdClear
	cmdVerbose
	cmdUnknown
)

func parseCommand(input string) replCommand {
	input = strings.TrimSpace(input)
	switch strings.ToLower(input) {
	case "":
		return cmdEmpty
	case "quit", "exit", "/quit", "/exit":
		return cmdQuit
	case "/clear":
		return cmdClear
	case "/verbose":
		return cmdVerbose
	}
	if strings.HasPrefix(input, "/") {
		return cmdUnknown
	}
	return cmdMessage
}

func historyPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".pte_history")
}

func runChat(ctx context.Context, opts *chatOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, "text", opts.logLevel)

	var st store.SessionStore = store.NewMemory()
	if opts.persist {
		sq, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		st = sq
	}
	defer st.Close()

	rt, err := buildRuntime(cfg, st, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	hist := historyPath()
	if f, err := os.Open(hist); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.OpenFile(hist, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
		_ = line.Close()
	}()

	out := os.Stdout
	fmt.Fprintf(out, "PTE agent (session %s)\nTools: %s\nType /clear, /verbose, or quit.\n\n",
		sessionID, strings.Join(rt.registry.Manifest().Names(), ", "))

	verbose := opts.verbose
	for {
		input, err := line.Prompt("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nbye")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		switch parseCommand(input) {
		case cmdEmpty:
			continue
		case cmdQuit:
			fmt.Fprintln(out, "bye")
			return nil
		case cmdClear:
			if err := rt.service.ResetSession(ctx, chatUserID, sessionID); err != nil {
				fmt.Fprintf(out, "[error] %v\n", err)
				continue
			}
			fmt.Fprintln(out, "[conversation cleared]")
			continue
		case cmdVerbose:
			verbose = !verbose
			fmt.Fprintf(out, "[verbose %s]\n", onOff(verbose))
			continue
		case cmdUnknown:
			fmt.Fprintf(out, "[unknown command %s]\n", strings.Fields(input)[0])
			continue
		case cmdMessage:
		}
		line.AppendHistory(input)

		// Ctrl+C during a turn cancels the turn, not the REPL.
		turnCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
		req := agent.TurnRequest{UserID: chatUserID, SessionID: sessionID, Message: input, Channel: "cli"}
		for ev, err := range rt.service.Stream(turnCtx, req) {
			if err != nil {
				fmt.Fprintf(out, "[error] %v\n", err)
				break
			}
			renderEvent(out, ev, verbose)
		}
		cancel()
	}
}

// renderEvent prints one turn event. Node and step progress is shown only in verbose mode.
func renderEvent(w io.Writer, ev agent.Event, verbose bool) {
	switch ev.Type {
	case agent.EventNodeCompleted:
		if verbose {
			fmt.Fprintf(w, "  · %s: %s\n", ev.Node, ev.Summary)
		}
	case agent.EventStepCompleted:
		if verbose {
			fmt.Fprintf(w, "  · step %d %s [%s] %s\n", ev.StepID, ev.Tool, ev.Status, ev.Preview)
		}
	case agent.EventFinalResult:
		fmt.Fprintf(w, "\nagent> %s\n\n", ev.Result)
	case agent.EventError:
		fmt.Fprintf(w, "[%s] %s\n", ev.Code, ev.Message)
	case agent.EventDone:
		if verbose {
			fmt.Fprintf(w, "  · done (%s)\n", ev.Status)
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
