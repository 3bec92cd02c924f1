package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/redmage123/course-creator-sub015/internal/assistant"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/workspace"
)

const assistantReadyTimeout = 15 * time.Second

var (
	askAction    string
	askNoContext bool
)

var execCmd = &cobra.Command{
	Use:   "exec <command>",
	Short: "Run a command in the sandbox",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			rec, err := runCommand(ctx, ws, cmd.OutOrStdout(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if rec.Failed() {
				return fmt.Errorf("exit status %d", rec.ExitCode)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the session's command history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			printHistory(cmd.OutOrStdout(), ws.Terminal.History().Records())
			return nil
		})
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the assistant, attaching the workspace context",
	Long: `Ask the assistant a question. The current file, the last failing command
and the watched notebook are attached unless --no-context is given.

With --action, a quick action runs instead of a free-form question:
  explain, debug_error, improve, next_step`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if askAction == "" && len(args) == 0 {
			return errors.New("a question or --action is required")
		}
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			if err := waitAssistant(ctx, ws); err != nil {
				return err
			}
			ws.Assistant.SetIncludeContext(!askNoContext)
			if askAction != "" {
				return ask(ctx, ws, cmd.OutOrStdout(), func(ctx context.Context) error {
					return ws.Assistant.RunQuickAction(ctx, assistant.QuickAction(askAction))
				})
			}
			question := strings.Join(args, " ")
			return ask(ctx, ws, cmd.OutOrStdout(), func(ctx context.Context) error {
				return ws.Assistant.Send(ctx, question)
			})
		})
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive terminal with the assistant attached",
	Long: `Starts (or reuses) the session and reads commands from stdin.

Lines are run in the sandbox. Lines starting with "?" go to the assistant.
Meta commands:
  :status        session status and resources
  :history       command history
  :actions       quick actions available for the current context
  :action NAME   run a quick action
  :context on|off toggle context attachment
  :forget        clear the assistant conversation
  :clear         clear the scrollback
  :quit          leave the shell (the session keeps running)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(ctx context.Context, ws *workspace.Workspace) error {
			if err := ensureRunning(ctx, ws); err != nil {
				return err
			}
			return runShell(ctx, ws, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

func init() {
	askCmd.Flags().StringVar(&askAction, "action", "", "run a quick action instead of a question")
	askCmd.Flags().BoolVar(&askNoContext, "no-context", false, "do not attach workspace context")
}

func runCommand(ctx context.Context, ws *workspace.Workspace, out io.Writer, command string) (*domain.CommandRecord, error) {
	ws.Terminal.SetRenderer(out)
	defer ws.Terminal.SetRenderer(nil)
	ws.Terminal.SetInput(command)
	return ws.Terminal.Submit(ctx)
}

func printHistory(w io.Writer, records []domain.CommandRecord) {
	for i, rec := range records {
		fmt.Fprintf(w, "%4d  %s  [%d] %s\n", i+1, rec.Timestamp.Local().Format(time.TimeOnly), rec.ExitCode, rec.Input)
	}
}

func waitAssistant(ctx context.Context, ws *workspace.Workspace) error {
	ctx, cancel := context.WithTimeout(ctx, assistantReadyTimeout)
	defer cancel()
	err := ws.Assistant.WaitFor(ctx, func(s assistant.Snapshot) bool {
		return s.State == assistant.StateReady || s.State == assistant.StateFailed
	})
	if err != nil {
		return fmt.Errorf("assistant not connected: %w", err)
	}
	if ws.Assistant.State() == assistant.StateFailed {
		return ws.Assistant.LastError()
	}
	return nil
}

// ask sends one request and prints the reply once it has fully streamed.
func ask(ctx context.Context, ws *workspace.Workspace, out io.Writer, send func(context.Context) error) error {
	before := len(ws.Assistant.Turns())
	if err := send(ctx); err != nil {
		return err
	}
	if err := ws.Assistant.WaitIdle(ctx); err != nil {
		return err
	}
	turns := ws.Assistant.Turns()
	if len(turns) <= before {
		return ws.Assistant.LastError()
	}
	for _, t := range turns[before:] {
		if t.Role != domain.RoleAssistant {
			continue
		}
		if t.Error {
			return fmt.Errorf("assistant: %s", t.Content)
		}
		fmt.Fprintln(out, t.Content)
	}
	return nil
}

func runShell(ctx context.Context, ws *workspace.Workspace, in io.Reader, out io.Writer) error {
	assistantReady := waitAssistant(ctx, ws) == nil
	if !assistantReady {
		fmt.Fprintln(out, "assistant unavailable; terminal only")
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "lab> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == ":quit" || line == ":q":
			return nil
		case strings.HasPrefix(line, "?"):
			if !assistantReady {
				fmt.Fprintln(out, "assistant unavailable")
				continue
			}
			question := strings.TrimSpace(strings.TrimPrefix(line, "?"))
			if err := ask(ctx, ws, out, func(ctx context.Context) error {
				return ws.Assistant.Send(ctx, question)
			}); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case strings.HasPrefix(line, ":"):
			if err := shellMeta(ctx, ws, out, line, assistantReady); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		default:
			if _, err := runCommand(ctx, ws, out, line); err != nil && !errors.Is(err, context.Canceled) {
				// Submit already rendered the failure.
				logger.Debug("command failed", "error", err)
			}
		}
	}
}

func shellMeta(ctx context.Context, ws *workspace.Workspace, out io.Writer, line string, assistantReady bool) error {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "status":
		if ws.Session.Status().Active() {
			if _, err := ws.Session.RefreshResources(ctx); err != nil {
				return err
			}
		}
		printStatus(out, ws)
	case "history":
		printHistory(out, ws.Terminal.History().Records())
	case "clear":
		ws.Terminal.Clear()
	case "actions":
		for _, qa := range ws.QuickActions() {
			mark := " "
			if qa.Enabled {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %-12s %s\n", mark, qa.Action, qa.Label)
		}
	case "action":
		if !assistantReady {
			return errors.New("assistant unavailable")
		}
		return ask(ctx, ws, out, func(ctx context.Context) error {
			return ws.Assistant.RunQuickAction(ctx, assistant.QuickAction(arg))
		})
	case "context":
		switch arg {
		case "on":
			ws.Assistant.SetIncludeContext(true)
		case "off":
			ws.Assistant.SetIncludeContext(false)
		default:
			fmt.Fprintf(out, "context attachment: %v\n", ws.Assistant.IncludeContext())
		}
	case "forget":
		return ws.Assistant.ClearHistory(ctx)
	default:
		return fmt.Errorf("unknown command :%s", name)
	}
	return nil
}
