package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"squadron/internal/domain"
	"squadron/internal/usecase"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agents from the terminal",
		Long: `Reads one message per line and prints the selected agent's reply.

Commands:
  /agents          list agents
  /pin <agent-id>  send every turn to one agent
  /unpin           go back to classification
  /history         print the session history
  /new             start a new session
  /quit            exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, log, cleanup, err := bootstrap(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			a, err := newApp(ctx, cfg, log, defaultFactories())
			if err != nil {
				return err
			}
			defer a.Close()

			r := &repl{orch: a.orch, in: cmd.InOrStdin(), out: cmd.OutOrStdout(), sessionID: sessionID}
			return r.run(ctx)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session")
	return cmd
}

// chatOrchestrator is what the REPL needs from *usecase.Orchestrator.
type chatOrchestrator interface {
	RouteTurn(ctx context.Context, sessionID, input string, opts ...usecase.RouteOption) (*usecase.TurnResult, error)
	PinSession(ctx context.Context, sessionID, agentID string) error
	UnpinSession(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string) []domain.Turn
	Agents() []domain.AgentDescriptor
}

type repl struct {
	orch      chatOrchestrator
	in        io.Reader
	out       io.Writer
	sessionID string
}

func (r *repl) run(ctx context.Context) error {
	if r.sessionID == "" {
		r.sessionID = usecase.NewID()
	}
	fmt.Fprintf(r.out, "session %s (type /quit to exit)\n", r.sessionID)

	sc := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(r.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}
		r.turn(ctx, line)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) command(ctx context.Context, line string) (quit bool) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true
	case "/agents":
		for _, a := range r.orch.Agents() {
			fmt.Fprintf(r.out, "  %-16s %s\n", a.ID, a.Description)
		}
	case "/pin":
		if err := r.orch.PinSession(ctx, r.sessionID, arg); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "pinned to %s\n", arg)
	case "/unpin":
		if err := r.orch.UnpinSession(ctx, r.sessionID); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintln(r.out, "unpinned")
	case "/history":
		for _, t := range r.orch.History(ctx, r.sessionID) {
			who := string(t.Role)
			if t.AgentID != "" {
				who = t.AgentID
			}
			fmt.Fprintf(r.out, "  [%s] %s: %s\n", t.Status, who, t.Content)
		}
	case "/new":
		r.sessionID = usecase.NewID()
		fmt.Fprintf(r.out, "session %s\n", r.sessionID)
	default:
		fmt.Fprintf(r.out, "unknown command %s\n", name)
	}
	return false
}

func (r *repl) turn(ctx context.Context, input string) {
	res, err := r.orch.RouteTurn(ctx, r.sessionID, input, usecase.WithStreaming())
	if res == nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	prefix := "squadron"
	if res.AgentID != "" {
		prefix = res.AgentID
	}
	fmt.Fprintf(r.out, "%s: ", prefix)

	switch {
	case res.Stream != nil:
		for chunk, serr := range res.Stream.Chunks() {
			if serr != nil {
				err = serr
				break
			}
			if chunk.Kind == domain.ChunkText {
				fmt.Fprint(r.out, chunk.Text)
			}
		}
		fmt.Fprintln(r.out)
	default:
		fmt.Fprintln(r.out, res.Turn.Content)
	}
	if err != nil {
		fmt.Fprintf(r.out, "(%s)\n", domain.ErrorCodeOf(err))
	}
}
