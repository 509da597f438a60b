package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kkeelor/tradeclarity/gateway/keypool"
	"github.com/kkeelor/tradeclarity/gateway/llm"
	"github.com/kkeelor/tradeclarity/gateway/telemetry"
	"github.com/kkeelor/tradeclarity/gateway/toolrpc"
)

func newToolCmd(opts *cliOptions) *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "tool <name> [key=value ...]",
		Short: "Execute a market-data tool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(argsJSON, args[1:])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			out, err := a.gw.ExecuteTool(ctx, args[0], toolArgs)
			var terr *toolrpc.ToolError
			if errors.As(err, &terr) {
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return fmt.Errorf("tool failed: %s", terr.Kind)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	return cmd
}

// parseToolArgs merges a JSON object with key=value pairs; pairs win.
func parseToolArgs(argsJSON string, pairs []string) (map[string]any, error) {
	args := make(map[string]any)
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, fmt.Errorf("invalid --args: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q: expected key=value", p)
		}
		args[k] = v
	}
	return args, nil
}

func newToolsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the market-data tools offered to LLMs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			specs, err := a.gw.ToolSpecs(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd, specs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, s := range specs {
				fmt.Fprintf(w, "%s\t%s\n", s.Name, firstLine(s.Description))
			}
			return w.Flush()
		},
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// maxToolRounds bounds the chat tool loop.
const maxToolRounds = 8

func newChatCmd(opts *cliOptions) *cobra.Command {
	var (
		model     string
		system    string
		maxTokens int64
		noTools   bool
	)
	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: "Ask a model a question, letting it call market-data tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if model == "" {
				model = opts.cfg.LLM.DefaultModel
			}
			timeout := time.Duration(opts.cfg.LLM.Timeout) * time.Second
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			var specs []llm.ToolSpec
			if !noTools {
				if specs, err = a.gw.ToolSpecs(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("Tool listing failed, chatting without tools")
				}
			}
			return runChat(ctx, cmd, a, &llm.Options{
				Model:     model,
				System:    system,
				Tools:     specs,
				MaxTokens: maxTokens,
				Messages:  []llm.Message{llm.NewUserMessage(strings.Join(args, " "))},
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model id, e.g. claude-sonnet-4-20250514 or ollama/llama3.1:8b")
	cmd.Flags().StringVar(&system, "system", "You are a market analyst. Use the tools for current data.", "system prompt")
	cmd.Flags().Int64Var(&maxTokens, "max-tokens", 0, "output token limit")
	cmd.Flags().BoolVar(&noTools, "no-tools", false, "do not offer tools to the model")
	return cmd
}

func runChat(ctx context.Context, cmd *cobra.Command, a *app, opts *llm.Options) error {
	out := cmd.OutOrStdout()
	for round := 0; round < maxToolRounds; round++ {
		stream, err := a.gw.CreateStream(ctx, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", llm.UserMessage(err), err)
		}

		var text strings.Builder
		var calls []llm.ToolCall
		for ev, err := range llm.Events(stream) {
			if err != nil {
				return fmt.Errorf("%s: %w", llm.UserMessage(err), err)
			}
			switch ev.Type {
			case llm.EventTextDelta:
				text.WriteString(ev.Text)
				fmt.Fprint(out, ev.Text)
			case llm.EventToolUseEnd:
				calls = append(calls, llm.ToolCall{ID: ev.ToolUseID, Name: ev.ToolName, Arguments: ev.Input})
			}
		}
		if len(calls) == 0 {
			fmt.Fprintln(out)
			return nil
		}

		opts.Messages = append(opts.Messages, llm.NewAssistantMessage(text.String(), calls...))
		for _, c := range calls {
			fmt.Fprintf(cmd.ErrOrStderr(), "[tool] %s %v\n", c.Name, c.Arguments)
			result, err := a.gw.ExecuteTool(ctx, c.Name, c.Arguments)
			var terr *toolrpc.ToolError
			if err != nil && !errors.As(err, &terr) {
				result = (&toolrpc.ToolError{Kind: toolrpc.KindUnknown, Message: err.Error(), Tool: c.Name}).JSON()
			}
			opts.Messages = append(opts.Messages, llm.NewToolResultMessage(c.ID, c.Name, result, err != nil))
		}
	}
	return fmt.Errorf("model still calling tools after %d rounds", maxToolRounds)
}

func newKeysCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show per-key quota usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			slots := a.pool.Snapshot()
			var history []telemetry.UsageSummary
			if a.sqlSink != nil {
				since := time.Now().Add(-24 * time.Hour).Unix()
				if history, err = a.sqlSink.SummarizeToolUsage(ctx, since); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to summarize usage history")
				}
			}
			if opts.jsonOutput {
				return writeJSON(cmd, struct {
					Slots   []keypool.Slot           `json:"slots"`
					Limit   int                      `json:"limit"`
					History []telemetry.UsageSummary `json:"history,omitempty"`
				}{slots, a.pool.Limit(), history})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tUSED\tLIMIT\tRESETS")
			for _, s := range slots {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", s.Index, s.RequestsToday, a.pool.Limit(), s.ResetAt.UTC().Format(time.RFC3339))
			}
			if len(history) > 0 {
				fmt.Fprintln(w, "\nKEY\tREQUESTS (24h)\tSTALE")
				for _, h := range history {
					fmt.Fprintf(w, "%d\t%d\t%d\n", h.KeyIndex, h.Requests, h.Stale)
				}
			}
			return w.Flush()
		},
	}
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the key reset scheduler and serve Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			scheduler, err := keypool.NewResetScheduler(a.pool, a.logger)
			if err != nil {
				return err
			}
			scheduler.Start(ctx)
			a.logger.Info().Time("nextReset", scheduler.Next()).Msg("gatewayd serving")

			if addr == "" {
				addr = opts.cfg.Metrics
			}
			return telemetry.ServeMetrics(ctx, addr, a.metrics, a.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "metrics-addr", "", "metrics listen address (default from config)")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
