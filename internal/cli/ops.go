package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Tech-Arch1tect/berth-sub004/internal/aggregate"
	"github.com/Tech-Arch1tect/berth-sub004/internal/api"
	"github.com/Tech-Arch1tect/berth-sub004/internal/appclient"
	"github.com/Tech-Arch1tect/berth-sub004/internal/config"
	"github.com/Tech-Arch1tect/berth-sub004/internal/logx"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
	"github.com/Tech-Arch1tect/berth-sub004/internal/reconcile"
	"github.com/Tech-Arch1tect/berth-sub004/internal/registry"
	"github.com/Tech-Arch1tect/berth-sub004/internal/wsconn"
)

func (r *Runner) newOpsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Stack operations",
	}
	cmd.AddCommand(r.newOpsListCmd(opts))
	cmd.AddCommand(r.newOpsHistoryCmd(opts))
	cmd.AddCommand(r.newOpsWatchCmd(opts))
	cmd.AddCommand(r.newOpsRunCmd(opts))
	return cmd
}

func (r *Runner) newOpsListCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List running operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ops, err := r.apiClient(cfg).ListRunningOperations(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(r.out, ops)
			}
			printOperations(r.out, ops)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) newOpsHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		jsonOut bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed operations kept locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if limit <= 0 {
				limit = cfg.RetentionCap
			}
			ops, err := store.ListCompletedOperations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(r.out, ops)
			}
			printOperations(r.out, ops)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (default: retention cap)")
	return cmd
}

func (r *Runner) newOpsWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Track running operations until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			reg := r.newRegistry(ctx, cfg, store)
			defer reg.Close()
			if err := reg.Load(ctx); err != nil {
				return err
			}

			w := &changePrinter{out: r.out, seen: map[string]string{}}
			w.print(reg.Operations())
			cancel := reg.Subscribe(registry.Listener{OnChange: w.print})
			defer cancel()

			reg.Start(ctx)
			<-ctx.Done()
			return nil
		},
	}
}

type opsRunFlags struct {
	serverID int64
	stack    string
	command  string
	services []string
	options  []string
	sse      bool
}

func (r *Runner) newOpsRunCmd(opts *globalOptions) *cobra.Command {
	flags := &opsRunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an operation and follow its progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.serverID <= 0 {
				return usageError{errors.New("--server is required")}
			}
			if err := requireFlag("stack", flags.stack); err != nil {
				return err
			}
			if err := requireFlag("command", flags.command); err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			req := api.OperationRequest{
				Command:   flags.command,
				Options:   flags.options,
				Services:  flags.services,
				RequestID: uuid.NewString(),
			}
			if flags.sse {
				return r.runOperationSSE(cmd.Context(), cfg, flags, req)
			}
			return r.runOperationWS(cmd.Context(), cfg, flags, req)
		},
	}
	cmd.Flags().Int64Var(&flags.serverID, "server", 0, "server id")
	cmd.Flags().StringVar(&flags.stack, "stack", "", "stack name")
	cmd.Flags().StringVar(&flags.command, "command", "", "compose command (up, down, restart, pull, ...)")
	cmd.Flags().StringArrayVar(&flags.services, "service", nil, "limit to service (repeatable)")
	cmd.Flags().StringArrayVar(&flags.options, "option", nil, "extra command option (repeatable)")
	cmd.Flags().BoolVar(&flags.sse, "sse", false, "follow over the request-based progress stream")
	return cmd
}

// runOperationSSE follows an operation over a single streamed POST.
func (r *Runner) runOperationSSE(ctx context.Context, cfg config.Config, flags *opsRunFlags, req api.OperationRequest) error {
	agg := aggregate.New(cfg.FreeTextLimit)
	view := &displayPrinter{out: r.out}
	failed := false
	err := r.apiClient(cfg).StreamOperation(ctx, flags.serverID, flags.stack, req, func(msg model.StreamMessage) error {
		agg.ProcessEvent(msg)
		view.render(agg.Display())
		if msg.Failed() {
			failed = true
		}
		return nil
	})
	if errors.Is(err, appclient.ErrStreamTimeout) {
		_, _ = fmt.Fprintln(r.out, "operation errored: progress stream timed out")
		return err
	}
	if err != nil {
		return err
	}
	if failed {
		_, _ = fmt.Fprintln(r.out, "operation failed")
		return errors.New("operation failed")
	}
	_, _ = fmt.Fprintln(r.out, "operation completed")
	return nil
}

// runOperationWS starts the operation over REST and follows it through the
// registry, which owns the WebSocket, reconciliation and persistence.
func (r *Runner) runOperationWS(ctx context.Context, cfg config.Config, flags *opsRunFlags, req api.OperationRequest) error {
	client := r.apiClient(cfg)
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	reg := r.newRegistry(ctx, cfg, store)
	defer reg.Close()
	if err := reg.Load(ctx); err != nil {
		return err
	}

	id, err := client.StartOperation(ctx, flags.serverID, flags.stack, req)
	if err != nil {
		return err
	}
	logx.Ctx(ctx).Info("operation started", "operation", id, "stack", flags.stack, "command", flags.command)

	agg := aggregate.New(cfg.FreeTextLimit)
	view := &displayPrinter{out: r.out}
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	cancel := reg.Subscribe(registry.Listener{
		OnStreamStart: func(opID string) {
			if opID == id {
				agg.Reset()
			}
		},
		OnMessage: func(opID string, msg model.StreamMessage) {
			if opID != id {
				return
			}
			agg.ProcessEvent(msg)
			view.render(agg.Display())
		},
		OnChange: func(ops []model.Operation) {
			for _, op := range ops {
				if op.OperationID == id && !op.IsIncomplete {
					finish()
				}
			}
		},
	})
	defer cancel()

	if err := reg.AddOperation(model.Operation{
		OperationID:  id,
		ServerID:     flags.serverID,
		StackName:    flags.stack,
		Command:      flags.command,
		StartTime:    time.Now().UTC(),
		IsIncomplete: true,
	}); err != nil {
		return err
	}
	reg.Start(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	op, _ := reg.Get(id)
	if op.Failed {
		_, _ = fmt.Fprintf(r.out, "operation %s failed\n", id)
		return fmt.Errorf("operation %s failed", id)
	}
	_, _ = fmt.Fprintf(r.out, "operation %s completed\n", id)
	return nil
}

func (r *Runner) newRegistry(ctx context.Context, cfg config.Config, store registry.Persister) *registry.Registry {
	client := r.apiClient(cfg)
	connector := &registry.WSConnector{
		URLFor: func(op model.Operation) string {
			return client.OperationStreamURL(op.ServerID, op.StackName, op.OperationID)
		},
		Header:            client.AuthHeader(),
		ReconnectInterval: cfg.ReconnectInterval,
		Logger:            logx.Ctx(ctx),
	}
	if cfg.ReconnectMaxInterval > 0 {
		connector.Strategy = wsconn.BoundedBackoff{
			Base:   cfg.ReconnectInterval,
			Max:    cfg.ReconnectMaxInterval,
			Jitter: 0.2,
		}
	}
	return registry.New(client, connector, store, registry.Options{
		PollInterval:   cfg.PollInterval,
		StatusDebounce: cfg.StatusDebounce,
		RetentionCap:   cfg.RetentionCap,
		Health: reconcile.HealthPolicy{
			DownFailures:     cfg.PollDownFailures,
			RecoverSuccesses: cfg.PollRecoverSuccesses,
		},
		Logger: logx.Ctx(ctx),
	})
}

func printOperations(out io.Writer, ops []model.Operation) {
	if len(ops) == 0 {
		_, _ = fmt.Fprintln(out, "no operations")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OPERATION\tSERVER\tSTACK\tCOMMAND\tSTARTED\tMESSAGES\tSTATE")
	for _, op := range ops {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			op.OperationID, op.ServerID, op.StackName, op.Command,
			op.StartTime.Local().Format(time.DateTime), op.MessageCount, operationState(op))
	}
	_ = tw.Flush()
}

func operationState(op model.Operation) string {
	switch {
	case op.IsIncomplete:
		return "running"
	case op.Failed:
		return "failed"
	default:
		return "completed"
	}
}

// changePrinter prints one line per operation whose state changed.
type changePrinter struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]string
}

func (p *changePrinter) print(ops []model.Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range ops {
		state := operationState(op)
		if p.seen[op.OperationID] == state {
			continue
		}
		p.seen[op.OperationID] = state
		line := fmt.Sprintf("%s\t%s\t%s\t%s", op.OperationID, op.StackName, op.Command, state)
		if op.Summary != "" {
			line += "\t" + op.Summary
		}
		_, _ = fmt.Fprintln(p.out, line)
	}
}

// displayPrinter writes the aggregated lines that changed since the previous
// render.
type displayPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	last []string
}

func (p *displayPrinter) render(lines []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, line := range lines {
		if i < len(p.last) && p.last[i] == line {
			continue
		}
		_, _ = fmt.Fprintln(p.out, line)
	}
	p.last = append(p.last[:0], lines...)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
