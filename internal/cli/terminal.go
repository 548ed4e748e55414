package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Tech-Arch1tect/berth-sub004/internal/config"
	"github.com/Tech-Arch1tect/berth-sub004/internal/logx"
	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
	"github.com/Tech-Arch1tect/berth-sub004/internal/terminal"
	"github.com/Tech-Arch1tect/berth-sub004/internal/ttyproto"
)

const (
	fallbackCols = 120
	fallbackRows = 30
)

func (r *Runner) newTerminalCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminal",
		Short: "Interactive container terminals",
	}
	cmd.AddCommand(r.newTerminalAttachCmd(opts))
	cmd.AddCommand(r.newTerminalPanelCmd(opts))
	return cmd
}

func (r *Runner) newTerminalAttachCmd(opts *globalOptions) *cobra.Command {
	var target ttyproto.Target
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Open a shell in a stack service container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target.ServerID <= 0 {
				return usageError{errors.New("--server is required")}
			}
			if err := requireFlag("stack", target.StackName); err != nil {
				return err
			}
			if err := requireFlag("service", target.Service); err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return r.attach(cmd.Context(), cfg, target)
		},
	}
	cmd.Flags().Int64Var(&target.ServerID, "server", 0, "server id")
	cmd.Flags().StringVar(&target.StackName, "stack", "", "stack name")
	cmd.Flags().StringVar(&target.Service, "service", "", "service name")
	cmd.Flags().StringVar(&target.Container, "container", "", "container name when the service has replicas")
	return cmd
}

func (r *Runner) attach(ctx context.Context, cfg config.Config, target ttyproto.Target) error {
	log := logx.Ctx(ctx)
	m := terminal.NewManager(r.apiClient(cfg), nil, terminal.Options{
		MaxTabs:            cfg.MaxTerminalTabs,
		StartTimeout:       cfg.TerminalStartTimeout,
		ResizeSettle:       cfg.ResizeSettle,
		InitialResizeDelay: cfg.InitialResizeDelay,
		Logger:             log,
	})
	defer m.Close()

	cols, rows := r.termSize()
	tab, err := m.Open(ctx, terminal.OpenRequest{
		Target: target,
		Cols:   cols,
		Rows:   rows,
		Handlers: terminal.Handlers{
			OnOutput: func(data []byte) { _, _ = r.out.Write(data) },
		},
	})
	if err != nil {
		return err
	}
	session := tab.Session
	if err := session.Ready(ctx); err != nil {
		return fmt.Errorf("open terminal %s: %w", tab.Label, err)
	}
	log.Info("terminal attached", "target", tab.Label)

	restore, err := r.makeInputRaw()
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer restore()

	stopResize := watchResize(r.termSize, session)
	defer stopResize()

	go forwardInput(r.in, session)

	select {
	case <-session.Done():
	case <-ctx.Done():
		session.Close()
		return nil
	}
	info := session.Snapshot()
	if info.State == terminal.StateError {
		return info.Err
	}
	if info.ExitCode != nil && *info.ExitCode != 0 {
		return exitCodeError{code: *info.ExitCode}
	}
	return nil
}

// forwardInput copies local keystrokes to the session until input ends or the
// session stops accepting writes.
func forwardInput(in io.Reader, session *terminal.Session) {
	if in == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if werr := session.Write(chunk); errors.Is(werr, terminal.ErrSessionClosed) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) makeInputRaw() (func(), error) {
	f, ok := r.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func() {}, nil
	}
	fd := int(f.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

func (r *Runner) termSize() (cols, rows int) {
	f, ok := r.out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return fallbackCols, fallbackRows
	}
	c, h, err := term.GetSize(int(f.Fd()))
	if err != nil || c <= 0 || h <= 0 {
		return fallbackCols, fallbackRows
	}
	return c, h
}

func (r *Runner) newTerminalPanelCmd(opts *globalOptions) *cobra.Command {
	var (
		open   bool
		closed bool
		height int
	)
	cmd := &cobra.Command{
		Use:   "panel",
		Short: "Show or update the terminal panel preference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if open && closed {
				return usageError{errors.New("--open and --closed are mutually exclusive")}
			}
			if cmd.Flags().Changed("height") && height <= 0 {
				return usageError{errors.New("--height must be positive")}
			}
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

			m := terminal.NewManager(nil, store, terminal.Options{Logger: logx.Ctx(ctx)})
			defer m.Close()
			prefs, err := m.LoadPanel(ctx)
			if err != nil {
				return err
			}
			if open || closed || cmd.Flags().Changed("height") {
				next := model.PanelPrefs{IsOpen: prefs.IsOpen, Height: prefs.Height}
				if open {
					next.IsOpen = true
				}
				if closed {
					next.IsOpen = false
				}
				if cmd.Flags().Changed("height") {
					next.Height = height
				}
				if err := m.SetPanel(ctx, next); err != nil {
					return err
				}
				prefs = next
			}
			state := "closed"
			if prefs.IsOpen {
				state = "open"
			}
			_, _ = fmt.Fprintf(r.out, "panel %s height=%d\n", state, prefs.Height)
			return nil
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "mark the panel open")
	cmd.Flags().BoolVar(&closed, "closed", false, "mark the panel closed")
	cmd.Flags().IntVar(&height, "height", 0, "panel height in pixels")
	return cmd
}
