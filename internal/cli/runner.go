package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Tech-Arch1tect/berth-sub004/internal/appclient"
	"github.com/Tech-Arch1tect/berth-sub004/internal/config"
	"github.com/Tech-Arch1tect/berth-sub004/internal/db"
)

type Runner struct {
	client *http.Client
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func NewRunner(out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(nil, out, errOut)
}

func NewRunnerWithClient(client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		client: client,
		in:     os.Stdin,
		out:    out,
		errOut: errOut,
	}
}

// WithInput replaces the reader forwarded to interactive terminal sessions.
func (r *Runner) WithInput(in io.Reader) *Runner {
	clone := *r
	clone.in = in
	return &clone
}

type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

// exitCodeError carries a remote exit status out of Run.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	baseURL    string
	token      string
	dbPath     string
}

func (g *globalOptions) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if v := strings.TrimSpace(g.baseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(g.token); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(g.dbPath); v != "" {
		cfg.DBPath = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("BERTH_CONFIG")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "berth-stream", "config.yaml")
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if args == nil {
		args = []string{}
	}
	root := r.newRootCmd()
	root.SetArgs(args)
	root.SetIn(r.in)
	root.SetOut(r.out)
	root.SetErr(r.errOut)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit exitCodeError
	if errors.As(err, &exit) {
		return exit.code
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var usage usageError
	if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func (r *Runner) newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "berth-stream",
		Short:         "Follow stack operations and open container terminals",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return usageError{errors.New("a command is required")}
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(), "path to config file")
	root.PersistentFlags().StringVar(&opts.baseURL, "url", "", "server base URL (overrides config and BERTH_URL)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "API token (overrides config and BERTH_TOKEN)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "local state database path")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(r.newOpsCmd(opts))
	root.AddCommand(r.newTerminalCmd(opts))
	return root
}

func (r *Runner) apiClient(cfg config.Config) *appclient.Client {
	c := appclient.NewWithClient(cfg.BaseURL, r.client).
		WithToken(cfg.Token).
		WithUnaryTimeout(cfg.UnaryTimeout).
		WithStreamTimeout(cfg.StreamTimeout)
	if strings.TrimSpace(cfg.WebSocketURL) != "" {
		c = c.WithStreamBaseURL(cfg.StreamBaseURL())
	}
	return c
}

func openStore(ctx context.Context, cfg config.Config) (*db.Store, error) {
	store, err := db.OpenMigrated(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return store, nil
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return usageError{fmt.Errorf("--%s is required", name)}
	}
	return nil
}
