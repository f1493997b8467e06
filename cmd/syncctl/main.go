// Command syncctl is a device-side client for the workspace sync server. It
// keeps its outbox in a local client store so changes can be queued offline
// and pushed on the next run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/workspace-sync/internal/client"
	"github.com/example/workspace-sync/internal/clientstore"
	"github.com/example/workspace-sync/internal/types"
)

type globalFlags struct {
	server    string
	user      string
	workspace string
	device    string
	store     string
	verbose   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "syncctl",
		Short:        "Workspace sync device client",
		SilenceUsage: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.server, "server", envOr("SYNCCTL_SERVER", "http://localhost:8080"), "sync server base url")
	pf.StringVar(&flags.user, "user", os.Getenv("SYNCCTL_USER"), "user id sent on handshake")
	pf.StringVar(&flags.workspace, "workspace", os.Getenv("SYNCCTL_WORKSPACE"), "workspace id")
	pf.StringVar(&flags.device, "device", os.Getenv("SYNCCTL_DEVICE"), "stable device id")
	pf.StringVar(&flags.store, "store", envOr("SYNCCTL_STORE", "bolt://syncctl.db"), "client store dsn (memory:, file://path, bolt://path)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(
		newRunCmd(flags),
		newEnqueueCmd(flags),
		newQueueCmd(flags),
		newPresenceCmd(flags),
	)
	return root
}

// session owns the client store and the client built from the global flags.
type session struct {
	store  clientstore.Store
	client *client.Client
}

func openSession(flags *globalFlags) (*session, error) {
	if flags.workspace == "" {
		return nil, fmt.Errorf("--workspace is required")
	}
	if flags.device == "" {
		return nil, fmt.Errorf("--device is required so queued changes keep their author")
	}

	logger := zerolog.Nop()
	if flags.verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	store, err := clientstore.Open(flags.store)
	if err != nil {
		return nil, err
	}
	transport, err := client.NewHTTPTransport(client.HTTPOptions{BaseURL: flags.server, UserID: flags.user})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c, err := client.New(transport, store, client.Options{
		WorkspaceID:   flags.workspace,
		DeviceID:      types.DeviceID(flags.device),
		Platform:      "cli",
		ClientVersion: "syncctl",
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{store: store, client: c}, nil
}

func (s *session) Close() {
	s.client.Disconnect()
	_ = s.store.Close()
}

// parseScope reads a type:id scope argument.
func parseScope(raw string) (types.Scope, error) {
	scopeType, id, ok := strings.Cut(raw, ":")
	scope := types.Scope{Type: types.ScopeType(scopeType), ID: id}
	if !ok {
		return scope, fmt.Errorf("scope %q is not type:id", raw)
	}
	if err := scope.Validate(); err != nil {
		return scope, err
	}
	return scope, nil
}

func writeJSON(out io.Writer, v any) error {
	return json.NewEncoder(out).Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// waitIdle gives a debounced push time to start before the command exits.
func waitIdle(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
