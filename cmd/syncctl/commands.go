package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/workspace-sync/internal/client"
	"github.com/example/workspace-sync/internal/types"
)

// eventLine is the JSON form of a client event printed by run.
type eventLine struct {
	Type      client.EventType       `json:"type"`
	State     client.State           `json:"state,omitempty"`
	Scope     string                 `json:"scope,omitempty"`
	Realtime  bool                   `json:"realtime,omitempty"`
	Changes   []types.ChangeEnvelope `json:"changes,omitempty"`
	Snapshot  *types.WireSnapshot    `json:"snapshot,omitempty"`
	Conflicts []types.PushConflict   `json:"conflicts,omitempty"`
	Ack       *types.PushResponse    `json:"ack,omitempty"`
	Presence  *types.PresenceList    `json:"presence,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func toLine(e client.Event) eventLine {
	line := eventLine{
		Type:      e.Type,
		State:     e.State,
		Realtime:  e.Realtime,
		Changes:   e.Changes,
		Snapshot:  e.Snapshot,
		Conflicts: e.Conflicts,
		Ack:       e.Ack,
		Presence:  e.Presence,
	}
	if e.Scope.ID != "" {
		line.Scope = e.Scope.Key()
	}
	if e.Err != nil {
		line.Error = e.Err.Error()
	}
	return line
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var reset []string
	cmd := &cobra.Command{
		Use:   "run [scope...]",
		Short: "Connect, flush the outbox and stream events for the given scopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopes := make([]types.Scope, 0, len(args))
			for _, arg := range args {
				scope, err := parseScope(arg)
				if err != nil {
					return err
				}
				scopes = append(scopes, scope)
			}

			s, err := openSession(flags)
			if err != nil {
				return err
			}
			defer s.Close()

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			s.client.On(func(e client.Event) {
				mu.Lock()
				defer mu.Unlock()
				_ = writeJSON(out, toLine(e))
			})
			for _, scope := range scopes {
				if err := s.client.Subscribe(scope); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			if err := s.client.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			for _, raw := range reset {
				scope, err := parseScope(raw)
				if err != nil {
					return err
				}
				if _, err := s.client.ResetScope(ctx, scope); err != nil {
					return fmt.Errorf("reset %s: %w", raw, err)
				}
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&reset, "reset", nil, "drop local state of a diverged scope and pull it again")
	return cmd
}

func newEnqueueCmd(flags *globalFlags) *cobra.Command {
	var (
		op      string
		payload string
		id      string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <scope>",
		Short: "Append a change to the local outbox without contacting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args[0])
			if err != nil {
				return err
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}

			s, err := openSession(flags)
			if err != nil {
				return err
			}
			defer s.Close()

			change, err := s.client.QueueChange(cmd.Context(), types.ChangeEnvelope{
				ID:        types.ChangeID(id),
				ScopeType: scope.Type,
				ScopeID:   scope.ID,
				OpType:    types.OpType(op),
				Payload:   json.RawMessage(payload),
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), change)
		},
	}
	cmd.Flags().StringVar(&op, "op", string(types.OpUpdate), "operation: insert, update, delete or crdt")
	cmd.Flags().StringVar(&payload, "payload", "{}", "change payload as JSON")
	cmd.Flags().StringVar(&id, "id", "", "change id; generated when empty")
	return cmd
}

func newQueueCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List changes waiting in the local outbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(flags)
			if err != nil {
				return err
			}
			defer s.Close()

			queued, err := s.store.ListQueued(cmd.Context())
			if err != nil {
				return err
			}
			for _, change := range queued {
				if err := writeJSON(cmd.OutOrStdout(), change); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newPresenceCmd(flags *globalFlags) *cobra.Command {
	var (
		active bool
		scope  string
	)
	cmd := &cobra.Command{
		Use:   "presence <type>",
		Short: "Connect and announce one presence event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := types.PresenceEvent{Type: args[0], Active: active, At: time.Now().UTC()}
			if scope != "" {
				parsed, err := parseScope(scope)
				if err != nil {
					return err
				}
				event.ScopeType, event.ScopeID = parsed.Type, parsed.ID
			}

			s, err := openSession(flags)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			s.client.On(func(e client.Event) {
				if e.Type == client.EventPresence {
					_ = writeJSON(out, e.Presence)
				}
			})
			if err := s.client.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			s.client.SendPresence(event)
			waitIdle(cmd.Context(), time.Second)
			return nil
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "whether the activity is ongoing")
	cmd.Flags().StringVar(&scope, "scope", "", "scope the activity refers to, as type:id")
	return cmd
}
