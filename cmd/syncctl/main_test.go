package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workspace-sync/internal/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueThenQueueListsOutbox(t *testing.T) {
	store := "bolt://" + filepath.Join(t.TempDir(), "outbox.db")
	common := []string{"--store", store, "--workspace", "ws1", "--device", "d1"}

	out, err := execute(t, append([]string{"enqueue", "request:r1", "--id", "c1", "--payload", `{"name":"Get"}`}, common...)...)
	require.NoError(t, err)
	var change types.ChangeEnvelope
	require.NoError(t, json.Unmarshal([]byte(out), &change))
	assert.Equal(t, types.ChangeID("c1"), change.ID)
	assert.Equal(t, types.DeviceID("d1"), change.DeviceID)
	assert.Equal(t, int64(1), change.Lamport)

	_, err = execute(t, append([]string{"enqueue", "request:r1", "--id", "c2"}, common...)...)
	require.NoError(t, err)

	out, err = execute(t, append([]string{"queue"}, common...)...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var second types.DurableChange
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, types.ChangeID("c2"), second.ID)
	assert.Equal(t, int64(2), second.Change.Lamport)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	store := "bolt://" + filepath.Join(t.TempDir(), "outbox.db")

	_, err := execute(t, "enqueue", "request", "--store", store, "--workspace", "ws1", "--device", "d1")
	assert.Error(t, err)

	_, err = execute(t, "enqueue", "request:r1", "--payload", "{", "--store", store, "--workspace", "ws1", "--device", "d1")
	assert.Error(t, err)

	_, err = execute(t, "enqueue", "request:r1", "--store", store, "--workspace", "ws1")
	assert.Error(t, err, "device is required")
}

func TestParseScope(t *testing.T) {
	scope, err := parseScope("collection:c1")
	require.NoError(t, err)
	assert.Equal(t, types.Scope{Type: types.ScopeCollection, ID: "c1"}, scope)

	_, err = parseScope("folder:f1")
	assert.Error(t, err)
}
