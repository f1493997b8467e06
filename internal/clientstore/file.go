package clientstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/types"
)

const (
	defaultCompactThreshold = 512
	maxLogLine              = 8 << 20
)

const (
	opEnqueue = "enqueue"
	opRemove  = "remove"
	opState   = "state"
	opClear   = "clear"
)

// logRecord is one line of the append-only outbox log.
type logRecord struct {
	Op     string                 `json:"op"`
	Change *types.DurableChange   `json:"change,omitempty"`
	IDs    []types.ChangeID       `json:"ids,omitempty"`
	State  *types.SyncStateRecord `json:"state,omitempty"`
	Scope  *types.Scope           `json:"scope,omitempty"`
}

// FileOptions tunes the file backend.
type FileOptions struct {
	// CompactThreshold is the number of log records after which the log is
	// rewritten to hold only live entries.
	CompactThreshold int
	Logger           zerolog.Logger
}

// File is the append-on-write backend for desktop and CLI clients. Every
// mutation is appended to a JSON-lines log that is replayed on open.
type File struct {
	path      string
	threshold int
	logger    zerolog.Logger

	mu      sync.Mutex
	state   *outboxState
	out     *os.File
	records int
	size    int64
	closed  bool
}

// OpenFile opens or creates the log at path.
func OpenFile(path string, opts FileOptions) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("client store path is required")
	}
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = defaultCompactThreshold
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create client store dir: %w", err)
	}

	f := &File{path: path, threshold: opts.CompactThreshold, logger: opts.Logger}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadLocked(); err != nil {
		return nil, err
	}
	if err := f.openAppendLocked(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) GetVectorClock(ctx context.Context, scope types.Scope) (types.VectorClock, error) {
	record, ok, err := f.GetState(ctx, scope)
	if err != nil || !ok {
		return types.NewVectorClock(nil), err
	}
	return record.VectorClock, nil
}

func (f *File) SetVectorClock(_ context.Context, scope types.Scope, clock types.VectorClock, serverEpoch int64) error {
	record := stateRecord(scope, clock, serverEpoch)
	return f.mutate(logRecord{Op: opState, State: &record}, func(s *outboxState) { s.setState(record) })
}

func (f *File) GetState(_ context.Context, scope types.Scope) (types.SyncStateRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return types.SyncStateRecord{}, false, ErrClosed
	}
	record, ok := f.state.state(scope)
	return record, ok, nil
}

func (f *File) ClearState(_ context.Context, scope types.Scope) error {
	return f.mutate(logRecord{Op: opClear, Scope: &scope}, func(s *outboxState) { s.clearState(scope) })
}

func (f *File) Enqueue(_ context.Context, change types.DurableChange) error {
	if change.ID == "" {
		return ErrInvalidChange
	}
	return f.mutate(logRecord{Op: opEnqueue, Change: &change}, func(s *outboxState) { s.enqueue(change) })
}

func (f *File) ListQueued(_ context.Context) ([]types.DurableChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return f.state.list(), nil
}

func (f *File) RemoveQueued(_ context.Context, ids []types.ChangeID) error {
	if len(ids) == 0 {
		return nil
	}
	return f.mutate(logRecord{Op: opRemove, IDs: ids}, func(s *outboxState) { s.remove(ids) })
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.out != nil {
		return f.out.Close()
	}
	return nil
}

// Watch reloads the log whenever another process appends to or rewrites it,
// invoking onReload after each reload. It blocks until ctx is done.
func (f *File) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn().Err(err).Str("path", f.path).Msg("client store watcher error")
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			reloaded, err := f.reloadIfChanged()
			if err != nil {
				f.logger.Warn().Err(err).Str("path", f.path).Msg("failed to reload client store")
				continue
			}
			if reloaded && onReload != nil {
				onReload()
			}
		}
	}
}

func (f *File) reloadIfChanged() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, nil
	}
	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if info.Size() == f.size {
		return false, nil
	}
	if err := f.reloadLocked(); err != nil {
		return false, err
	}
	return true, f.openAppendLocked()
}

func (f *File) mutate(record logRecord, apply func(*outboxState)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	if err := f.appendLocked(record); err != nil {
		return err
	}
	apply(f.state)

	if f.records > f.threshold && f.records > 2*f.state.live() {
		if err := f.compactLocked(); err != nil {
			f.logger.Warn().Err(err).Str("path", f.path).Msg("client store compaction failed")
		}
	}
	return nil
}

func (f *File) appendLocked(record logRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode outbox record: %w", err)
	}
	line = append(line, '\n')
	n, err := f.out.Write(line)
	if err != nil {
		return fmt.Errorf("append outbox record: %w", err)
	}
	if err := f.out.Sync(); err != nil {
		return fmt.Errorf("sync outbox log: %w", err)
	}
	f.records++
	f.size += int64(n)
	return nil
}

// compactLocked rewrites the log with only live entries. The file is
// re-read first so records appended by other processes survive.
func (f *File) compactLocked() error {
	if err := f.reloadLocked(); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	records := 0
	for _, record := range f.state.states {
		record := record
		if err := enc.Encode(logRecord{Op: opState, State: &record}); err != nil {
			return err
		}
		records++
	}
	for _, change := range f.state.list() {
		change := change
		if err := enc.Encode(logRecord{Op: opEnqueue, Change: &change}); err != nil {
			return err
		}
		records++
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write compacted log: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace outbox log: %w", err)
	}
	f.records = records
	f.logger.Debug().Str("path", f.path).Int("records", records).Msg("compacted client store log")
	return f.openAppendLocked()
}

func (f *File) openAppendLocked() error {
	if f.out != nil {
		_ = f.out.Close()
	}
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open outbox log: %w", err)
	}
	info, err := out.Stat()
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("stat outbox log: %w", err)
	}
	f.out = out
	f.size = info.Size()
	return nil
}

// reloadLocked replays the log into a fresh state. A final line without a
// newline is the remains of an interrupted write; it is dropped and the file
// truncated back to the last complete record.
func (f *File) reloadLocked() error {
	state := newOutboxState()
	in, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.state = state
			f.records = 0
			return nil
		}
		return fmt.Errorf("open outbox log: %w", err)
	}
	defer in.Close()

	reader := bufio.NewReaderSize(in, 64*1024)
	records := 0
	var offset int64
	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > maxLogLine {
			return fmt.Errorf("outbox log line %d exceeds %d bytes", lineNo, maxLogLine)
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read outbox log: %w", readErr)
		}
		if errors.Is(readErr, io.EOF) {
			if len(line) > 0 {
				f.logger.Warn().Str("path", f.path).Int("line", lineNo).Msg("dropping torn outbox record")
				if err := os.Truncate(f.path, offset); err != nil {
					return fmt.Errorf("truncate torn outbox record: %w", err)
				}
			}
			break
		}

		offset += int64(len(line))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var record logRecord
		if err := json.Unmarshal(trimmed, &record); err != nil {
			return fmt.Errorf("decode outbox log line %d: %w", lineNo, err)
		}
		replay(state, record)
		records++
	}

	f.state = state
	f.records = records
	return nil
}

func replay(state *outboxState, record logRecord) {
	switch record.Op {
	case opEnqueue:
		if record.Change != nil {
			state.enqueue(*record.Change)
		}
	case opRemove:
		state.remove(record.IDs)
	case opState:
		if record.State != nil {
			state.setState(*record.State)
		}
	case opClear:
		if record.Scope != nil {
			state.clearState(*record.Scope)
		}
	}
}
