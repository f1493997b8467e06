package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/workspace-sync/internal/client"
	"github.com/example/workspace-sync/internal/clientstore"
	"github.com/example/workspace-sync/internal/types"
)

type latencySample struct {
	dur time.Duration
}

type stamp struct {
	SentAt time.Time `json:"sentAt"`
	Seq    int       `json:"seq"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "sync server base url")
	workspace := flag.String("workspace", "ws-loadtest", "workspace shared by all devices")
	user := flag.String("user", "loadtest", "user id sent on handshake; must be a workspace member")
	scopeFlag := flag.String("scope", "request:loadtest", "scope written by the writer, as type:id")
	clients := flag.Int("clients", 200, "number of listening devices")
	messages := flag.Int("messages", 20, "number of changes to write")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between changes")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("workspace", *workspace).Logger()

	scopeType, scopeID, ok := strings.Cut(*scopeFlag, ":")
	scope := types.Scope{Type: types.ScopeType(scopeType), ID: scopeID}
	if !ok || scope.Validate() != nil {
		logger.Fatal().Str("scope", *scopeFlag).Msg("invalid scope")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	latencyCh := make(chan latencySample, *clients**messages)
	var wg sync.WaitGroup

	newDevice := func(id string) (*client.Client, error) {
		transport, err := client.NewHTTPTransport(client.HTTPOptions{BaseURL: *addr, UserID: *user})
		if err != nil {
			return nil, err
		}
		return client.New(transport, clientstore.NewMemory(), client.Options{
			WorkspaceID:  *workspace,
			DeviceID:     types.DeviceID(id),
			PushDebounce: time.Millisecond,
			PollInterval: time.Minute,
		}, logger)
	}

	// create listener devices first
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			deviceID := fmt.Sprintf("listener-%d", id)
			c, err := newDevice(deviceID)
			if err != nil {
				logger.Error().Err(err).Str("device", deviceID).Msg("create client failed")
				return
			}
			c.On(func(e client.Event) {
				if e.Type != client.EventChanges || !e.Realtime {
					return
				}
				for _, change := range e.Changes {
					var p stamp
					if json.Unmarshal(change.Payload, &p) == nil && !p.SentAt.IsZero() {
						select {
						case latencyCh <- latencySample{dur: time.Since(p.SentAt)}:
						default:
						}
					}
				}
			})
			if err := c.Subscribe(scope); err != nil {
				logger.Error().Err(err).Msg("subscribe failed")
				return
			}
			if err := c.Connect(ctx); err != nil {
				logger.Error().Err(err).Str("device", deviceID).Msg("connect failed")
				return
			}
			defer c.Disconnect()
			<-ctx.Done()
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		writer, err := newDevice("writer")
		if err != nil {
			logger.Error().Err(err).Msg("create writer failed")
			return
		}
		if err := writer.Connect(ctx); err != nil {
			logger.Error().Err(err).Msg("writer connect failed")
			return
		}
		defer writer.Disconnect()

		sendTicker := time.NewTicker(*interval)
		defer sendTicker.Stop()
		for seq := 0; seq < *messages; seq++ {
			select {
			case <-ctx.Done():
				return
			case <-sendTicker.C:
				payload, _ := json.Marshal(stamp{SentAt: time.Now().UTC(), Seq: seq})
				if _, err := writer.QueueChange(ctx, types.ChangeEnvelope{
					ScopeType: scope.Type,
					ScopeID:   scope.ID,
					OpType:    types.OpUpdate,
					Payload:   payload,
				}); err != nil {
					logger.Error().Err(err).Msg("failed to queue change")
					return
				}
			}
		}
		// give the last broadcast time to arrive
		time.Sleep(time.Second)
		stop()
	}()

	<-ctx.Done()
	wg.Wait()
	report(drain(latencyCh), logger)
}

// drain collects buffered samples without closing the channel; late client
// callbacks may still send after the devices disconnect.
func drain(ch <-chan latencySample) []latencySample {
	var samples []latencySample
	for {
		select {
		case s := <-ch:
			samples = append(samples, s)
		default:
			return samples
		}
	}
}

func report(samples []latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for _, s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of change notifications met the 50ms target")
	}
}
