// Package broadcast carries realtime frames between server instances so that
// every socket in a workspace room receives them, wherever it is connected.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/workspace-sync/internal/types"
)

// Message is one frame addressed to a workspace room. Sockets of SkipDevice
// do not receive it.
type Message struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	SkipDevice  types.DeviceID `json:"skipDevice,omitempty"`
	Event       string         `json:"event"`
	Frame       []byte         `json:"frame"`
	EnqueuedAt  int64          `json:"enqueuedAt"`
}

// NewMessage encodes data as a realtime frame for event.
func NewMessage(workspaceID, event string, data any, skip types.DeviceID) (Message, error) {
	frame, err := types.NewFrame(event, data)
	if err != nil {
		return Message{}, err
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		SkipDevice:  skip,
		Event:       event,
		Frame:       encoded,
		EnqueuedAt:  time.Now().UTC().UnixNano(),
	}, nil
}

// DeliverFunc hands a message to the sockets connected to this instance.
type DeliverFunc func(msg Message) int

// Fanout publishes messages to every instance.
type Fanout interface {
	Publish(ctx context.Context, msg Message) error
}

var errNoDeliver = errors.New("deliver function is required")

var deliveryLatency = func() *prometheus.HistogramVec {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between publish and delivery to local sockets.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"event"})
	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return histogram
}()

func observeDelivery(msg Message) {
	var seconds float64
	if msg.EnqueuedAt > 0 {
		seconds = time.Since(time.Unix(0, msg.EnqueuedAt)).Seconds()
	}
	deliveryLatency.WithLabelValues(msg.Event).Observe(seconds)
}

// Local delivers in process. It serves single-instance deployments.
type Local struct {
	deliver DeliverFunc
}

// NewLocal constructs an in-process fanout.
func NewLocal(deliver DeliverFunc) *Local {
	return &Local{deliver: deliver}
}

func (l *Local) Publish(_ context.Context, msg Message) error {
	if l.deliver == nil {
		return errNoDeliver
	}
	observeDelivery(msg)
	l.deliver(msg)
	return nil
}
