// Package comm binds the worker to its cluster over NATS: events in
// from the scheduler, instruction messages out to it, and peer-to-peer
// gather RPC for dependency data.
//
// Subject layout under a configurable prefix (default "taskmesh"):
//
//	<prefix>.worker.<addr>.events  scheduler -> worker event dicts
//	<prefix>.scheduler.messages    worker -> scheduler instruction dicts
//	<prefix>.data.<addr>           gather request/reply between workers
//
// where <addr> is the worker address with separator characters mapped
// to '-' so it forms a single NATS token.
package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskmesh/taskmesh/internal/protocol"
	"github.com/taskmesh/taskmesh/internal/worker"
)

// DefaultRequestTimeout bounds one gather RPC.
const DefaultRequestTimeout = 30 * time.Second

// Config configures the NATS binding.
type Config struct {
	URL            string
	SubjectPrefix  string
	RequestTimeout time.Duration
}

// Transport is the NATS-backed implementation of worker.Transport.
type Transport struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	log     *slog.Logger
}

// Dial connects to NATS and returns a ready transport.
func Dial(cfg Config, log *slog.Logger) (*Transport, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "taskmesh"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Transport{
		nc:      nc,
		prefix:  cfg.SubjectPrefix,
		timeout: cfg.RequestTimeout,
		log:     log,
	}, nil
}

// Close drains and closes the connection.
func (t *Transport) Close() error {
	if t.nc == nil {
		return nil
	}
	return t.nc.Drain()
}

// gatherRequest is the wire form of one peer data request.
type gatherRequest struct {
	Keys []string `json:"keys"`
}

// gatherResponse is the wire form of one peer data reply. Busy means
// the peer refused the transfer because it is saturated; Data may omit
// keys the peer no longer holds.
type gatherResponse struct {
	Busy   bool             `json:"busy,omitempty"`
	Data   map[string]any   `json:"data,omitempty"`
	Nbytes map[string]int64 `json:"nbytes,omitempty"`
}

// Gather implements worker.Transport by a request/reply exchange on the
// peer's data subject.
func (t *Transport) Gather(ctx context.Context, peer string, keys []string) (map[string]any, map[string]int64, error) {
	payload, err := json.Marshal(gatherRequest{Keys: keys})
	if err != nil {
		return nil, nil, fmt.Errorf("encode gather request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msg, err := t.nc.RequestWithContext(reqCtx, t.dataSubject(peer), payload)
	if err != nil {
		return nil, nil, fmt.Errorf("gather from %s: %w", peer, err)
	}

	var resp gatherResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode gather response from %s: %w", peer, err)
	}
	if resp.Busy {
		return nil, nil, worker.ErrPeerBusy
	}
	return resp.Data, resp.Nbytes, nil
}

// SendToScheduler implements worker.Transport. Instruction dicts go out
// as canonical JSON so the scheduler side can verify byte-stable logs.
func (t *Transport) SendToScheduler(ctx context.Context, msg protocol.Instruction) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send to scheduler: %w", err)
	}
	payload, err := protocol.MarshalCanonical(msg.ToDict())
	if err != nil {
		return fmt.Errorf("encode scheduler message: %w", err)
	}
	if err := t.nc.Publish(t.schedulerSubject(), payload); err != nil {
		return fmt.Errorf("publish scheduler message: %w", err)
	}
	return nil
}

// SubscribeEvents delivers scheduler events for the given worker
// address into enqueue. Undecodable messages are logged and dropped;
// the scheduler stream must not be able to wedge the worker.
func (t *Transport) SubscribeEvents(address string, enqueue func(protocol.Event) bool) (*nats.Subscription, error) {
	subject := t.eventSubject(address)
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := DecodeEvent(msg.Data)
		if err != nil {
			t.log.Error("dropping undecodable event",
				"subject", subject,
				"error", err,
			)
			return
		}
		if !enqueue(ev) {
			t.log.Warn("event dropped: worker stopped",
				"cls", ev.Cls(),
				"stimulus_id", ev.Stimulus(),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// DataProvider answers gather requests for the local worker. Snapshot
// must be safe to call from the NATS delivery goroutine; busy reports
// that the worker wants the peer to back off and retry later.
type DataProvider interface {
	Snapshot(keys []string) (data map[string]any, nbytes map[string]int64, busy bool)
}

// ServeGather answers peer gather requests for the given worker
// address from the provider.
func (t *Transport) ServeGather(address string, provider DataProvider) (*nats.Subscription, error) {
	subject := t.dataSubject(address)
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		var req gatherRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.log.Error("dropping malformed gather request",
				"subject", subject,
				"error", err,
			)
			return
		}

		data, nbytes, busy := provider.Snapshot(req.Keys)
		reply, err := json.Marshal(gatherResponse{Busy: busy, Data: data, Nbytes: nbytes})
		if err != nil {
			t.log.Error("encoding gather response failed", "error", err)
			return
		}
		if err := msg.Respond(reply); err != nil {
			t.log.Error("gather reply failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// DecodeEvent parses one scheduler event message: a JSON event dict
// with a cls discriminator.
func DecodeEvent(data []byte) (protocol.Event, error) {
	dict, err := protocol.UnmarshalDict(data)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ev, err := protocol.FromDict(dict)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

func (t *Transport) eventSubject(address string) string {
	return fmt.Sprintf("%s.worker.%s.events", t.prefix, subjectToken(address))
}

func (t *Transport) schedulerSubject() string {
	return fmt.Sprintf("%s.scheduler.messages", t.prefix)
}

func (t *Transport) dataSubject(address string) string {
	return fmt.Sprintf("%s.data.%s", t.prefix, subjectToken(address))
}

// subjectToken maps a worker address onto a single NATS subject token.
var subjectTokenReplacer = strings.NewReplacer(
	"://", "-",
	":", "-",
	"/", "-",
	".", "-",
	" ", "-",
)

func subjectToken(address string) string {
	return subjectTokenReplacer.Replace(address)
}
