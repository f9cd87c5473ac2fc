package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskmesh/taskmesh/internal/protocol"
)

// ErrPeerBusy is returned by Transport.Gather when the peer refused the
// transfer because it is saturated.
var ErrPeerBusy = errors.New("peer busy")

// ErrReschedule is returned by an Executor that wants the scheduler to
// place the task somewhere else instead of producing a result.
var ErrReschedule = errors.New("reschedule requested")

// Transport moves bytes and messages for the worker: peer-to-peer gather
// calls and the outbound message stream to the scheduler. Implemented by
// the comm package.
type Transport interface {
	// Gather fetches the given keys from one peer. The returned data map
	// may omit keys the peer no longer holds.
	Gather(ctx context.Context, peer string, keys []string) (data map[string]any, nbytes map[string]int64, err error)

	// SendToScheduler publishes one worker-to-scheduler message.
	SendToScheduler(ctx context.Context, msg protocol.Instruction) error
}

// ExecuteResult is a successful execution outcome.
type ExecuteResult struct {
	Value  any
	Nbytes int64
	Type   string
	Start  float64
	Stop   float64
}

// Executor runs task specs. Implementations live outside this package;
// the state machine only cares about the completion events.
type Executor interface {
	Execute(ctx context.Context, key string, spec protocol.SerializedTask) (ExecuteResult, error)
}

// DefaultFindMissingInterval is the pause between find-missing ticks.
const DefaultFindMissingInterval = time.Second

// Worker wraps a Machine in a single-writer run loop.
//
// Events are enqueued from any goroutine and processed strictly in FIFO
// order by the goroutine running Run. Gather and execute instructions
// spawn goroutines that perform the blocking work and enqueue the result
// as a new event; task state is never touched off the loop goroutine.
type Worker struct {
	machine   *Machine
	queue     *stimulusQueue
	transport Transport
	executor  Executor
	stimGen   StimulusGenerator
	log       *slog.Logger

	// dataReqs carries peer get-data requests onto the loop goroutine,
	// which is the only one allowed to read the task table.
	dataReqs chan dataRequest

	findMissingInterval time.Duration
}

type dataRequest struct {
	keys  []string
	reply chan dataReply
}

type dataReply struct {
	data   map[string]any
	nbytes map[string]int64
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithFindMissingInterval overrides the find-missing tick interval.
func WithFindMissingInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.findMissingInterval = d }
}

// WithWorkerLogger overrides the default slog logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// WithStimulusGenerator overrides the stimulus ID generator, used by
// tests for deterministic IDs.
func WithStimulusGenerator(g StimulusGenerator) WorkerOption {
	return func(w *Worker) { w.stimGen = g }
}

// NewWorker assembles a run loop around machine.
func NewWorker(machine *Machine, transport Transport, executor Executor, opts ...WorkerOption) *Worker {
	w := &Worker{
		machine:             machine,
		queue:               newStimulusQueue(),
		transport:           transport,
		executor:            executor,
		stimGen:             UUIDv7Generator{},
		log:                 slog.Default(),
		dataReqs:            make(chan dataRequest),
		findMissingInterval: DefaultFindMissingInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue submits an event for processing.
// Thread-safe: may be called from any goroutine.
// Returns false if the worker has been stopped.
func (w *Worker) Enqueue(ev protocol.Event) bool {
	return w.queue.Enqueue(ev)
}

// Machine exposes the underlying state machine for inspection. Callers
// must not touch it while Run is active.
func (w *Worker) Machine() *Machine {
	return w.machine
}

// Stop closes the event queue, which makes Run return once the queue is
// drained.
func (w *Worker) Stop() {
	w.queue.Close()
}

// Run starts the single-writer event loop. Blocks until the context is
// cancelled, Stop is called, or the machine reports a fatal defect.
//
// Event processing failures that are not machine defects are logged with
// full event context and processing continues; retrying would make
// replay non-deterministic.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting", "address", w.machine.address)

	// Kick off the find-missing tick chain.
	w.Enqueue(&protocol.FindMissingEvent{StimulusID: w.stimGen.Generate("find-missing")})

	for {
		select {
		case req := <-w.dataReqs:
			w.serveData(req)
		default:
		}

		ev, ok := w.queue.TryDequeue()
		if ok {
			instructions, err := w.machine.HandleStimulus(ev)
			if err != nil {
				var me *MachineError
				if errors.As(err, &me) {
					w.log.Error("fatal machine defect",
						"code", string(me.Code),
						"key", me.Key,
						"stimulus_id", me.StimulusID,
						"error", err,
					)
					w.queue.Close()
					return err
				}
				w.log.Error("event processing failed",
					"cls", ev.Cls(),
					"stimulus_id", ev.Stimulus(),
					"error", err,
				)
				continue
			}
			w.dispatch(ctx, instructions)
			continue
		}

		select {
		case <-ctx.Done():
			w.log.Info("worker stopping: context cancelled")
			w.queue.Close()
			return ctx.Err()
		case req := <-w.dataReqs:
			w.serveData(req)
		case <-w.queue.Wait():
			if w.queue.Len() == 0 {
				w.log.Info("worker stopping: queue closed")
				return nil
			}
		}
	}
}

// Snapshot returns the values and sizes of the requested keys that are
// currently in memory, omitting the rest. Safe to call from any
// goroutine: the read happens on the loop goroutine, so it never races
// with event processing. Fails when Run is not active or ctx expires.
func (w *Worker) Snapshot(ctx context.Context, keys []string) (map[string]any, map[string]int64, error) {
	req := dataRequest{keys: keys, reply: make(chan dataReply, 1)}
	select {
	case w.dataReqs <- req:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case reply := <-req.reply:
		return reply.data, reply.nbytes, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// serveData runs on the loop goroutine.
func (w *Worker) serveData(req dataRequest) {
	data := make(map[string]any)
	nbytes := make(map[string]int64)
	for _, key := range req.keys {
		value, ok := w.machine.Data(key)
		if !ok {
			continue
		}
		data[key] = value
		if ts := w.machine.Task(key); ts != nil {
			nbytes[key] = ts.GetNbytes()
		}
	}
	req.reply <- dataReply{data: data, nbytes: nbytes}
}

// dispatch acts on the instructions of one handled stimulus. Called on
// the loop goroutine; anything blocking moves to its own goroutine.
func (w *Worker) dispatch(ctx context.Context, instructions []protocol.Instruction) {
	for _, instr := range instructions {
		switch in := instr.(type) {
		case *protocol.GatherDep:
			go w.gather(ctx, in)
		case *protocol.Execute:
			// Snapshot the spec on the loop goroutine; the task table
			// must not be read from the executor goroutine.
			ts := w.machine.Task(in.Key)
			if ts == nil {
				continue
			}
			spec := ts.RunSpec
			go w.execute(ctx, in, spec)
		case *protocol.FindMissingInstr:
			w.scheduleFindMissing(ctx)
		default:
			go w.sendToScheduler(ctx, instr)
		}
	}
}

func (w *Worker) gather(ctx context.Context, in *protocol.GatherDep) {
	data, nbytes, err := w.transport.Gather(ctx, in.Worker, in.ToGather)
	switch {
	case err == nil:
		var total int64
		for _, n := range nbytes {
			total += n
		}
		w.Enqueue(&protocol.GatherDepSuccessEvent{
			Worker:      in.Worker,
			Data:        data,
			Nbytes:      nbytes,
			TotalNbytes: total,
			StimulusID:  w.stimGen.Generate("gather-dep-success"),
		})
	case errors.Is(err, ErrPeerBusy):
		w.Enqueue(&protocol.GatherDepBusyEvent{
			Worker:      in.Worker,
			TotalNbytes: in.TotalNbytes,
			StimulusID:  w.stimGen.Generate("gather-dep-busy"),
		})
	default:
		w.log.Warn("gather failed",
			"worker", in.Worker,
			"keys", len(in.ToGather),
			"error", err,
		)
		w.Enqueue(&protocol.GatherDepNetworkFailureEvent{
			Worker:      in.Worker,
			TotalNbytes: in.TotalNbytes,
			StimulusID:  w.stimGen.Generate("gather-dep-failure"),
		})
	}
}

func (w *Worker) execute(ctx context.Context, in *protocol.Execute, spec protocol.SerializedTask) {
	res, err := w.executor.Execute(ctx, in.Key, spec)
	switch {
	case err == nil:
		w.Enqueue(&protocol.ExecuteSuccessEvent{
			Key:        in.Key,
			Value:      res.Value,
			Start:      res.Start,
			Stop:       res.Stop,
			Nbytes:     res.Nbytes,
			Type:       res.Type,
			StimulusID: w.stimGen.Generate("execute-success"),
		})
	case errors.Is(err, ErrReschedule):
		w.Enqueue(&protocol.RescheduleEvent{
			Key:        in.Key,
			StimulusID: w.stimGen.Generate("reschedule"),
		})
	default:
		w.Enqueue(&protocol.ExecuteFailureEvent{
			Key:           in.Key,
			Start:         res.Start,
			Stop:          res.Stop,
			ExceptionText: err.Error(),
			StimulusID:    w.stimGen.Generate("execute-failure"),
		})
	}
}

func (w *Worker) scheduleFindMissing(ctx context.Context) {
	timer := time.AfterFunc(w.findMissingInterval, func() {
		w.Enqueue(&protocol.FindMissingEvent{
			StimulusID: w.stimGen.Generate("find-missing"),
		})
	})
	// Let context cancellation kill the pending tick so Run can drain.
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()
}

func (w *Worker) sendToScheduler(ctx context.Context, msg protocol.Instruction) {
	if err := w.transport.SendToScheduler(ctx, msg); err != nil {
		w.log.Error("scheduler send failed",
			"op", msg.Op(),
			"stimulus_id", msg.Stimulus(),
			"error", err,
		)
	}
}
