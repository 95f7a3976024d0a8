package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsmesh/conductor/conversation"
	"github.com/opsmesh/conductor/core"
)

// Orchestrator is the façade the transport layer talks to. It serializes
// requests per thread, appends the user message, runs the state machine,
// and streams events back while the plan executes. Background memory
// maintenance is triggered after every run.
type Orchestrator struct {
	store   conversation.Store
	machine *Machine
	memory  *conversation.MemoryManager
	logger  core.Logger

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// New creates an orchestrator. The memory manager may be nil.
func New(store conversation.Store, machine *Machine, memory *conversation.MemoryManager, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Orchestrator{
		store:   store,
		machine: machine,
		memory:  memory,
		logger:  logger,
		threads: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) threadLock(threadID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.threads[threadID]
	if !ok {
		l = &sync.Mutex{}
		o.threads[threadID] = l
	}
	return l
}

// ProcessMessage handles one user message on a thread. The returned channel
// streams execution events and closes when the run settles (plan completed,
// interrupted, or failed). Concurrent messages on the same thread are
// serialized in arrival order; different threads run independently.
func (o *Orchestrator) ProcessMessage(ctx context.Context, threadID, userID, text string) (<-chan Event, error) {
	if threadID == "" || text == "" {
		return nil, fmt.Errorf("orchestration.ProcessMessage: thread id and message are required: %w",
			core.ErrInvalidConfiguration)
	}

	events := make(chan Event, 32)

	go func() {
		defer close(events)

		lock := o.threadLock(threadID)
		lock.Lock()
		defer lock.Unlock()

		emit := func(e Event) {
			select {
			case events <- e:
			default:
				// A stalled reader must not wedge plan execution; state is
				// checkpointed so nothing is lost but the live notification.
				o.logger.Warn("Event dropped, consumer not keeping up", map[string]interface{}{
					"operation": "process_message",
					"thread_id": threadID,
					"event":     string(e.Type),
				})
			}
		}

		state, err := o.store.Mutate(threadID, userID, true, func(s *conversation.ThreadState) error {
			s.Messages = append(s.Messages, conversation.Message{
				Role:      conversation.RoleUser,
				Content:   text,
				Timestamp: time.Now().UTC(),
			})
			return nil
		})
		if err != nil {
			emit(Event{Type: EventError, ThreadID: threadID, Message: err.Error(), Timestamp: time.Now().UTC()})
			return
		}
		emit(Event{Type: EventMessageAppended, ThreadID: threadID, Timestamp: time.Now().UTC()})

		start := time.Now()
		o.logger.Info("Processing message", map[string]interface{}{
			"operation": "process_message",
			"thread_id": threadID,
			"user_id":   state.UserID,
			"resumed":   state.Interrupted(),
		})

		if err := o.machine.Run(ctx, threadID, emit); err != nil {
			o.logger.Error("Run failed", map[string]interface{}{
				"operation":  "process_message",
				"thread_id":  threadID,
				"elapsed_ms": time.Since(start).Milliseconds(),
				"error":      err.Error(),
			})
			emit(Event{Type: EventError, ThreadID: threadID, Message: err.Error(), Timestamp: time.Now().UTC()})
		} else {
			o.logger.Info("Message processed", map[string]interface{}{
				"operation":  "process_message",
				"thread_id":  threadID,
				"elapsed_ms": time.Since(start).Milliseconds(),
			})
		}

		if o.memory != nil {
			if final, err := o.store.Load(threadID); err == nil {
				o.memory.Observe(final)
			}
		}
	}()

	return events, nil
}

// Thread returns the current state of a thread.
func (o *Orchestrator) Thread(threadID string) (*conversation.ThreadState, error) {
	return o.store.Load(threadID)
}

// DeleteThread removes a thread's transcript and checkpoints.
func (o *Orchestrator) DeleteThread(threadID string) error {
	lock := o.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.store.Delete(threadID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.threads, threadID)
	o.mu.Unlock()
	return nil
}

// Threads lists all persisted thread ids.
func (o *Orchestrator) Threads() ([]string, error) {
	return o.store.List()
}

// Shutdown waits for background memory maintenance to drain.
func (o *Orchestrator) Shutdown() {
	if o.memory != nil {
		o.memory.Wait()
	}
}
