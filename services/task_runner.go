package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"caresim/logger"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	taskTopic = "chat.tasks"
	// after the drain deadline, cancelled handlers get this long to record
	// their failure
	cancelGrace = 15 * time.Second
)

var ErrRunnerClosed = errors.New("task runner is not accepting work")

type TaskKind string

const (
	TaskSendMessage TaskKind = "send_message"
	TaskGetHelp     TaskKind = "get_help"
	TaskGrade       TaskKind = "grade"
)

// Task is one unit of background work for a chat.
type Task struct {
	Kind   TaskKind `json:"kind"`
	ChatID uint     `json:"chat_id"`
	UserID uint     `json:"user_id"`
	Token  string   `json:"token"`
	// MessageIndex is the position of the message a send_message task answers.
	MessageIndex int `json:"message_index,omitempty"`
	// Turn is the help turn a get_help task fills in.
	Turn int `json:"turn,omitempty"`
}

type TaskHandler func(ctx context.Context, task Task) error

// TaskRunner executes tasks off the request path. Each dispatch queues the
// task on its chat and publishes a wake-up on an in-process watermill topic.
// Tasks for the same chat run one after another in dispatch order; at most
// `workers` run at once overall. There are no retries.
type TaskRunner struct {
	pubSub *gochannel.GoChannel
	sem    *semaphore.Weighted
	serial *keyedMutex
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queues   map[uint][]Task
	handler  TaskHandler
	started  bool
	closed   bool
	inflight sync.WaitGroup
}

type wakeup struct {
	ChatID uint `json:"chat_id"`
}

func NewTaskRunner(workers int, log *zap.Logger) *TaskRunner {
	if workers <= 0 {
		workers = 1
	}
	log = log.Named("tasks")
	ctx, cancel := context.WithCancel(context.Background())

	return &TaskRunner{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			logger.NewWatermillAdapter(log),
		),
		sem:    semaphore.NewWeighted(int64(workers)),
		serial: newKeyedMutex(),
		queues: make(map[uint][]Task),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the task topic and begins handing tasks to handler.
func (r *TaskRunner) Start(handler TaskHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRunnerClosed
	}
	if r.started {
		return errors.New("task runner already started")
	}

	messages, err := r.pubSub.Subscribe(r.ctx, taskTopic)
	if err != nil {
		return err
	}
	r.handler = handler
	r.started = true

	go r.consume(messages)
	return nil
}

// Dispatch queues a task. It never blocks on the task itself.
func (r *TaskRunner) Dispatch(task Task) error {
	payload, err := json.Marshal(wakeup{ChatID: task.ChatID})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if !r.started || r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.queues[task.ChatID] = append(r.queues[task.ChatID], task)
	r.inflight.Add(1)
	r.mu.Unlock()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", string(task.Kind))
	if err := r.pubSub.Publish(taskTopic, msg); err != nil {
		r.dequeueLast(task.ChatID)
		r.inflight.Done()
		return err
	}
	return nil
}

func (r *TaskRunner) dequeueLast(chatID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[chatID]
	if len(q) <= 1 {
		delete(r.queues, chatID)
		return
	}
	r.queues[chatID] = q[:len(q)-1]
}

// next pops the oldest queued task for chatID.
func (r *TaskRunner) next(chatID uint) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[chatID]
	if len(q) == 0 {
		return Task{}, false
	}
	task := q[0]
	if len(q) == 1 {
		delete(r.queues, chatID)
	} else {
		r.queues[chatID] = q[1:]
	}
	return task, true
}

func (r *TaskRunner) consume(messages <-chan *message.Message) {
	for msg := range messages {
		// the subscriber holds the next message until this one is acked
		msg.Ack()

		var w wakeup
		if err := json.Unmarshal(msg.Payload, &w); err != nil {
			r.log.Error("dropping malformed wake-up", zap.String("message_id", msg.UUID), zap.Error(err))
			r.inflight.Done()
			continue
		}
		go r.execute(w.ChatID)
	}
}

func (r *TaskRunner) execute(chatID uint) {
	defer r.inflight.Done()

	// Wake-ups may arrive out of order; popping under the chat lock keeps
	// execution in dispatch order.
	unlock := r.serial.Lock(chatID)
	defer unlock()

	task, ok := r.next(chatID)
	if !ok {
		r.log.Error("wake-up without queued task", zap.Uint("chat_id", chatID))
		return
	}

	// A cancelled runner still lets the handler run so it can record the
	// failure on the chat.
	if err := r.sem.Acquire(r.ctx, 1); err == nil {
		defer r.sem.Release(1)
	}

	start := time.Now()
	err := r.handler(r.ctx, task)
	fields := []zap.Field{
		zap.String("kind", string(task.Kind)),
		zap.Uint("chat_id", task.ChatID),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		r.log.Error("task failed", append(fields, zap.Error(err))...)
		return
	}
	r.log.Debug("task finished", fields...)
}

// Wait blocks until every dispatched task has finished.
func (r *TaskRunner) Wait() {
	r.inflight.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx is
// done. Tasks still running then see their context cancelled.
func (r *TaskRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.log.Warn("drain deadline reached, cancelling running tasks")
		r.cancel()
		select {
		case <-done:
		case <-time.After(cancelGrace):
			r.log.Error("tasks still running after cancellation")
		}
	}

	r.cancel()
	if closeErr := r.pubSub.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
