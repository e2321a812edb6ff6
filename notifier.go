package shuffle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
)

// ExecutionErrorEvent is published when a peer reports that the job failed.
type ExecutionErrorEvent struct {
	Job         string `json:"job"`
	Remote      string `json:"remote"`
	ContainerID int64  `json:"container_id"`
	TaskID      int32  `json:"task_id"`
	Payload     []byte `json:"payload,omitempty"`
	At          int64  `json:"at"`
}

// TaskFinishedEvent is published when an interrupted network task reaches
// its terminal state.
type TaskFinishedEvent struct {
	Job  string `json:"job"`
	Task string `json:"task"`
	At   int64  `json:"at"`
}

// ExecutionErrorTopic is the topic carrying ExecutionErrorEvents for job.
func ExecutionErrorTopic(job string) string {
	return "shuffle." + job + ".execution_errors"
}

// TaskFinishedTopic is the topic carrying TaskFinishedEvents for job.
func TaskFinishedTopic(job string) string {
	return "shuffle." + job + ".task_finished"
}

// PubSubJobManager implements JobManager by publishing events on a
// watermill publisher. Job-level components subscribe to the topics to
// stop local containers and track task completion.
type PubSubJobManager struct {
	job       string
	publisher message.Publisher
	ids       IDGenerator
	logger    *slog.Logger
	now       func() time.Time
}

// NewPubSubJobManager publishes events for job on publisher. A nil ids
// generator defaults to ULIDs.
func NewPubSubJobManager(job string, publisher message.Publisher, ids IDGenerator, logger *slog.Logger) *PubSubJobManager {
	if ids == nil {
		ids = NewULIDGenerator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubJobManager{
		job:       job,
		publisher: publisher,
		ids:       ids,
		logger:    logger.With("job", job),
		now:       time.Now,
	}
}

// NewGoChannelPubSub returns an in-process publisher and subscriber that
// log through logger.
func NewGoChannelPubSub(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, watermill.NewSlogLogger(logger))
}

func (m *PubSubJobManager) NotifyExecutionError(p *Packet) error {
	ev := ExecutionErrorEvent{
		Job:         m.job,
		Remote:      p.RemoteAddress,
		ContainerID: p.ContainerID,
		TaskID:      p.TaskID,
		Payload:     p.Payload,
		At:          m.now().UnixMilli(),
	}
	if err := m.publish(ExecutionErrorTopic(m.job), ev, p.RemoteAddress); err != nil {
		return fmt.Errorf("publish execution error: %w", err)
	}
	m.logger.Warn("execution error reported by peer", "remote", p.RemoteAddress)
	return nil
}

func (m *PubSubJobManager) NetworkTaskFinished(task string) {
	ev := TaskFinishedEvent{
		Job:  m.job,
		Task: task,
		At:   m.now().UnixMilli(),
	}
	if err := m.publish(TaskFinishedTopic(m.job), ev, ""); err != nil {
		m.logger.Error("publish task finished failed", "task", task, "error", err)
	}
}

func (m *PubSubJobManager) publish(topic string, v any, remote string) error {
	payload, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return err
	}
	msg := message.NewMessage(m.ids.NewID(), payload)
	msg.Metadata.Set("job", m.job)
	if remote != "" {
		msg.Metadata.Set("remote", remote)
	}
	return m.publisher.Publish(topic, msg)
}

// SubscribeExecutionErrors decodes the execution-error events of job from
// sub. The returned channel closes when ctx is done or the subscription
// ends. Malformed messages are logged and acked.
func SubscribeExecutionErrors(ctx context.Context, sub message.Subscriber, job string, logger *slog.Logger) (<-chan ExecutionErrorEvent, error) {
	return subscribeEvents[ExecutionErrorEvent](ctx, sub, ExecutionErrorTopic(job), logger)
}

// SubscribeTaskFinished decodes the task-finished events of job from sub.
func SubscribeTaskFinished(ctx context.Context, sub message.Subscriber, job string, logger *slog.Logger) (<-chan TaskFinishedEvent, error) {
	return subscribeEvents[TaskFinishedEvent](ctx, sub, TaskFinishedTopic(job), logger)
}

func subscribeEvents[T any](ctx context.Context, sub message.Subscriber, topic string, logger *slog.Logger) (<-chan T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan T)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev T
			if err := sonic.ConfigStd.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Warn("dropping malformed event", "topic", topic, "uuid", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}
