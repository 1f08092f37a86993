package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/examhub/examhub-go-api/internal/observability"
)

const eventBufferSize = 32

// Event kinds emitted by the import pipeline and the grading state machine.
const (
	EventJobStatusChanged   = "job-status-changed"
	EventJobProgress        = "job-progress"
	EventNewJob             = "new-job"
	EventJobCompleted       = "job-completed"
	EventSubmissionUploaded = "submission-uploaded"
	EventSubmissionGraded   = "submission-graded"
	EventViolationFlagged   = "violation-flagged"
)

// Well-known audience topics. Per-entity topics are built with JobTopic and
// SubmissionTopic; events on those fan out to the matching global topic too.
const (
	TopicJobs        = "jobs"
	TopicSubmissions = "submissions"
)

// JobTopic returns the audience topic for a single import job.
func JobTopic(jobID uint) string {
	return fmt.Sprintf("job:%d", jobID)
}

// SubmissionTopic returns the audience topic for a single submission.
func SubmissionTopic(submissionID uint) string {
	return fmt.Sprintf("submission:%d", submissionID)
}

// Event is one typed lifecycle message. The timestamp is server time so
// clients can order messages across publishers.
type Event struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Topic     string                 `json:"topic"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventService fans lifecycle events out to topic subscribers. Delivery is
// best-effort: publishing never blocks and late subscribers do not replay.
type EventService interface {
	Publish(ctx context.Context, topic, kind string, payload map[string]interface{})
	Subscribe(topic string) (<-chan Event, func())
	Start(ctx context.Context)
}

type eventService struct {
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	logger      zerolog.Logger
	broker      *eventBroker
	nodeID      string
}

type eventEnvelope struct {
	Source string    `json:"source"`
	Event  Event     `json:"event"`
	SentAt time.Time `json:"sent_at"`
}

type eventBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
}

// NewEventService constructs the event publisher. Redis and NATS connections
// are optional; when absent the service runs single-node.
func NewEventService(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) EventService {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":events"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}

	return &eventService{
		redis:       redisClient,
		redisStream: stream,
		nats:        natsConn,
		natsSubject: subject,
		logger:      logger.With().Str("component", "event_service").Logger(),
		broker: &eventBroker{
			subscribers: make(map[string]map[chan Event]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *eventService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *eventService) Publish(ctx context.Context, topic, kind string, payload map[string]interface{}) {
	event := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	observability.EventsPublished().WithLabelValues(kind).Inc()
	s.broadcast(event)

	if err := s.relay(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("kind", kind).Msg("failed to relay event")
	}
}

func (s *eventService) Subscribe(topic string) (<-chan Event, func()) {
	channel := make(chan Event, eventBufferSize)

	s.broker.subscribe(topic, channel)
	observability.EventSubscribersActive().Inc()

	cleanup := func() {
		s.broker.unsubscribe(topic, channel)
		observability.EventSubscribersActive().Dec()
	}

	return channel, cleanup
}

// broadcast delivers to the exact topic plus the matching global audience,
// so `jobs` subscribers see every `job:<id>` event.
func (s *eventService) broadcast(event Event) {
	s.broker.broadcast(event.Topic, event)

	if globalTopic := globalAudience(event.Topic); globalTopic != "" {
		s.broker.broadcast(globalTopic, event)
	}
}

func globalAudience(topic string) string {
	switch {
	case strings.HasPrefix(topic, "job:"):
		return TopicJobs
	case strings.HasPrefix(topic, "submission:"):
		return TopicSubmissions
	default:
		return ""
	}
}

func (s *eventService) relay(ctx context.Context, event Event) error {
	envelope := eventEnvelope{
		Source: s.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *eventService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("event redis subscription closed")
			return
		}
		s.handleRemote([]byte(msg.Payload))
	}
}

func (s *eventService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, "examhub-events", func(msg *nats.Msg) {
		s.handleRemote(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats events subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain event nats subscription")
		}
	}()
}

func (s *eventService) handleRemote(payload []byte) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid event envelope")
		return
	}

	if envelope.Source == s.nodeID {
		return
	}

	s.broadcast(envelope.Event)
}

func (b *eventBroker) subscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[topic]; !exists {
		b.subscribers[topic] = make(map[chan Event]struct{})
	}
	b.subscribers[topic][ch] = struct{}{}
}

func (b *eventBroker) unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[topic]; ok {
		if _, present := subscribers[ch]; present {
			delete(subscribers, ch)
			close(ch)
		}
		if len(subscribers) == 0 {
			delete(b.subscribers, topic)
		}
	}
}

func (b *eventBroker) broadcast(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := b.subscribers[topic]
	for ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
