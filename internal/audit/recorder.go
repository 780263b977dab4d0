package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"portal-auth/internal/bucketing"
	"portal-auth/internal/client"
	"portal-auth/internal/config"
	"portal-auth/internal/util"
)

// Event is a single audit record emitted by the auth flows.
type Event struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Email      string    `json:"email,omitempty"`
	IdentityID string    `json:"identity_id,omitempty"`
	PortalType string    `json:"portal_type,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Security   bool      `json:"security"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventLoginBegin         = "login.begin"
	EventLoginPassword      = "login.password"
	EventLoginSecondStep    = "login.second_factor"
	EventLoginComplete      = "login.complete"
	EventLockout            = "login.lockout"
	EventLogout             = "session.logout"
	EventSessionRevokeAll   = "session.revoke_all"
	EventTOTPEnroll         = "totp.enroll"
	EventTOTPActivate       = "totp.activate"
	EventResetRequest       = "reset.request"
	EventResetComplete      = "reset.complete"
	EventPasswordChange     = "password.change"
	EventNDAChange          = "nda.change"
	EventIdentityCreate     = "identity.create"
	EventIdentityDeactivate = "identity.deactivate"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Recorder buffers audit events and ships them asynchronously to Kafka,
// ClickHouse, and Elasticsearch. Record never blocks the auth path; if
// the buffer is full the event is dropped and counted.
type Recorder struct {
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	bucketing  *bucketing.BucketingManager
	logger     *zap.Logger

	topic   string
	esIndex string

	events  chan *Event
	dropped int64
	mu      sync.Mutex
	wg      sync.WaitGroup
	done    chan struct{}
}

func NewRecorder(
	cfg *config.Config,
	kafkaProducer *client.KafkaProducer,
	clickhouseClient *client.ClickHouseClient,
	esClient *client.ESClient,
	bucketingManager *bucketing.BucketingManager,
	logger *zap.Logger,
) *Recorder {
	r := &Recorder{
		kafka:      kafkaProducer,
		clickhouse: clickhouseClient,
		es:         esClient,
		bucketing:  bucketingManager,
		logger:     logger,
		topic:      cfg.Kafka.AuditTopic,
		esIndex:    cfg.Elasticsearch.AuditIndex,
		events:     make(chan *Event, 1024),
		done:       make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record enqueues an event. Auth flows call this fire-and-forget; a full
// buffer drops the event rather than stalling a login.
func (r *Recorder) Record(event *Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	select {
	case r.events <- event:
	default:
		r.mu.Lock()
		r.dropped++
		dropped := r.dropped
		r.mu.Unlock()
		util.Warn("Audit buffer full, event dropped",
			zap.String("event_type", event.EventType),
			zap.Int64("dropped_total", dropped))
	}
}

// Dropped returns the number of events lost to backpressure.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes buffered events and stops the worker.
func (r *Recorder) Close() {
	close(r.done)
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	const maxBatch = 100
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*Event, 0, maxBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.ship(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-r.events:
			batch = append(batch, event)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			// Drain whatever is still queued
			for {
				select {
				case event := <-r.events:
					batch = append(batch, event)
					if len(batch) >= maxBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) ship(batch []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.shipKafka(ctx, batch) })
	g.Go(func() error { return r.shipClickhouse(ctx, batch) })
	g.Go(func() error { return r.shipElasticsearch(ctx, batch) })

	if err := g.Wait(); err != nil {
		util.Error("Audit batch partially failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	}
}

func (r *Recorder) shipKafka(ctx context.Context, batch []*Event) error {
	if r.kafka == nil {
		return nil
	}

	for _, event := range batch {
		value, err := json.Marshal(event)
		if err != nil {
			continue
		}

		// Bucketed key keeps per-identity ordering within a partition
		key := fmt.Sprintf("bucket-%d", r.bucketing.GetEventBucket(event.Email))

		if err := r.kafka.ProduceMessage(ctx, r.topic, []byte(key), value, map[string]string{
			"event_type": event.EventType,
		}); err != nil {
			return fmt.Errorf("kafka audit publish failed: %w", err)
		}
	}

	return nil
}

func (r *Recorder) shipClickhouse(ctx context.Context, batch []*Event) error {
	if r.clickhouse == nil {
		return nil
	}

	rows := make([][]interface{}, 0, len(batch))
	for _, event := range batch {
		rows = append(rows, []interface{}{
			event.EventID, event.EventType, event.Email, event.IdentityID,
			event.PortalType, event.IP, event.Outcome, event.Detail,
			event.Security, event.OccurredAt, r.bucketing.GetDateBucket(),
		})
	}

	query := `INSERT INTO auth_audit_events (
		event_id, event_type, email, identity_id, portal_type, ip,
		outcome, detail, security, occurred_at, date_bucket)`

	if err := r.clickhouse.BatchInsert(ctx, query, rows); err != nil {
		return fmt.Errorf("clickhouse audit insert failed: %w", err)
	}

	return nil
}

// Only security-relevant events go to Elasticsearch; it backs the
// incident search UI, not general analytics.
func (r *Recorder) shipElasticsearch(ctx context.Context, batch []*Event) error {
	if r.es == nil {
		return nil
	}

	for _, event := range batch {
		if !event.Security {
			continue
		}

		res, err := r.es.IndexDocument(r.esIndex, event.EventID, event)
		if err != nil {
			return fmt.Errorf("elasticsearch audit index failed: %w", err)
		}
		res.Body.Close()
	}

	return nil
}
