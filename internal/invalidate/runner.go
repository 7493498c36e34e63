package invalidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/mapsel/spatial-select/internal/cache"
	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/observability"
)

// Catalog is the field-schema cache that must forget a layer when its
// data changes.
type Catalog interface {
	Invalidate(layerID string)
}

// HotnessResetter drops activity scores over a changed area so the
// next cache fill there starts cold.
type HotnessResetter interface {
	ResetWithin(b geom.BBox)
}

type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	return c
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

// Runner consumes layer-change events from a Kafka topic and applies
// them to the query cache, the field catalog and the hotness tracker.
type Runner struct {
	logger  *slog.Logger
	cfg     Config
	store   cache.Store
	catalog Catalog
	hot     HotnessResetter
	ver     *versionDedupe

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(logger *slog.Logger, cfg Config, store cache.Store, catalog Catalog, hot HotnessResetter) *Runner {
	return &Runner{
		logger:  logger,
		cfg:     cfg.withDefaults(),
		store:   store,
		catalog: catalog,
		hot:     hot,
		ver:     newVersionDedupe(8192),
		assign:  map[int32]struct{}{},
	}
}

// Start launches the consumer group loop. Disabled configuration is a
// quiet no-op so the binary runs without Kafka.
func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.logger.Info("invalidation runner disabled")
		return nil
	}
	if r.store == nil {
		return errors.New("invalidation runner: cache store is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.logger.Error("consumer group close", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.logger.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.logger.Error("kafka group error", "err", err)
		}
	}()

	r.logger.Info("invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("invalidation runner stopped")
}

// Readiness reports whether the group has assigned partitions.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	if !msg.Timestamp.IsZero() {
		observability.SetInvalidationLag(time.Since(msg.Timestamp).Seconds())
	}

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		err = fmt.Errorf("decode: %w", err)
		observability.ObserveInvalidation("unknown", err, time.Since(start).Seconds())
		return err
	}
	if err := ev.Validate(); err != nil {
		err = fmt.Errorf("validate: %w", err)
		observability.ObserveInvalidation(ev.Op, err, time.Since(start).Seconds())
		return err
	}

	if !r.ver.shouldApply(ev.Layer, ev.Version) {
		observability.IncInvalidationSkipped()
		return nil
	}

	err := r.apply(ctx, ev)
	observability.ObserveInvalidation(ev.Op, err, time.Since(start).Seconds())
	return err
}

// apply purges the event's slice of the cache and forgets the layer's
// cached schema. An event without a bbox flushes the whole layer.
func (r *Runner) apply(ctx context.Context, ev Event) error {
	var purged int
	var err error
	if ev.BBox != nil {
		purged, err = r.store.PurgeWithin(ctx, ev.Layer, *ev.BBox)
	} else {
		purged, err = r.store.PurgeLayer(ctx, ev.Layer)
	}
	if err != nil {
		return fmt.Errorf("purge %s: %w", ev.Layer, err)
	}
	observability.AddInvalidationPurged(purged)

	if r.catalog != nil {
		r.catalog.Invalidate(ev.Layer)
	}
	if r.hot != nil && ev.BBox != nil {
		r.hot.ResetWithin(*ev.BBox)
	}

	r.logger.Debug("invalidation applied",
		"layer", ev.Layer,
		"op", ev.Op,
		"version", ev.Version,
		"purged", purged,
		"scoped", ev.BBox != nil)
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
