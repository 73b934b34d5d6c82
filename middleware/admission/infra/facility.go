package infra

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"admission-gateway/middleware/admission/domain"
)

// ErrEmptyResource é devolvido por Enter quando o nome do recurso é vazio.
var ErrEmptyResource = errors.New("admission: empty resource name")

// Facility é a implementação de domain.Facility.
//
// Cada Enter passa por uma cadeia de slots, na ordem:
// authority → system → flow → quota → concurrency → circuit.
// Se um slot rejeita, as vagas já adquiridas pelos anteriores são liberadas
// (inclusive o token de flow) e o circuit breaker não conta a tentativa.
type Facility struct {
	rules atomic.Pointer[ruleIndex]

	flow     *Store
	pools    *poolRegistry
	breakers *breakerRegistry
	quota    *redis_rate.Limiter

	systemMu   sync.Mutex
	systemPool *chanPool

	stats   domain.StatsStore
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	slots []slot
}

type facilityConfig struct {
	rules           domain.Rules
	storeOpts       []StoreOption
	rdb             redis.UniversalClient
	quotaPrefix     string
	stats           domain.StatsStore
	meterProvider   metric.MeterProvider
	tracerProvider  trace.TracerProvider
	logger          *slog.Logger
	breakerCapacity int
}

type Option func(*facilityConfig)

func WithRules(rules domain.Rules) Option {
	return func(c *facilityConfig) { c.rules = rules }
}

// WithStoreOptions repassa opções ao Store de token buckets (regras de flow).
func WithStoreOptions(opts ...StoreOption) Option {
	return func(c *facilityConfig) { c.storeOpts = append(c.storeOpts, opts...) }
}

// WithRedis habilita as regras de quota distribuída (redis_rate).
// Sem cliente Redis, regras de quota são ignoradas.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(c *facilityConfig) { c.rdb = rdb }
}

func WithQuotaPrefix(prefix string) Option {
	return func(c *facilityConfig) { c.quotaPrefix = prefix }
}

func WithStats(s domain.StatsStore) Option {
	return func(c *facilityConfig) { c.stats = s }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *facilityConfig) { c.meterProvider = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *facilityConfig) { c.tracerProvider = tp }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *facilityConfig) { c.logger = l }
}

// WithBreakerCapacity limita quantos circuit breakers ficam em memória.
func WithBreakerCapacity(n int) Option {
	return func(c *facilityConfig) { c.breakerCapacity = n }
}

func NewFacility(opts ...Option) (*Facility, error) {
	cfg := facilityConfig{
		quotaPrefix:     "admission:quota:",
		meterProvider:   metricnoop.NewMeterProvider(),
		tracerProvider:  tracenoop.NewTracerProvider(),
		logger:          slog.Default(),
		breakerCapacity: 1024,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	metrics, err := NewMetrics(cfg.meterProvider)
	if err != nil {
		return nil, err
	}

	f := &Facility{
		flow:    NewStore(cfg.storeOpts...),
		pools:   newPoolRegistry(),
		stats:   cfg.stats,
		metrics: metrics,
		tracer:  cfg.tracerProvider.Tracer("admission-gateway/middleware/admission"),
		logger:  cfg.logger,
	}

	f.breakers, err = newBreakerRegistry(cfg.breakerCapacity, f.logStateChange)
	if err != nil {
		return nil, err
	}

	f.slots = []slot{authoritySlot{}, systemSlot{f}, flowSlot{f}}
	if cfg.rdb != nil {
		f.quota = redis_rate.NewLimiter(cfg.rdb)
		f.slots = append(f.slots, quotaSlot{f: f, prefix: cfg.quotaPrefix})
	}
	// circuit fica por último: o breaker só é consultado depois das demais regras admitirem.
	f.slots = append(f.slots, concurrencySlot{f}, circuitSlot{f})

	if err := f.LoadRules(cfg.rules); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadRules valida e troca atomicamente o conjunto de regras.
// Em caso de erro as regras anteriores continuam valendo.
func (f *Facility) LoadRules(rules domain.Rules) error {
	idx, err := compileRules(rules)
	if err != nil {
		return err
	}
	if len(idx.quota) > 0 && f.quota == nil {
		f.logger.Warn("admission: quota rules ignored, no redis client configured", "rules", len(idx.quota))
	}
	f.rules.Store(idx)

	f.pools.Retain(func(resource string) bool { _, ok := idx.concurrency[resource]; return ok })
	f.breakers.Retain(func(resource string) bool { _, ok := idx.circuit[resource]; return ok })

	f.logger.Info("admission: rules loaded",
		"flow", len(idx.flow),
		"quota", len(idx.quota),
		"concurrency", len(idx.concurrency),
		"circuit", len(idx.circuit),
		"authority", len(idx.authority),
		"system_max_concurrency", idx.system.MaxConcurrency)
	return nil
}

// Rules devolve as regras atualmente carregadas (como foram informadas).
func (f *Facility) Rules() domain.Rules {
	return f.rules.Load().raw
}

// BreakerState devolve o estado do circuit breaker do recurso ("closed", "open", "half-open").
func (f *Facility) BreakerState(resource string) (string, bool) {
	st, ok := f.breakers.State(resource)
	if !ok {
		return "", false
	}
	return st.String(), true
}

// StartJanitor limpa periodicamente os token buckets de recursos inativos.
func (f *Facility) StartJanitor(ctx DoneContext) {
	f.flow.StartJanitor(ctx)
}

// Enter implementa domain.Facility.
func (f *Facility) Enter(ctx context.Context, resource string, typ domain.EntryType) (domain.Entry, error) {
	if resource == "" {
		return nil, ErrEmptyResource
	}

	e := &entry{
		f:        f,
		ctx:      context.WithoutCancel(ctx),
		resource: resource,
		typ:      typ,
		origin:   domain.EmptyOrigin,
		tc:       activeContext(ctx),
	}
	if e.tc != nil {
		e.origin = e.tc.origin
	}

	rules := f.rules.Load()
	for _, s := range f.slots {
		exit, err := s.entry(ctx, rules, e)
		if err != nil {
			e.rollback()
			f.onReject(ctx, e, err)
			return nil, err
		}
		if exit != nil {
			e.exits = append(e.exits, exit)
		}
	}

	e.open(ctx)
	return e, nil
}

func (f *Facility) onReject(ctx context.Context, e *entry, err error) {
	be, ok := domain.AsBlockError(err)
	if !ok {
		return
	}
	f.metrics.recordBlock(ctx, e.resource, string(be.Reason))
	f.record(e.ctx, domain.StatsEvent{
		Resource: e.resource,
		Origin:   e.origin,
		Kind:     domain.StatsBlock,
		Reason:   be.Reason,
	})
	f.logger.Debug("admission: entry blocked",
		"resource", e.resource, "origin", e.origin, "reason", be.Reason)
}

func (f *Facility) record(ctx context.Context, ev domain.StatsEvent) {
	if f.stats == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := f.stats.Record(ctx, ev); err != nil {
		f.logger.Debug("admission: stats record failed", "resource", ev.Resource, "error", err)
	}
}

func (f *Facility) logStateChange(name string, from, to gobreaker.State) {
	f.logger.Info("admission: circuit state changed", "resource", name, "from", from.String(), "to", to.String())
}

func (f *Facility) systemSlotPool(max int) *chanPool {
	f.systemMu.Lock()
	defer f.systemMu.Unlock()
	if f.systemPool == nil || f.systemPool.Cap() != max {
		f.systemPool = newChanPool(max)
	}
	return f.systemPool
}
