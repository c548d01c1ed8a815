// Package manager provides the queue manager for the message router: pool
// lifecycle, in-flight deduplication, control-plane config sync, and the
// background loops that keep pools and consumers healthy.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.relaymesh.dev/internal/common/metrics"
	"go.relaymesh.dev/internal/common/tsid"
	"go.relaymesh.dev/internal/queue"
	"go.relaymesh.dev/internal/router/configclient"
	"go.relaymesh.dev/internal/router/mediator"
	"go.relaymesh.dev/internal/router/model"
	"go.relaymesh.dev/internal/router/pool"
	"go.relaymesh.dev/internal/router/tracker"
	"go.relaymesh.dev/internal/router/warning"
)

// Default pool configuration constants.
const (
	DefaultPoolConcurrency         = 20
	DefaultQueueCapacityMultiplier = 2
	MinQueueCapacity               = 50
	DefaultPoolCode                = "DEFAULT-POOL"

	// DefaultMaxPoolsSoft is the pool count beyond which new-pool creation
	// raises a WARN warning (still created).
	DefaultMaxPoolsSoft = 50
	// DefaultMaxPoolsHard is the pool count at and beyond which new-pool
	// creation is rejected with a CRITICAL warning (spec.md §4.6).
	DefaultMaxPoolsHard = 100
)

// StandbyChecker reports whether this instance holds the primary lock.
// Config sync and reconciliation only run on the primary.
type StandbyChecker interface {
	IsPrimary() bool
}

// PoolConfig holds configuration for a processing pool.
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// ConfigSyncConfig holds configuration for the control-plane config sync loop.
type ConfigSyncConfig struct {
	Enabled bool
	// Interval is how often to pull the control-plane config (spec.md §4.6: 5 minutes).
	Interval time.Duration
	// InitialDelay is waited before the very first fetch attempt.
	InitialDelay time.Duration
	// InitialRetryAttempts bounds the first sync's retry budget (spec.md §4.6: 12).
	InitialRetryAttempts int
	// InitialRetryDelay is the delay between initial retry attempts (spec.md §4.6: 5s).
	InitialRetryDelay time.Duration
	// FailOnInitialSyncError makes the process exit if the initial sync
	// never succeeds (spec.md §6/§8 S7: non-zero exit, CONFIG_SYNC_FAILED).
	FailOnInitialSyncError bool
}

// DefaultConfigSyncConfig returns the cadence from spec.md §4.6.
func DefaultConfigSyncConfig() *ConfigSyncConfig {
	return &ConfigSyncConfig{
		Enabled:                false,
		Interval:               5 * time.Minute,
		InitialDelay:           2 * time.Second,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// ConsumerHealthConfig holds configuration for the health supervisor loop.
type ConsumerHealthConfig struct {
	Enabled bool
	// CheckInterval is how often to sweep consumers (spec.md §4.6: 60s).
	CheckInterval time.Duration
	// StallThreshold is how long without activity before a consumer is unhealthy.
	StallThreshold time.Duration
}

// DefaultConsumerHealthConfig returns the cadence from spec.md §4.6.
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:        true,
		CheckInterval:  60 * time.Second,
		StallThreshold: 90 * time.Second,
	}
}

// LeakDetectionConfig holds configuration for the leak detector loop.
type LeakDetectionConfig struct {
	Enabled bool
	// Interval is how often to compare tracker size to pool capacity (spec.md §4.6: 30s).
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns the cadence from spec.md §4.6.
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// DrainingReclaimConfig holds configuration for the draining reclaimer loop.
type DrainingReclaimConfig struct {
	Enabled bool
	// Interval is how often to sweep draining pools/consumers (spec.md §4.6: 10s).
	Interval time.Duration
}

// DefaultDrainingReclaimConfig returns the cadence from spec.md §4.6.
func DefaultDrainingReclaimConfig() *DrainingReclaimConfig {
	return &DrainingReclaimConfig{
		Enabled:  true,
		Interval: 10 * time.Second,
	}
}

// WarningService reports operational warnings to the control plane.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// ConsumerFactory builds the queue.Consumer for one queue config, for
// initial startup, config-driven reconciliation, and health-triggered
// replacement alike.
type ConsumerFactory func(cfg configclient.QueueConfig) (queue.Consumer, error)

// QueueManager owns processing pools by code, consumers by queue
// identifier, and the in-flight tracker (spec.md §4.6).
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // code -> *pool.ProcessPool

	consumers        map[string]*Consumer
	consumerConfigs  map[string]configclient.QueueConfig
	consumersMu      sync.RWMutex
	drainingConsumers sync.Map // queueIdentifier -> *Consumer
	consumerFactory  ConsumerFactory

	tracker *tracker.InFlightTracker

	mediator        *mediator.HTTPMediator
	messageCallback *MessageCallbackImpl
	running         bool
	runningMu       sync.Mutex
	initialized     bool

	standbyChecker StandbyChecker

	configClient *configclient.Client
	syncConfig   *ConfigSyncConfig
	syncCtx      context.Context
	syncCancel   context.CancelFunc
	syncWg       sync.WaitGroup
	reconcileMu  sync.Mutex

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup

	leakConfig   *LeakDetectionConfig
	leakCtx      context.Context
	leakCancel   context.CancelFunc
	leakWg       sync.WaitGroup

	reclaimConfig *DrainingReclaimConfig
	reclaimCtx    context.Context
	reclaimCancel context.CancelFunc
	reclaimWg     sync.WaitGroup

	maxPoolsSoft int
	maxPoolsHard int

	warningService WarningService
}

// NewQueueManager creates a new queue manager.
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	httpMediator := mediator.NewHTTPMediator(mediatorCfg)

	qm := &QueueManager{
		pools:           make(map[string]*pool.ProcessPool),
		consumers:       make(map[string]*Consumer),
		consumerConfigs: make(map[string]configclient.QueueConfig),
		tracker:         tracker.New(),
		mediator:        httpMediator,
		syncConfig:      DefaultConfigSyncConfig(),
		healthConfig:    DefaultConsumerHealthConfig(),
		leakConfig:      DefaultLeakDetectionConfig(),
		reclaimConfig:   DefaultDrainingReclaimConfig(),
		maxPoolsSoft:    DefaultMaxPoolsSoft,
		maxPoolsHard:    DefaultMaxPoolsHard,
	}

	qm.messageCallback = &MessageCallbackImpl{manager: qm}

	return qm
}

// WithConfigClient enables control-plane config sync, replacing a static
// pool/consumer set with one reconciled from url on syncConfig.Interval.
func (m *QueueManager) WithConfigClient(url string, cfg *ConfigSyncConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConfigSyncConfig()
	}
	cfg.Enabled = true
	m.configClient = configclient.New(url)
	m.syncConfig = cfg
	return m
}

// WithConsumerFactory sets the factory used to build consumers for queues
// named by the control-plane config, and to replace unhealthy consumers.
func (m *QueueManager) WithConsumerFactory(factory ConsumerFactory) *QueueManager {
	m.consumerFactory = factory
	return m
}

// WithStandbyChecker sets the standby checker for HA mode. When set,
// config sync and reconciliation only run while this instance is primary.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithConsumerHealthConfig configures the health supervisor loop.
func (m *QueueManager) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	m.healthConfig = cfg
	return m
}

// WithLeakDetection configures the leak detector loop.
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakConfig = cfg
	return m
}

// WithDrainingReclaim configures the draining reclaimer loop.
func (m *QueueManager) WithDrainingReclaim(cfg *DrainingReclaimConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultDrainingReclaimConfig()
	}
	m.reclaimConfig = cfg
	return m
}

// WithWarningService sets the warning service used to surface operational issues.
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// WithPoolLimits overrides the soft/hard pool count thresholds used during
// config reconciliation (spec.md §4.6's maxPools cap).
func (m *QueueManager) WithPoolLimits(soft, hard int) *QueueManager {
	if soft > 0 {
		m.maxPoolsSoft = soft
	}
	if hard > 0 {
		m.maxPoolsHard = hard
	}
	return m
}

// AddConsumer registers a consumer for queueIdentifier outside of
// control-plane reconciliation (used for static/bootstrap wiring). Starts
// it immediately if the manager is already running.
func (m *QueueManager) AddConsumer(queueIdentifier string, queueConsumer queue.Consumer) *Consumer {
	c := NewConsumer(m, queueConsumer, queueIdentifier)

	m.consumersMu.Lock()
	m.consumers[queueIdentifier] = c
	m.consumersMu.Unlock()

	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if running {
		c.Start()
	}
	return c
}

// Start starts the queue manager: config sync (if configured) and the
// three background loops (spec.md §4.6).
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	m.running = true
	m.runningMu.Unlock()

	m.consumersMu.RLock()
	for _, c := range m.consumers {
		c.Start()
	}
	m.consumersMu.RUnlock()

	if m.syncConfig.Enabled && m.configClient != nil {
		m.syncCtx, m.syncCancel = context.WithCancel(context.Background())
		m.syncWg.Add(1)
		go m.runConfigSync()
		slog.Info("Control-plane config sync started", "interval", m.syncConfig.Interval)
	}

	if m.reclaimConfig.Enabled {
		m.reclaimCtx, m.reclaimCancel = context.WithCancel(context.Background())
		m.reclaimWg.Add(1)
		go m.runDrainingReclaimer()
	}

	if m.healthConfig.Enabled {
		m.healthCtx, m.healthCancel = context.WithCancel(context.Background())
		m.healthWg.Add(1)
		go m.runHealthSupervisor()
	}

	if m.leakConfig.Enabled {
		m.leakCtx, m.leakCancel = context.WithCancel(context.Background())
		m.leakWg.Add(1)
		go m.runLeakDetection()
	}

	slog.Info("Queue manager started")
}

// Stop runs the shutdown sequence from spec.md §4.6: stop background
// loops, stop consumers (bounded wait), drain pools (bounded wait), then
// bulk-nack whatever is still in flight.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.syncCancel != nil {
		m.syncCancel()
		m.syncWg.Wait()
	}
	if m.reclaimCancel != nil {
		m.reclaimCancel()
		m.reclaimWg.Wait()
	}
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthWg.Wait()
	}
	if m.leakCancel != nil {
		m.leakCancel()
		m.leakWg.Wait()
	}

	m.consumersMu.RLock()
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.consumersMu.RUnlock()

	waitParallel(consumers, func(c *Consumer) { c.Stop() }, 25*time.Second, "consumer shutdown timed out")

	m.poolsMu.Lock()
	pools := make([]*pool.ProcessPool, 0, len(m.pools))
	for code, p := range m.pools {
		slog.Info("Shutting down pool", "pool", code)
		pools = append(pools, p)
	}
	m.poolsMu.Unlock()

	waitParallel(pools, func(p *pool.ProcessPool) { p.Drain(); p.Shutdown() }, 60*time.Second, "pool shutdown timed out")

	entries := m.tracker.Clear()
	errCount := 0
	for _, entry := range entries {
		if entry.Callback == nil {
			continue
		}
		if err := entry.Callback.Nack(); err != nil {
			errCount++
		}
	}
	if errCount > 0 {
		msg := fmt.Sprintf("%d errors nacking in-flight messages during shutdown", errCount)
		slog.Warn(msg)
		if m.warningService != nil {
			m.warningService.AddWarning(warning.CategoryShutdownCleanupErrors, warning.SeverityWarn, msg, "QueueManager")
		}
	}

	slog.Info("Queue manager stopped")
}

// waitParallel runs fn over items concurrently and waits up to budget
// before giving up and logging a timeout warning.
func waitParallel[T any](items []T, fn func(T), budget time.Duration, timeoutMsg string) {
	if len(items) == 0 {
		return
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	for _, item := range items {
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			fn(item)
		}(item)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(budget):
		slog.Warn(timeoutMsg)
	}
}

// GetOrCreatePool gets or creates a processing pool.
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	p := pool.NewProcessPool(
		cfg.Code,
		cfg.Concurrency,
		cfg.QueueCapacity,
		cfg.RateLimitPerMinute,
		m.mediator,
		m.messageCallback,
	)

	m.pools[cfg.Code] = p
	p.Start()

	slog.Info("Created new processing pool",
		"pool", cfg.Code,
		"concurrency", cfg.Concurrency,
		"queueCapacity", cfg.QueueCapacity)

	return p
}

// GetPool gets a pool by code.
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// UpdatePool updates a pool's concurrency/rate limit in place.
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	m.poolsMu.RLock()
	p, exists := m.pools[cfg.Code]
	m.poolsMu.RUnlock()

	if !exists {
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(cfg.Concurrency, 60)
	}
	p.UpdateRateLimit(cfg.RateLimitPerMinute)

	return true
}

// RemovePool removes a pool synchronously (draining and shutting it down first).
func (m *QueueManager) RemovePool(code string) {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[code]; exists {
		p.Drain()
		p.Shutdown()
		delete(m.pools, code)
		slog.Info("Removed processing pool", "pool", code)
	}
}

// drainPool moves a pool out of the live set and drains it asynchronously
// (spec.md §4.6: pools removed from config move to the draining set).
func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)
	slog.Info("Draining pool no longer in control-plane config", "pool", code)

	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
		slog.Info("Pool drained and removed", "pool", code)
	}()
}

// defaultPoolConfig is the fallback pool config used when the control
// plane hasn't (yet) described a pool by this code.
func defaultPoolConfig(code string) *PoolConfig {
	return &PoolConfig{
		Code:          code,
		Concurrency:   DefaultPoolConcurrency,
		QueueCapacity: max(DefaultPoolConcurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
	}
}

// BatchRouteResult reports what became of a routed batch.
type BatchRouteResult struct {
	Submitted    int // Forwarded to a pool worker
	Deduplicated int // Recognized as a duplicate; acked or nacked per spec.md §4.6
	Rejected     int // Nacked for capacity, submit failure, or manager not running
	FailBarrier  int // Nacked to preserve FIFO ordering after an earlier group member failed
}

// classifiedMessage pairs a forwarded DispatchMessage with its computed pipelineKey.
type classifiedMessage struct {
	msg         *DispatchMessage
	pipelineKey string
}

// RouteMessage routes a single message. It is a thin wrapper over
// RouteMessageBatch so single-message and batch delivery share one policy.
func (m *QueueManager) RouteMessage(msg *DispatchMessage) bool {
	result := m.RouteMessageBatch([]*DispatchMessage{msg})
	return result.Rejected == 0
}

// RouteMessageBatch implements the six-step batch routing policy from
// spec.md §4.6: snapshot pools, classify duplicates, group by pool (with
// unknown-code fallback to the default pool), check capacity per pool,
// enforce FIFO-with-failure-barrier per message group, and track before
// submit.
func (m *QueueManager) RouteMessageBatch(messages []*DispatchMessage) BatchRouteResult {
	var result BatchRouteResult
	if len(messages) == 0 {
		return result
	}

	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if !running {
		for _, msg := range messages {
			m.nakSafely(msg)
		}
		result.Rejected = len(messages)
		return result
	}

	// Step 1: snapshot pools so grouping and capacity checks see one
	// consistent view even if reconciliation runs concurrently.
	m.poolsMu.RLock()
	poolSnapshot := make(map[string]*pool.ProcessPool, len(m.pools))
	for code, p := range m.pools {
		poolSnapshot[code] = p
	}
	m.poolsMu.RUnlock()

	// Step 2: duplicate classification.
	forward := make([]classifiedMessage, 0, len(messages))
	for _, msg := range messages {
		pipelineKey := msg.pipelineKey()

		if m.tracker.ContainsKey(pipelineKey) {
			// Same pipelineKey already tracked: visibility-timeout style
			// redelivery of the message currently in flight. Update the
			// stored receipt handle and nack so the broker retries later.
			m.updateReceiptHandle(pipelineKey, msg)
			m.nakSafely(msg)
			result.Deduplicated++
			continue
		}

		if existingKey, tracked := m.tracker.PipelineKeyFor(msg.JobID); tracked && existingKey != pipelineKey {
			// Same applicationId but a different pipelineKey: an external
			// requeue of a message already in flight. Ack to remove the
			// duplicate from the queue.
			m.ackSafely(msg)
			result.Deduplicated++
			continue
		}

		forward = append(forward, classifiedMessage{msg: msg, pipelineKey: pipelineKey})
	}

	if len(forward) == 0 {
		return result
	}

	// Step 3: group by pool code, routing unknown codes to the default pool.
	groups := make(map[string][]classifiedMessage)
	for _, c := range forward {
		code := c.msg.DispatchPoolID
		switch {
		case code == "":
			code = DefaultPoolCode
		case code == DefaultPoolCode:
		default:
			if _, known := poolSnapshot[code]; !known {
				msg := fmt.Sprintf("unknown pool code %q, routing to %s", code, DefaultPoolCode)
				slog.Warn(msg, "messageId", c.msg.JobID)
				if m.warningService != nil {
					m.warningService.AddWarning(warning.CategoryPoolLimit, warning.SeverityWarn, msg, "QueueManager")
				}
				code = DefaultPoolCode
			}
		}
		groups[code] = append(groups[code], c)
	}

	// Step 4/5/6: per-pool capacity check, then FIFO-within-group submission.
	for code, items := range groups {
		p, ok := poolSnapshot[code]
		if !ok {
			p = m.GetOrCreatePool(defaultPoolConfig(code))
		}

		if !p.HasCapacity(len(items)) {
			msg := fmt.Sprintf("pool %s at capacity, nacking %d message(s)", code, len(items))
			slog.Warn(msg)
			if m.warningService != nil {
				m.warningService.AddWarning(warning.CategoryQueueFull, warning.SeverityWarn, msg, "QueueManager")
			}
			for _, c := range items {
				m.nakSafely(c.msg)
			}
			result.Rejected += len(items)
			continue
		}

		m.submitGroupFIFO(p, code, items, &result)
	}

	return result
}

// submitGroupFIFO tracks and submits items to p, preserving per-message-group
// FIFO ordering: once a message in a group fails to track or submit, every
// remaining message in that group (for this batch) is nacked rather than
// submitted out of order.
func (m *QueueManager) submitGroupFIFO(p *pool.ProcessPool, poolCode string, items []classifiedMessage, result *BatchRouteResult) {
	order := make([]string, 0)
	byGroup := make(map[string][]classifiedMessage)
	for _, c := range items {
		groupID := c.msg.MessageGroup
		if groupID == "" {
			groupID = pool.DefaultGroup
		}
		if _, seen := byGroup[groupID]; !seen {
			order = append(order, groupID)
		}
		byGroup[groupID] = append(byGroup[groupID], c)
	}

	for _, groupID := range order {
		nackRemaining := false

		for _, c := range byGroup[groupID] {
			if nackRemaining {
				m.nakSafely(c.msg)
				result.FailBarrier++
				continue
			}

			callback := &dispatchCallback{msg: c.msg}
			_, duplicate := m.tracker.Track(c.pipelineKey, c.msg.JobID, toModelPointer(c.msg), callback, c.msg.QueueIdentifier)
			if duplicate {
				m.nakSafely(c.msg)
				nackRemaining = true
				result.Rejected++
				continue
			}

			if !p.Submit(toPoolPointer(c.msg)) {
				slog.Warn("Failed to submit message, activating failure barrier",
					"pool", poolCode,
					"messageId", c.msg.JobID,
					"group", groupID)
				m.tracker.Remove(c.pipelineKey)
				m.nakSafely(c.msg)
				nackRemaining = true
				result.Rejected++
				continue
			}

			result.Submitted++
		}
	}
}

// updateReceiptHandle applies newMsg's receipt handle to the entry tracked
// under pipelineKey, when both sides support it (spec.md §9 Open Question 1:
// only the SQS-like variant does).
func (m *QueueManager) updateReceiptHandle(pipelineKey string, newMsg *DispatchMessage) {
	if newMsg.GetReceiptHandleFunc == nil {
		return
	}
	newHandle := newMsg.GetReceiptHandleFunc()
	if newHandle == "" {
		return
	}

	ok := m.tracker.UpdateReceiptHandle(pipelineKey, func(cb tracker.Callback) {
		if updatable, ok := cb.(interface{ UpdateReceiptHandle(string) }); ok {
			updatable.UpdateReceiptHandle(newHandle)
		}
	})
	if !ok {
		slog.Warn("Cannot update receipt handle - no tracked entry found", "pipelineKey", pipelineKey)
	}
}

func (m *QueueManager) ackSafely(msg *DispatchMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during ack", "messageId", msg.JobID, "panic", r)
		}
	}()
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "messageId", msg.JobID, "error", err)
		}
	}
}

func (m *QueueManager) nakSafely(msg *DispatchMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during nack", "messageId", msg.JobID, "panic", r)
		}
	}()
	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("Failed to nack message", "messageId", msg.JobID, "error", err)
		}
	}
}

// pipelineKeyForPointer mirrors DispatchMessage.pipelineKey for the
// post-submission pool.MessagePointer shape.
func pipelineKeyForPointer(msg *pool.MessagePointer) string {
	if msg.BrokerMessageID != "" {
		return msg.BrokerMessageID
	}
	return msg.ID
}

// Ack removes msg from the tracker and acknowledges it on the broker.
func (m *QueueManager) Ack(msg *pool.MessagePointer) {
	m.tracker.Remove(pipelineKeyForPointer(msg))
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "error", err, "messageId", msg.ID)
		}
	}
}

// Nack removes msg from the tracker and nacks it on the broker.
func (m *QueueManager) Nack(msg *pool.MessagePointer) {
	m.tracker.Remove(pipelineKeyForPointer(msg))
	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
		}
	}
}

// MessageCallbackImpl implements pool.MessageCallback, bridging pool
// outcomes back to tracker removal and the broker ack/nack funcs.
type MessageCallbackImpl struct {
	manager *QueueManager
}

func (c *MessageCallbackImpl) Ack(msg *pool.MessagePointer) {
	c.manager.Ack(msg)
}

func (c *MessageCallbackImpl) Nack(msg *pool.MessagePointer) {
	c.manager.Nack(msg)
}

func (c *MessageCallbackImpl) SetVisibilityDelay(msg *pool.MessagePointer, seconds int) {
	if msg.NakDelayFunc != nil {
		msg.NakDelayFunc(time.Duration(seconds) * time.Second)
	}
}

func (c *MessageCallbackImpl) SetFastFailVisibility(msg *pool.MessagePointer) {
	c.SetVisibilityDelay(msg, 1)
}

func (c *MessageCallbackImpl) ResetVisibilityToDefault(msg *pool.MessagePointer) {
	// Default visibility is owned by the queue implementation; nothing to do here.
}

// dispatchCallback adapts a DispatchMessage to tracker.Callback, plus the
// opportunistic receipt-handle setter the tracker type-asserts for.
type dispatchCallback struct {
	msg *DispatchMessage
}

func (d *dispatchCallback) Ack() error {
	if d.msg.AckFunc == nil {
		return nil
	}
	return d.msg.AckFunc()
}

func (d *dispatchCallback) Nack() error {
	if d.msg.NakFunc == nil {
		return nil
	}
	return d.msg.NakFunc()
}

func (d *dispatchCallback) UpdateReceiptHandle(newHandle string) {
	if d.msg.UpdateReceiptHandleFunc != nil {
		d.msg.UpdateReceiptHandleFunc(newHandle)
	}
}

// toModelPointer converts a DispatchMessage to the tracker's stored
// model.MessagePointer representation.
func toModelPointer(msg *DispatchMessage) *model.MessagePointer {
	return &model.MessagePointer{
		ID:              msg.JobID,
		PoolCode:        msg.DispatchPoolID,
		AuthToken:       msg.AuthToken,
		MediationType:   model.MediationType(msg.MediationType),
		MediationTarget: msg.TargetURL,
		MessageGroupID:  msg.MessageGroup,
		HighPriority:    msg.HighPriority,
		BatchID:         msg.BatchID,
		BrokerMessageID: msg.BrokerMessageID,
	}
}

// toPoolPointer converts a DispatchMessage to the pool's wire shape,
// including the ack/nack funcs a worker needs at submit time.
func toPoolPointer(msg *DispatchMessage) *pool.MessagePointer {
	return &pool.MessagePointer{
		ID:              msg.JobID,
		BrokerMessageID: msg.BrokerMessageID,
		BatchID:         msg.BatchID,
		MessageGroupID:  msg.MessageGroup,
		MediationTarget: msg.TargetURL,
		MediationType:   msg.MediationType,
		AuthToken:       msg.AuthToken,
		Payload:         []byte(msg.Payload),
		Headers:         msg.Headers,
		TimeoutSeconds:  msg.TimeoutSeconds,
		HighPriority:    msg.HighPriority,
		AckFunc:         msg.AckFunc,
		NakFunc:         msg.NakFunc,
		NakDelayFunc:    msg.NakDelayFunc,
		InProgressFunc:  msg.InProgressFunc,
	}
}

// DispatchMessage is the internal representation used for in-flight
// tracking and routing, populated from model.MessagePointer when
// consuming from the queue.
type DispatchMessage struct {
	JobID           string            `json:"jobId"`
	BrokerMessageID string            `json:"-"` // Broker message ID, used as the tracker's pipelineKey when present
	DispatchPoolID  string            `json:"dispatchPoolId"`
	MessageGroup    string            `json:"messageGroup"`
	BatchID         string            `json:"batchId"`
	Sequence        int               `json:"sequence"`
	TargetURL       string            `json:"targetUrl"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         string            `json:"payload"`
	ContentType     string            `json:"contentType"`
	TimeoutSeconds  int               `json:"timeoutSeconds"`
	MaxRetries      int               `json:"maxRetries"`
	AttemptNumber   int               `json:"attemptNumber"`
	QueueIdentifier string            `json:"-"`

	AuthToken     string `json:"-"`
	MediationType string `json:"-"`
	HighPriority  bool   `json:"-"`

	AckFunc        func() error              `json:"-"`
	NakFunc        func() error              `json:"-"`
	NakDelayFunc   func(time.Duration) error `json:"-"`
	InProgressFunc func() error              `json:"-"`

	// Receipt handle management for redelivery handling: when a message
	// is redelivered while the original is still in flight, the stored
	// entry's receipt handle needs to move to the new (valid) one.
	UpdateReceiptHandleFunc func(string)  `json:"-"`
	GetReceiptHandleFunc    func() string `json:"-"`
}

// pipelineKey is the broker message ID when present, falling back to the
// application message ID (spec.md §4.6).
func (msg *DispatchMessage) pipelineKey() string {
	if msg.BrokerMessageID != "" {
		return msg.BrokerMessageID
	}
	return msg.JobID
}

// Consumer consumes messages from one queue and routes them through its
// owning manager, tracking activity for the health supervisor.
type Consumer struct {
	manager         *QueueManager
	consumer        queue.Consumer
	queueIdentifier string
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	started         atomic.Bool
	stopped         atomic.Bool
	lastActivity    atomic.Int64
}

// NewConsumer creates a new consumer for queueIdentifier.
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer, queueIdentifier string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:         manager,
		consumer:        queueConsumer,
		queueIdentifier: queueIdentifier,
		ctx:             ctx,
		cancel:          cancel,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

// QueueIdentifier returns the queue name this consumer was created for.
func (c *Consumer) QueueIdentifier() string { return c.queueIdentifier }

func (c *Consumer) updateActivity() {
	c.lastActivity.Store(time.Now().Unix())
}

// GetLastActivity returns the last activity timestamp.
func (c *Consumer) GetLastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// IsHealthy reports whether the consumer has had activity within staleThreshold.
func (c *Consumer) IsHealthy(staleThreshold time.Duration) bool {
	return time.Since(c.GetLastActivity()) < staleThreshold
}

// IsFullyStopped reports whether Stop has completed.
func (c *Consumer) IsFullyStopped() bool { return c.stopped.Load() }

// Start begins consuming messages. Safe to call more than once.
func (c *Consumer) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume()
	}()
	slog.Info("Consumer started", "queue", c.queueIdentifier)
}

// Stop cancels consumption and waits for it to finish.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.stopped.Store(true)
	slog.Info("Consumer stopped", "queue", c.queueIdentifier)
}

// WireReceiptHandleCallbacks sets up receipt handle callbacks on a
// DispatchMessage from a queue.Message, when the underlying broker
// message supports receipt handle updates (SQS-like variants only).
func WireReceiptHandleCallbacks(dispatchMsg *DispatchMessage, queueMsg queue.Message) {
	if updatable, ok := queueMsg.(queue.ReceiptHandleUpdatable); ok {
		dispatchMsg.UpdateReceiptHandleFunc = updatable.UpdateReceiptHandle
		dispatchMsg.GetReceiptHandleFunc = updatable.GetReceiptHandle
	}
}

func (c *Consumer) consume() {
	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.updateActivity()

		var pointer model.MessagePointer
		if err := json.Unmarshal(msg.Data(), &pointer); err != nil {
			slog.Error("Failed to unmarshal MessagePointer", "error", err)
			msg.Ack() // malformed message: ack to avoid an infinite redelivery loop
			return nil
		}

		dispatchMsg := &DispatchMessage{
			JobID:           pointer.ID,
			BrokerMessageID: msg.ID(),
			DispatchPoolID:  pointer.PoolCode,
			MessageGroup:    pointer.MessageGroupID,
			TargetURL:       pointer.MediationTarget,
			AuthToken:       pointer.AuthToken,
			MediationType:   string(pointer.MediationType),
			HighPriority:    pointer.HighPriority,
			QueueIdentifier: c.queueIdentifier,
		}
		dispatchMsg.AckFunc = msg.Ack
		dispatchMsg.NakFunc = msg.Nak
		dispatchMsg.NakDelayFunc = msg.NakWithDelay
		dispatchMsg.InProgressFunc = msg.InProgress
		WireReceiptHandleCallbacks(dispatchMsg, msg)

		if !c.manager.RouteMessage(dispatchMsg) {
			msg := fmt.Sprintf("routing rejected message %s for pool %s", dispatchMsg.JobID, dispatchMsg.DispatchPoolID)
			slog.Warn(msg)
			if c.manager.warningService != nil {
				c.manager.warningService.AddWarning(warning.CategoryRouting, warning.SeverityWarn, msg, "QueueManager")
			}
		}

		return nil
	})

	if err != nil && err != context.Canceled {
		slog.Error("Consumer error", "error", err, "queue", c.queueIdentifier)
	}
}

// Router is a thin compatibility wrapper bootstrapping one QueueManager,
// optionally with a single pre-built consumer for static wiring.
type Router struct {
	manager *QueueManager
}

// NewRouter creates a message router around a fresh QueueManager. When
// initialConsumer is non-nil it's registered under the "default" queue
// identifier.
func NewRouter(initialConsumer queue.Consumer, mediatorCfg *mediator.HTTPMediatorConfig) *Router {
	manager := NewQueueManager(mediatorCfg)
	if initialConsumer != nil {
		manager.AddConsumer("default", initialConsumer)
	}
	return &Router{manager: manager}
}

// Start starts the underlying manager.
func (r *Router) Start() { r.manager.Start() }

// Stop stops the underlying manager.
func (r *Router) Stop() { r.manager.Stop() }

// Manager returns the queue manager.
func (r *Router) Manager() *QueueManager { return r.manager }

// GenerateBatchID generates a new batch ID.
func GenerateBatchID() string {
	return tsid.Generate()
}

// runConfigSync runs the control-plane config sync loop: an initial
// bounded-retry fetch, then periodic fetch+reconcile (spec.md §4.6).
func (m *QueueManager) runConfigSync() {
	defer m.syncWg.Done()

	select {
	case <-m.syncCtx.Done():
		return
	case <-time.After(m.syncConfig.InitialDelay):
	}

	if !m.doInitialSync() {
		msg := "initial control-plane config fetch failed after all retries"
		slog.Error(msg)
		if m.warningService != nil {
			m.warningService.AddWarning(warning.CategoryConfigSyncFailed, warning.SeverityCritical, msg, "QueueManager")
		}
		if m.syncConfig.FailOnInitialSyncError {
			os.Exit(1)
		}
	}

	ticker := time.NewTicker(m.syncConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.syncCtx.Done():
			slog.Info("Control-plane config sync stopped")
			return
		case <-ticker.C:
			m.syncOnce()
		}
	}
}

// doInitialSync performs the first fetch+reconcile with the retry budget
// from ConfigSyncConfig, waiting for primary status when standby-aware.
func (m *QueueManager) doInitialSync() bool {
	if m.standbyChecker != nil {
		for !m.standbyChecker.IsPrimary() {
			select {
			case <-m.syncCtx.Done():
				return false
			case <-time.After(m.syncConfig.InitialRetryDelay):
			}
		}
	}

	cfg, err := m.configClient.FetchWithRetry(m.syncCtx, m.syncConfig.InitialRetryAttempts, m.syncConfig.InitialRetryDelay)
	if err != nil {
		return false
	}

	m.reconcile(cfg)
	m.runningMu.Lock()
	m.initialized = true
	m.runningMu.Unlock()
	return true
}

// syncOnce performs one periodic fetch+reconcile. A failure logs a
// warning and keeps the last known-good config in place.
func (m *QueueManager) syncOnce() {
	if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
		return
	}

	ctx, cancel := context.WithTimeout(m.syncCtx, 30*time.Second)
	defer cancel()

	cfg, err := m.configClient.Fetch(ctx)
	if err != nil {
		msg := fmt.Sprintf("control-plane config fetch failed: %v", err)
		slog.Warn(msg)
		if m.warningService != nil {
			m.warningService.AddWarning(warning.CategoryConfigSyncFailed, warning.SeverityWarn, msg, "QueueManager")
		}
		return
	}

	m.reconcile(cfg)
}

// effectiveConcurrency applies spec.md §4.6's fallback: an explicit
// concurrency wins, else derive one from the rate limit, else 1.
func effectiveConcurrency(pc configclient.PoolConfig) int {
	if pc.Concurrency > 0 {
		return pc.Concurrency
	}
	if pc.RateLimitPerMinute != nil && *pc.RateLimitPerMinute > 0 {
		c := *pc.RateLimitPerMinute / 60
		if c < 1 {
			c = 1
		}
		return c
	}
	return 1
}

// reconcile applies one control-plane Config: pools and consumers not
// named in cfg drain away, pools also named are updated in place,
// consumers also named are kept as they are, and new ones are created
// (spec.md §4.6). Serialized by
// reconcileMu so overlapping periodic and health-triggered reconciliation
// never race.
func (m *QueueManager) reconcile(cfg *configclient.Config) {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	m.reconcilePools(cfg.ProcessingPools)
	m.reconcileConsumers(cfg.Queues)
}

func (m *QueueManager) reconcilePools(desired []configclient.PoolConfig) {
	desiredByCode := make(map[string]configclient.PoolConfig, len(desired))
	for _, pc := range desired {
		desiredByCode[pc.Code] = pc
	}

	m.poolsMu.RLock()
	existing := make(map[string]*pool.ProcessPool, len(m.pools))
	for code, p := range m.pools {
		existing[code] = p
	}
	poolCount := len(m.pools)
	m.poolsMu.RUnlock()

	for code := range existing {
		if _, ok := desiredByCode[code]; !ok {
			m.drainPool(code)
		}
	}

	for _, pc := range desired {
		if p, ok := existing[pc.Code]; ok {
			concurrency := effectiveConcurrency(pc)
			if concurrency != p.GetConcurrency() {
				p.UpdateConcurrency(concurrency, 60)
			}
			p.UpdateRateLimit(pc.RateLimitPerMinute)
			continue
		}

		if poolCount >= m.maxPoolsHard {
			msg := fmt.Sprintf("pool limit (%d) exceeded, rejecting new pool %s", m.maxPoolsHard, pc.Code)
			slog.Error(msg)
			if m.warningService != nil {
				m.warningService.AddWarning(warning.CategoryPoolLimit, warning.SeverityCritical, msg, "QueueManager")
			}
			continue
		}
		if poolCount >= m.maxPoolsSoft {
			msg := fmt.Sprintf("approaching pool limit (%d of %d pools)", poolCount, m.maxPoolsHard)
			slog.Warn(msg)
			if m.warningService != nil {
				m.warningService.AddWarning(warning.CategoryPoolLimit, warning.SeverityWarn, msg, "QueueManager")
			}
		}

		concurrency := effectiveConcurrency(pc)
		poolCfg := &PoolConfig{
			Code:               pc.Code,
			Concurrency:        concurrency,
			QueueCapacity:      max(concurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
			RateLimitPerMinute: pc.RateLimitPerMinute,
		}
		m.GetOrCreatePool(poolCfg)
		poolCount++
	}
}

func (m *QueueManager) reconcileConsumers(desired []configclient.QueueConfig) {
	desiredByName := make(map[string]configclient.QueueConfig, len(desired))
	for _, qc := range desired {
		desiredByName[qc.QueueName] = qc
	}

	m.consumersMu.RLock()
	existing := make(map[string]*Consumer, len(m.consumers))
	for name, c := range m.consumers {
		existing[name] = c
	}
	m.consumersMu.RUnlock()

	for name, c := range existing {
		if _, ok := desiredByName[name]; !ok {
			m.removeConsumer(name, c)
		}
	}

	for _, qc := range desired {
		if _, ok := existing[qc.QueueName]; ok {
			continue
		}
		m.createAndStartConsumer(qc.QueueName, qc)
	}
}

// removeConsumer takes c out of the live set and stops it asynchronously.
func (m *QueueManager) removeConsumer(name string, c *Consumer) {
	m.consumersMu.Lock()
	delete(m.consumers, name)
	m.consumersMu.Unlock()

	m.drainingConsumers.Store(name, c)
	go func() {
		c.Stop()
		m.drainingConsumers.Delete(name)
	}()
}

// createAndStartConsumer builds a consumer for qc via the configured
// factory, starts it, and records it by queue name.
func (m *QueueManager) createAndStartConsumer(name string, qc configclient.QueueConfig) {
	if m.consumerFactory == nil {
		return
	}

	queueConsumer, err := m.consumerFactory(qc)
	if err != nil {
		msg := fmt.Sprintf("failed to create consumer for queue %s: %v", name, err)
		slog.Error(msg)
		if m.warningService != nil {
			m.warningService.AddWarning(warning.CategoryConsumerRestartFailed, warning.SeverityCritical, msg, "QueueManager")
		}
		return
	}

	c := NewConsumer(m, queueConsumer, name)
	c.Start()

	m.consumersMu.Lock()
	m.consumers[name] = c
	m.consumerConfigs[name] = qc
	m.consumersMu.Unlock()

	slog.Info("Started consumer", "queue", name, "connections", qc.Connections)
}

// runDrainingReclaimer periodically prunes fully-drained pools and fully-
// stopped consumers from the draining sets (spec.md §4.6: every 10s).
func (m *QueueManager) runDrainingReclaimer() {
	defer m.reclaimWg.Done()

	ticker := time.NewTicker(m.reclaimConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.reclaimCtx.Done():
			return
		case <-ticker.C:
			m.reclaimDrained()
		}
	}
}

func (m *QueueManager) reclaimDrained() {
	m.drainingPools.Range(func(key, value interface{}) bool {
		code := key.(string)
		p := value.(*pool.ProcessPool)
		if p.IsFullyDrained() {
			m.drainingPools.Delete(code)
			slog.Debug("Reclaimed fully drained pool", "pool", code)
		}
		return true
	})

	m.drainingConsumers.Range(func(key, value interface{}) bool {
		name := key.(string)
		c := value.(*Consumer)
		if c.IsFullyStopped() {
			m.drainingConsumers.Delete(name)
			slog.Debug("Reclaimed fully stopped consumer", "queue", name)
		}
		return true
	})
}

// runHealthSupervisor periodically replaces unhealthy consumers (spec.md
// §4.6: every 60s).
func (m *QueueManager) runHealthSupervisor() {
	defer m.healthWg.Done()

	ticker := time.NewTicker(m.healthConfig.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.healthCtx.Done():
			return
		case <-ticker.C:
			m.checkConsumerHealth()
		}
	}
}

func (m *QueueManager) checkConsumerHealth() {
	m.consumersMu.RLock()
	snapshot := make(map[string]*Consumer, len(m.consumers))
	for name, c := range m.consumers {
		snapshot[name] = c
	}
	m.consumersMu.RUnlock()

	for name, c := range snapshot {
		if c.IsHealthy(m.healthConfig.StallThreshold) {
			continue
		}

		msg := fmt.Sprintf("consumer %s unhealthy, replacing", name)
		slog.Warn(msg)
		if m.warningService != nil {
			m.warningService.AddWarning(warning.CategoryConsumerRestart, warning.SeverityWarn, msg, "QueueManager")
		}
		metrics.ConsumerStallEvents.Inc()
		m.removeConsumer(name, c)

		m.consumersMu.RLock()
		qc, ok := m.consumerConfigs[name]
		m.consumersMu.RUnlock()
		if !ok || m.consumerFactory == nil {
			continue
		}

		queueConsumer, err := m.consumerFactory(qc)
		if err != nil {
			msg := fmt.Sprintf("failed to replace unhealthy consumer %s: %v", name, err)
			slog.Error(msg)
			if m.warningService != nil {
				m.warningService.AddWarning(warning.CategoryConsumerRestartFailed, warning.SeverityCritical, msg, "QueueManager")
			}
			continue
		}

		newConsumer := NewConsumer(m, queueConsumer, name)
		newConsumer.Start()

		m.consumersMu.Lock()
		m.consumers[name] = newConsumer
		m.consumersMu.Unlock()

		metrics.ConsumerRestarts.Inc()
	}
}

// runLeakDetection periodically compares tracker size to total pool
// capacity (spec.md §4.6: every 30s).
func (m *QueueManager) runLeakDetection() {
	defer m.leakWg.Done()

	ticker := time.NewTicker(m.leakConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakCtx.Done():
			return
		case <-ticker.C:
			m.checkForLeaks()
		}
	}
}

func (m *QueueManager) checkForLeaks() {
	m.runningMu.Lock()
	running := m.running
	initialized := m.initialized
	m.runningMu.Unlock()

	if !running || !initialized {
		return
	}

	size := m.tracker.Size()

	m.poolsMu.RLock()
	totalCapacity := 0
	for _, p := range m.pools {
		totalCapacity += p.GetQueueCapacity()
	}
	m.poolsMu.RUnlock()

	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	if size > totalCapacity {
		msg := fmt.Sprintf("tracker size (%d) exceeds total pool capacity (%d) - possible leak", size, totalCapacity)
		slog.Warn(msg)
		if m.warningService != nil {
			m.warningService.AddWarning(warning.CategoryPipelineMapLeak, warning.SeverityWarn, msg, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(size))
	metrics.PipelineTotalCapacity.Set(float64(totalCapacity))
}

// GetPipelineSize returns the current number of in-flight tracked messages.
func (m *QueueManager) GetPipelineSize() int {
	return m.tracker.Size()
}

// GetTotalPoolCapacity returns the total queue capacity across all pools.
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}
