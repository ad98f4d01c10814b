package goThreeDS

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goThreeDS/browserinfo"
	internalaudit "github.com/MrEthical07/goThreeDS/internal/audit"
	"github.com/MrEthical07/goThreeDS/internal/rate"
	"github.com/MrEthical07/goThreeDS/internal/remote"
	"github.com/MrEthical07/goThreeDS/internal/signal"
	"github.com/MrEthical07/goThreeDS/internal/stores"
	"github.com/MrEthical07/goThreeDS/jwt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Engine defines a public type used by goThreeDS APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config  Config
	logger  *zap.Logger
	client  *remote.Client
	tokens  *jwt.Manager
	store   *stores.TransactionStore
	limiter *rate.Limiter
	hub     *signal.Hub[Notification]
	relay   *signal.Relay[Notification]
	audit   *internalaudit.Dispatcher
	metrics *Metrics
	results singleflight.Group
	now     func() time.Time

	mu          sync.Mutex
	active      map[string]*registryEntry
	byRequestor map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// registryEntry is a transaction owned by this process together with its
// notification listener.
type registryEntry struct {
	tx    *TransactionContext
	sub   *signal.Subscription[Notification]
	timer *time.Timer
}

// Close describes the close operation and its observable behavior.
//
// Close releases every active transaction, waits for the listener
// goroutines and flushes the audit dispatcher. Snapshots stay in Redis until
// their TTL expires.
func (e *Engine) Close() {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()

	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.release(id)
	}

	e.wg.Wait()
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// ActiveTransactions returns how many transactions this process currently
// listens for.
func (e *Engine) ActiveTransactions() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Debug reports whether error details may be shown to clients.
func (e *Engine) Debug() bool {
	return e != nil && e.config.Debug
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *zap.Logger {
	if e == nil {
		return zap.NewNop()
	}
	return e.logger
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observe(id MetricID, d time.Duration) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, d)
}

/*
====================================
REGISTRY
====================================
*/

// register makes tx the only active context for its server transaction ID,
// subscribes its notification listener and starts the listener goroutine.
func (e *Engine) register(ctx context.Context, tx *TransactionContext) error {
	if e.closed.Load() {
		return ErrEngineNotReady
	}
	sid := tx.ServerTransactionID()
	rid := tx.RequestorTransactionID()

	e.mu.Lock()
	_, exists := e.active[sid]
	e.mu.Unlock()
	if exists {
		return ErrTransactionExists
	}

	sub, err := e.hub.Subscribe(sid, e.config.Notification.ListenerBuffer)
	if err != nil {
		if errors.Is(err, signal.ErrSubscribed) {
			return ErrListenerRegistered
		}
		return &Error{Kind: KindInternal, Message: "subscribe listener", Err: err}
	}

	if err := e.store.Register(ctx, e.recordOf(tx, 0), e.config.Store.ContextTTL); err != nil {
		if errors.Is(err, stores.ErrTransactionExists) {
			sub.Close()
			return ErrTransactionExists
		}
		// The local registry still serves this process.
		e.logger.Warn("transaction snapshot not stored",
			zap.String("server_trans_id", sid),
			zap.Error(err),
		)
	}

	if e.relay != nil {
		if err := e.relay.Attach(ctx, sub); err != nil {
			e.logger.Warn("notification relay not attached",
				zap.String("server_trans_id", sid),
				zap.Error(err),
			)
		}
	}

	entry := &registryEntry{tx: tx, sub: sub}
	e.mu.Lock()
	e.active[sid] = entry
	if rid != "" {
		e.byRequestor[rid] = sid
	}
	entry.timer = time.AfterFunc(e.config.Store.ContextTTL, func() { e.release(sid) })
	e.mu.Unlock()

	e.wg.Add(1)
	go e.listen(tx, sub)
	return nil
}

// release drops the local registration and closes the listener. The Redis
// snapshot is left to expire so later lookups still resolve.
func (e *Engine) release(serverTransID string) {
	e.mu.Lock()
	entry, ok := e.active[serverTransID]
	if ok {
		delete(e.active, serverTransID)
		if rid := entry.tx.RequestorTransactionID(); e.byRequestor[rid] == serverTransID {
			delete(e.byRequestor, rid)
		}
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.sub.Close()
}

// Release ends local tracking of tx before its TTL. It is safe to call more
// than once.
func (e *Engine) Release(tx *TransactionContext) {
	if e == nil || tx == nil {
		return
	}
	if sid := tx.ServerTransactionID(); sid != "" {
		e.release(sid)
	}
}

// Forget releases tx and deletes its Redis snapshot. Later lookups and
// notifications for it fail with ErrTransactionNotFound.
func (e *Engine) Forget(ctx context.Context, tx *TransactionContext) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if tx == nil || tx.ServerTransactionID() == "" {
		return ErrNotInitiated
	}
	sid := tx.ServerTransactionID()
	e.release(sid)

	if _, err := e.store.Delete(ctx, sid, tx.RequestorTransactionID()); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Lookup describes the lookup operation and its observable behavior.
//
// Lookup returns the active context for serverTransID. Transactions owned by
// another process, or already released here, are rebuilt from their Redis
// snapshot without a listener; their card number is only known masked.
func (e *Engine) Lookup(ctx context.Context, serverTransID string) (*TransactionContext, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if serverTransID == "" {
		return nil, ErrTransactionIDRequired
	}

	e.mu.Lock()
	entry, ok := e.active[serverTransID]
	e.mu.Unlock()
	if ok {
		return entry.tx, nil
	}

	record, err := e.store.Get(ctx, serverTransID)
	if err != nil {
		if errors.Is(err, stores.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return transactionFromRecord(record), nil
}

func (e *Engine) owned(tx *TransactionContext) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.active[tx.ServerTransactionID()]
	return ok && entry.tx == tx
}

/*
====================================
SNAPSHOTS
====================================
*/

func (e *Engine) recordOf(tx *TransactionContext, flags uint8) *stores.TransactionRecord {
	snap := tx.Snapshot()
	record := &stores.TransactionRecord{
		ServerTransID:    snap.ServerTransID,
		RequestorTransID: snap.RequestorTransID,
		CallbackURL:      snap.CallbackURL,
		MonitoringURL:    snap.MonitoringURL,
		AuthURL:          snap.AuthURL,
		ChallengeURL:     snap.ChallengeURL,
		ACSTransID:       snap.ACSTransID,
		MaskedCard:       snap.CardNumber,
		MerchantID:       snap.MerchantID,
		PurchaseAmount:   snap.PurchaseAmount,
		Currency:         snap.Currency,
		Expiry:           snap.Expiry,
		RawTransStatus:   snap.RawTransStatus,
		Flags:            flags,
		CreatedAt:        snap.CreatedAt.Unix(),
	}
	if snap.BrowserInfo != nil {
		if blob, err := browserinfo.Encode(*snap.BrowserInfo); err == nil {
			record.BrowserInfo = blob
		}
	}
	if snap.EventReceived {
		record.Flags |= stores.FlagEventReceived
	}
	if snap.ChallengeCompleted {
		record.Flags |= stores.FlagChallengeCompleted
	}
	return record
}

// persist writes the snapshot. Failures are logged; the in-memory context
// stays authoritative for this process.
func (e *Engine) persist(ctx context.Context, tx *TransactionContext, flags uint8) {
	if tx.ServerTransactionID() == "" {
		return
	}
	if err := e.store.Save(ctx, e.recordOf(tx, flags)); err != nil {
		level := e.logger.Warn
		if errors.Is(err, stores.ErrTransactionNotFound) {
			level = e.logger.Debug
		}
		level("transaction snapshot not saved",
			zap.String("server_trans_id", tx.ServerTransactionID()),
			zap.Error(err),
		)
	}
}

func transactionFromRecord(record *stores.TransactionRecord) *TransactionContext {
	tx := newTransactionContext(record.RequestorTransID, "", record.MerchantID, time.Unix(record.CreatedAt, 0))
	tx.serverTransID = record.ServerTransID
	tx.callbackURL = record.CallbackURL
	tx.monitoringURL = record.MonitoringURL
	tx.authURL = record.AuthURL
	tx.maskedCard = record.MaskedCard
	tx.purchaseAmount = record.PurchaseAmount
	tx.currency = record.Currency
	tx.expiry = record.Expiry
	tx.rawTransStatus = record.RawTransStatus
	tx.rehydrated = true

	if record.BrowserInfo != "" {
		if info, err := browserinfo.Decode(record.BrowserInfo); err == nil {
			tx.browserInfo = &info
		}
	}
	if record.Flags&stores.FlagEventReceived != 0 {
		tx.markEventReceived()
	}
	if record.ChallengeURL != "" {
		_ = tx.armChallenge(record.ChallengeURL, record.ACSTransID)
	}
	if record.Flags&stores.FlagChallengeCompleted != 0 {
		tx.markChallengeCompleted()
		tx.finishChallenge(nil, nil)
	}
	return tx
}

/*
====================================
LISTENER
====================================
*/

// listen feeds one transaction's notifications into the collectors until
// the subscription closes. Challenge events that arrive before a challenge
// is armed are held until it is.
func (e *Engine) listen(tx *TransactionContext, sub *signal.Subscription[Notification]) {
	defer e.wg.Done()

	var pending []Notification
	armed := tx.challengeArmed
	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			switch {
			case n.Event.Fingerprint():
				_, _ = e.SignalFingerprint(e.ctx, tx, n)
			case n.Event.Challenge():
				if armed != nil {
					pending = append(pending, n)
					continue
				}
				_, _ = e.SignalChallenge(e.ctx, tx, n)
			}
		case <-armed:
			armed = nil
			for _, n := range pending {
				_, _ = e.SignalChallenge(e.ctx, tx, n)
			}
			pending = nil
		}
	}
}
