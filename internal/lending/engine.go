// Package lending implements the collateralized lending ledger: deposits,
// LTV-bounded borrowing, repayment, liquidation and withdrawals through the
// external asset gateway.
//
// Every position change goes through store.Update, so the check and the
// commit of a mutation are atomic per user. Withdraw is the only operation
// that waits on an external call; it commits its debit first and holds a
// per-user guard while the transfer is in flight.
package lending

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/lending-engine/internal/events"
	"github.com/atmx/lending-engine/internal/gateway"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
)

// PriceOracle is the price source the engine values collateral with.
type PriceOracle interface {
	Price() uint64
	Quote() model.PriceQuote
	Set(price uint64) error
	Refresh(ctx context.Context) error
}

// Publisher receives ledger events. The events hub implements it.
type Publisher interface {
	Publish(ev events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Engine is the lending service object. Safe for concurrent use.
type Engine struct {
	store   store.Store
	journal store.IntentJournal
	oracle  PriceOracle
	gateway gateway.Gateway
	ltv     model.LtvPolicy
	admins  Policy
	pub     Publisher
	log     *slog.Logger

	transferTimeout time.Duration
	now             func() time.Time
	newID           func() string

	guard userGuard
}

// Option customises an Engine.
type Option func(*Engine)

// WithJournal sets where transfer intents are recorded. Defaults to an
// in-memory journal.
func WithJournal(j store.IntentJournal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithPolicy sets the admin policy for privileged operations. Defaults to
// AllowAll.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.admins = p }
}

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTransferTimeout bounds each gateway call. A call that exceeds it is
// treated as unavailable.
func WithTransferTimeout(d time.Duration) Option {
	return func(e *Engine) { e.transferTimeout = d }
}

// WithClock sets the clock used for intent timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator sets the intent ID generator.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// New creates an engine. ltv must be valid.
func New(st store.Store, orc PriceOracle, gw gateway.Gateway, ltv model.LtvPolicy, opts ...Option) (*Engine, error) {
	if err := ltv.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:           st,
		oracle:          orc,
		gateway:         gw,
		ltv:             ltv,
		admins:          AllowAll{},
		pub:             nopPublisher{},
		log:             slog.Default(),
		transferTimeout: 30 * time.Second,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.journal == nil {
		e.journal = store.NewMemoryJournal()
	}
	e.guard.held = make(map[model.UserID]struct{})
	return e, nil
}

// IsAdmin reports whether caller passes the admin policy.
func (e *Engine) IsAdmin(caller model.UserID) bool { return e.admins.Allowed(caller) }

// LtvPolicy returns the configured bound.
func (e *Engine) LtvPolicy() model.LtvPolicy { return e.ltv }

// Deposit adds amount to the user's collateral.
func (e *Engine) Deposit(ctx context.Context, user model.UserID, amount uint64) (pos model.Position, err error) {
	defer e.observe("deposit", time.Now(), &err)
	if err := validate(user, amount); err != nil {
		return model.Position{}, err
	}

	pos, err = e.store.Update(ctx, user, func(cur model.Position) (model.Position, error) {
		if cur.Collateral > math.MaxUint64-amount {
			return cur, ErrOverflow
		}
		cur.Collateral += amount
		return cur, nil
	})
	if err != nil {
		return model.Position{}, err
	}

	e.log.Info("collateral deposited", "user", user, "amount", amount, "collateral", pos.Collateral)
	e.publishPosition(user, pos)
	return pos, nil
}

// Borrow increases the user's debt if the result stays within the LTV
// bound at the current price.
func (e *Engine) Borrow(ctx context.Context, user model.UserID, amount uint64) (pos model.Position, err error) {
	defer e.observe("borrow", time.Now(), &err)
	if err := validate(user, amount); err != nil {
		return model.Position{}, err
	}
	price := e.oracle.Price()

	pos, err = e.store.Update(ctx, user, func(cur model.Position) (model.Position, error) {
		limit := e.ltv.MaxDebt(cur.Collateral, price)
		if cur.Debt > limit || amount > limit-cur.Debt {
			return cur, fmt.Errorf("%w: debt %d + %d exceeds %d", ErrLimitExceeded, cur.Debt, amount, limit)
		}
		cur.Debt += amount
		return cur, nil
	})
	if err != nil {
		return model.Position{}, err
	}

	e.log.Info("borrowed", "user", user, "amount", amount, "debt", pos.Debt, "collateral", pos.Collateral)
	e.publishPosition(user, pos)
	return pos, nil
}

// Repay reduces debt by amount, stopping at zero.
func (e *Engine) Repay(ctx context.Context, user model.UserID, amount uint64) (pos model.Position, err error) {
	defer e.observe("repay", time.Now(), &err)
	if err := validate(user, amount); err != nil {
		return model.Position{}, err
	}

	pos, err = e.store.Update(ctx, user, func(cur model.Position) (model.Position, error) {
		if cur.Debt == 0 {
			return cur, ErrNoDebt
		}
		if amount >= cur.Debt {
			cur.Debt = 0
		} else {
			cur.Debt -= amount
		}
		return cur, nil
	})
	if err != nil {
		return model.Position{}, err
	}

	e.log.Info("repaid", "user", user, "amount", amount, "debt", pos.Debt)
	e.publishPosition(user, pos)
	return pos, nil
}

// RepayAll clears the user's debt. Idempotent.
func (e *Engine) RepayAll(ctx context.Context, user model.UserID) (pos model.Position, err error) {
	defer e.observe("repay_all", time.Now(), &err)
	if user == "" {
		return model.Position{}, ErrInvalidUser
	}

	pos, err = e.store.Update(ctx, user, func(cur model.Position) (model.Position, error) {
		cur.Debt = 0
		return cur, nil
	})
	if err != nil {
		return model.Position{}, err
	}

	e.log.Info("debt cleared", "user", user)
	e.publishPosition(user, pos)
	return pos, nil
}

// Liquidate seizes target's whole position if it is underwater at the
// current price and reports whether it did. A healthy position is left
// alone.
func (e *Engine) Liquidate(ctx context.Context, caller, target model.UserID) (seized bool, err error) {
	defer e.observe("liquidate", time.Now(), &err)
	if !e.admins.Allowed(caller) {
		return false, ErrUnauthorized
	}
	if target == "" {
		return false, ErrInvalidUser
	}
	price := e.oracle.Price()

	var before model.Position
	_, err = e.store.Update(ctx, target, func(cur model.Position) (model.Position, error) {
		before = cur
		seized = !e.ltv.Healthy(cur, price)
		if !seized {
			return cur, nil
		}
		return model.Position{}, nil
	})
	if err != nil {
		return false, err
	}
	if !seized {
		return false, nil
	}

	metrics.Liquidations.Inc()
	e.log.Warn("position liquidated",
		"user", target,
		"by", caller,
		"collateral", before.Collateral,
		"debt", before.Debt,
		"price", oracle.FormatPrice(price),
	)
	e.pub.Publish(events.Event{
		Type:       events.TypeLiquidated,
		UserID:     target.String(),
		Collateral: u64(before.Collateral),
		Debt:       u64(before.Debt),
		Price:      oracle.FormatPrice(price),
	})
	e.publishPosition(target, model.Position{})
	return true, nil
}

// Position returns the user's position.
func (e *Engine) Position(ctx context.Context, user model.UserID) (model.Position, error) {
	if user == "" {
		return model.Position{}, ErrInvalidUser
	}
	return e.store.Get(ctx, user)
}

// Health reports the user's position against the bound at the current
// price.
func (e *Engine) Health(ctx context.Context, user model.UserID) (model.Health, error) {
	pos, err := e.Position(ctx, user)
	if err != nil {
		return model.Health{}, err
	}
	return e.health(user, pos, e.oracle.Price()), nil
}

func (e *Engine) health(user model.UserID, pos model.Position, price uint64) model.Health {
	limit := e.ltv.MaxDebt(pos.Collateral, price)
	h := model.Health{
		UserID:          user,
		Position:        pos,
		Price:           price,
		CollateralValue: e.ltv.CollateralValue(pos.Collateral, price),
		MaxDebt:         limit,
		Underwater:      pos.Debt > limit,
	}
	if !h.Underwater {
		h.Headroom = limit - pos.Debt
	}
	return h
}

// Positions lists every position in user order. Not a consistent snapshot
// under concurrent writes.
func (e *Engine) Positions(ctx context.Context) ([]model.UserPosition, error) {
	return store.List(ctx, e.store)
}

// Price returns the current quote.
func (e *Engine) Price() model.PriceQuote {
	return e.oracle.Quote()
}

// SetPrice overwrites the oracle price.
func (e *Engine) SetPrice(ctx context.Context, caller model.UserID, price uint64) (err error) {
	defer e.observe("set_price", time.Now(), &err)
	if !e.admins.Allowed(caller) {
		return ErrUnauthorized
	}
	if err := e.oracle.Set(price); err != nil {
		return err
	}
	e.log.Info("price set", "by", caller, "price", oracle.FormatPrice(price))
	e.publishPrice(price)
	return nil
}

// RefreshPrice pulls a new price from the feed. On failure the previous
// price stays in effect.
func (e *Engine) RefreshPrice(ctx context.Context) (q model.PriceQuote, err error) {
	defer e.observe("refresh_price", time.Now(), &err)
	if err := e.oracle.Refresh(ctx); err != nil {
		return e.oracle.Quote(), err
	}
	q = e.oracle.Quote()
	e.publishPrice(q.Price)
	return q, nil
}

// ExternalBalance queries the gateway for account's balance.
func (e *Engine) ExternalBalance(ctx context.Context, account string) (bal uint64, err error) {
	defer e.observe("external_balance", time.Now(), &err)
	if account == "" {
		return 0, ErrInvalidAccount
	}
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	defer cancel()
	return e.gateway.Balance(ctx, account)
}

func (e *Engine) observe(op string, start time.Time, err *error) {
	metrics.ObserveOperation(op, outcome(*err), start)
}

func (e *Engine) publishPosition(user model.UserID, pos model.Position) {
	e.pub.Publish(events.Event{
		Type:       events.TypePosition,
		UserID:     user.String(),
		Collateral: u64(pos.Collateral),
		Debt:       u64(pos.Debt),
	})
}

func (e *Engine) publishPrice(price uint64) {
	e.pub.Publish(events.Event{Type: events.TypePrice, Price: oracle.FormatPrice(price)})
}

func validate(user model.UserID, amount uint64) error {
	if user == "" {
		return ErrInvalidUser
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	return nil
}

func u64(v uint64) *uint64 { return &v }

// userGuard marks users with a withdrawal or reconciliation in flight.
type userGuard struct {
	mu   sync.Mutex
	held map[model.UserID]struct{}
}

func (g *userGuard) acquire(user model.UserID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[user]; busy {
		return ErrBusy
	}
	g.held[user] = struct{}{}
	return nil
}

func (g *userGuard) release(user model.UserID) {
	g.mu.Lock()
	delete(g.held, user)
	g.mu.Unlock()
}
