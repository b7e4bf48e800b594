package lending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atmx/lending-engine/internal/events"
	"github.com/atmx/lending-engine/internal/gateway"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

// Withdrawal is the result of a confirmed withdrawal.
type Withdrawal struct {
	IntentID  string `json:"intent_id"`
	ReceiptID string `json:"receipt_id"`
	Amount    uint64 `json:"amount"` // debited from collateral
	Fee       uint64 `json:"fee"`
	Sent      uint64 `json:"sent"` // amount - fee, received at destination
}

// Withdraw debits amount from the user's collateral and sends amount-fee to
// destination through the gateway.
//
// The debit is committed before the transfer starts. A rejected transfer
// credits it back and returns an error wrapping ErrRejected. Any other
// gateway failure keeps the debit, leaves the intent pending and returns an
// *AmbiguousError; ResolveWithdrawal settles it.
func (e *Engine) Withdraw(ctx context.Context, user model.UserID, destination string, amount uint64) (w Withdrawal, err error) {
	defer e.observe("withdraw", time.Now(), &err)
	if err := validate(user, amount); err != nil {
		return Withdrawal{}, err
	}
	if destination == "" {
		return Withdrawal{}, ErrInvalidAccount
	}

	if err := e.guard.acquire(user); err != nil {
		return Withdrawal{}, err
	}
	defer e.guard.release(user)

	// Gateway calls outlive the caller's request; only the timeout bounds them.
	gctx := context.WithoutCancel(ctx)

	fee, err := e.fee(gctx)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("lending: query fee: %w", err)
	}
	if amount <= fee {
		return Withdrawal{}, fmt.Errorf("%w: amount %d, fee %d", ErrAmountBelowFee, amount, fee)
	}

	price := e.oracle.Price()
	pos, err := e.store.Update(ctx, user, func(cur model.Position) (model.Position, error) {
		if cur.Collateral < amount {
			return cur, fmt.Errorf("%w: have %d, want %d", ErrInsufficientCollateral, cur.Collateral, amount)
		}
		next := model.Position{Collateral: cur.Collateral - amount, Debt: cur.Debt}
		if !e.ltv.Healthy(next, price) {
			return cur, fmt.Errorf("%w: debt %d would exceed %d", ErrLimitExceeded, next.Debt, e.ltv.MaxDebt(next.Collateral, price))
		}
		return next, nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	e.publishPosition(user, pos)

	now := e.now().UTC()
	intent := model.TransferIntent{
		ID:          e.newID(),
		UserID:      user,
		Destination: destination,
		Amount:      amount,
		Fee:         fee,
		State:       model.IntentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.journal.Create(gctx, intent); err != nil {
		// Nothing has left the ledger yet, so the debit can be undone.
		if cerr := e.credit(gctx, user, amount); cerr != nil {
			e.log.Error("credit after journal failure", "user", user, "amount", amount, "err", cerr)
		}
		return Withdrawal{}, fmt.Errorf("lending: record intent: %w", err)
	}
	metrics.PendingWithdrawals.Inc()
	e.log.Info("withdrawal started",
		"intent", intent.ID,
		"user", user,
		"destination", destination,
		"amount", amount,
		"fee", fee,
	)

	tctx, cancel := context.WithTimeout(gctx, e.transferTimeout)
	receipt, terr := e.gateway.Transfer(tctx, gateway.TransferRequest{
		Destination: destination,
		Amount:      amount - fee,
		Fee:         fee,
		Memo:        intent.ID,
	})
	cancel()

	switch gateway.Classify(terr) {
	case gateway.ClassNone:
		confirmed := intent
		confirmed.State = model.IntentConfirmed
		confirmed.ReceiptID = receipt
		confirmed.UpdatedAt = e.now().UTC()
		if err := e.journal.Transition(gctx, confirmed, model.IntentPending); err != nil {
			// The transfer went out; an operator confirms the intent.
			metrics.WithdrawalOutcomes.WithLabelValues("ambiguous").Inc()
			e.log.Error("withdrawal sent but confirmation not recorded",
				"intent", intent.ID,
				"user", user,
				"receipt", receipt,
				"err", err,
			)
			return Withdrawal{}, &AmbiguousError{
				IntentID: intent.ID,
				Err:      fmt.Errorf("transfer %s sent, recording confirmation: %w", receipt, err),
			}
		}
		metrics.PendingWithdrawals.Dec()
		metrics.WithdrawalOutcomes.WithLabelValues("confirmed").Inc()
		e.log.Info("withdrawal confirmed", "intent", intent.ID, "user", user, "receipt", receipt)
		e.publishIntent(confirmed)
		return Withdrawal{
			IntentID:  intent.ID,
			ReceiptID: receipt,
			Amount:    amount,
			Fee:       fee,
			Sent:      amount - fee,
		}, nil

	case gateway.ClassRejected:
		failed := intent
		failed.State = model.IntentFailed
		failed.Error = terr.Error()
		failed.UpdatedAt = e.now().UTC()
		if err := e.journal.Transition(gctx, failed, model.IntentPending); err != nil {
			// Without a recorded failure the refund would be repeatable, so the
			// debit stays until an operator resolves the intent.
			intent.Error = fmt.Sprintf("rejected: %v; recording failure: %v", terr, err)
			e.saveIntent(gctx, intent)
			metrics.WithdrawalOutcomes.WithLabelValues("ambiguous").Inc()
			e.log.Error("withdrawal rejected but failure not recorded, debit kept",
				"intent", intent.ID,
				"user", user,
				"amount", amount,
				"err", err,
			)
			e.publishIntent(intent)
			return Withdrawal{}, &AmbiguousError{IntentID: intent.ID, Err: errors.Join(terr, err)}
		}
		if cerr := e.credit(gctx, user, amount); cerr != nil {
			intent.Error = fmt.Sprintf("rejected: %v; refund failed: %v", terr, cerr)
			e.reopen(gctx, intent)
			metrics.WithdrawalOutcomes.WithLabelValues("ambiguous").Inc()
			e.log.Error("refund after rejection failed", "intent", intent.ID, "user", user, "err", cerr)
			e.publishIntent(intent)
			return Withdrawal{}, &AmbiguousError{IntentID: intent.ID, Err: errors.Join(terr, cerr)}
		}
		metrics.PendingWithdrawals.Dec()
		metrics.WithdrawalOutcomes.WithLabelValues("refunded").Inc()
		e.log.Warn("withdrawal rejected, collateral restored", "intent", intent.ID, "user", user, "err", terr)
		e.publishIntent(failed)
		return Withdrawal{}, fmt.Errorf("%w: %w", ErrRejected, terr)

	default:
		intent.Error = terr.Error()
		e.saveIntent(gctx, intent)
		metrics.WithdrawalOutcomes.WithLabelValues("ambiguous").Inc()
		e.log.Error("withdrawal outcome unknown, debit kept pending reconciliation",
			"intent", intent.ID,
			"user", user,
			"amount", amount,
			"class", gateway.Classify(terr).String(),
			"err", terr,
		)
		e.publishIntent(intent)
		return Withdrawal{}, &AmbiguousError{IntentID: intent.ID, Err: terr}
	}
}

// ResolveWithdrawal settles a pending intent after an operator has
// established what the ledger did. IntentFailed credits the debit back;
// IntentConfirmed keeps it and records receipt.
func (e *Engine) ResolveWithdrawal(ctx context.Context, caller model.UserID, intentID string, result model.IntentState, receipt string) (intent model.TransferIntent, err error) {
	defer e.observe("resolve_withdrawal", time.Now(), &err)
	if !e.admins.Allowed(caller) {
		return model.TransferIntent{}, ErrUnauthorized
	}
	if result != model.IntentConfirmed && result != model.IntentFailed {
		return model.TransferIntent{}, ErrInvalidOutcome
	}

	intent, err = e.intent(ctx, intentID)
	if err != nil {
		return model.TransferIntent{}, err
	}

	// Serialises with the withdrawal that created the intent and with other
	// resolutions for the same user.
	if err := e.guard.acquire(intent.UserID); err != nil {
		return model.TransferIntent{}, err
	}
	defer e.guard.release(intent.UserID)

	// The transition and the credit must not be split by a cancelled request.
	ctx = context.WithoutCancel(ctx)

	intent, err = e.intent(ctx, intentID)
	if err != nil {
		return model.TransferIntent{}, err
	}
	if intent.State != model.IntentPending {
		return model.TransferIntent{}, fmt.Errorf("%w: %s is %s", ErrIntentSettled, intent.ID, intent.State)
	}

	// The intent leaves pending before any credit, so a refund is applied at
	// most once however often resolution is retried.
	resolved := intent
	resolved.State = result
	resolved.UpdatedAt = e.now().UTC()
	if result == model.IntentConfirmed && receipt != "" {
		resolved.ReceiptID = receipt
	}
	if err := e.journal.Transition(ctx, resolved, model.IntentPending); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return model.TransferIntent{}, fmt.Errorf("%w: %v", ErrIntentSettled, err)
		}
		return model.TransferIntent{}, fmt.Errorf("lending: resolve intent %s: %w", intent.ID, err)
	}
	if result == model.IntentFailed {
		if err := e.credit(ctx, intent.UserID, intent.Amount); err != nil {
			e.reopen(ctx, intent)
			return model.TransferIntent{}, fmt.Errorf("lending: refund intent %s: %w", intent.ID, err)
		}
	}
	intent = resolved
	metrics.PendingWithdrawals.Dec()
	metrics.WithdrawalOutcomes.WithLabelValues("resolved_" + string(result)).Inc()
	e.log.Warn("withdrawal resolved",
		"intent", intent.ID,
		"user", intent.UserID,
		"outcome", result,
		"by", caller,
	)
	e.publishIntent(intent)
	return intent, nil
}

// PendingWithdrawals lists intents awaiting reconciliation, oldest first.
func (e *Engine) PendingWithdrawals(ctx context.Context, caller model.UserID) ([]model.TransferIntent, error) {
	if !e.admins.Allowed(caller) {
		return nil, ErrUnauthorized
	}
	return e.journal.ListByState(ctx, model.IntentPending)
}

// Recover loads pending intents left by a previous run into the gauge and
// logs each one. Call once at startup.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.journal.ListByState(ctx, model.IntentPending)
	if err != nil {
		return 0, err
	}
	metrics.PendingWithdrawals.Set(float64(len(pending)))
	for _, in := range pending {
		e.log.Warn("withdrawal awaiting reconciliation",
			"intent", in.ID,
			"user", in.UserID,
			"amount", in.Amount,
			"since", in.CreatedAt,
		)
	}
	return len(pending), nil
}

func (e *Engine) fee(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	defer cancel()
	return e.gateway.Fee(ctx)
}

// credit returns amount to the user's collateral.
func (e *Engine) credit(ctx context.Context, user model.UserID, amount uint64) error {
	pos, err := e.store.Update(ctx, user, func(cur model.Position) (model.Position, error) {
		if cur.Collateral > math.MaxUint64-amount {
			return cur, ErrOverflow
		}
		cur.Collateral += amount
		return cur, nil
	})
	if err != nil {
		return err
	}
	e.publishPosition(user, pos)
	return nil
}

func (e *Engine) intent(ctx context.Context, id string) (model.TransferIntent, error) {
	in, err := e.journal.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.TransferIntent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	return in, err
}

// reopen puts a failed intent whose refund did not apply back to pending.
func (e *Engine) reopen(ctx context.Context, intent model.TransferIntent) {
	intent.State = model.IntentPending
	intent.UpdatedAt = e.now().UTC()
	if err := e.journal.Transition(ctx, intent, model.IntentFailed); err != nil {
		e.log.Error("intent marked failed without refund, credit it manually",
			"intent", intent.ID,
			"user", intent.UserID,
			"amount", intent.Amount,
			"err", err,
		)
	}
}

// saveIntent records diagnostics on a pending intent.
func (e *Engine) saveIntent(ctx context.Context, intent model.TransferIntent) {
	intent.UpdatedAt = e.now().UTC()
	if err := e.journal.Save(ctx, intent); err != nil {
		e.log.Error("save withdrawal intent", "intent", intent.ID, "state", intent.State, "err", err)
	}
}

func (e *Engine) publishIntent(intent model.TransferIntent) {
	e.pub.Publish(events.Event{
		Type:     events.TypeWithdrawal,
		UserID:   intent.UserID.String(),
		IntentID: intent.ID,
		State:    string(intent.State),
	})
}
