package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VaultCore/internal/asset"
	"VaultCore/internal/event"
	fpmath "VaultCore/internal/math"
	"VaultCore/internal/oracle"
	"VaultCore/internal/state"
)

// Engine owns the protocol state and applies every user action to
// completion: funding, fee flush, liquidation, the action's own
// accounting, then the rebase check. It is single-threaded; the service
// layer serializes callers. The engine never reads the wall clock: every
// timestamp is a versioned input carried by the validated price.
type Engine struct {
	logger zerolog.Logger

	state *state.Protocol
	book  *state.TickBook
	queue *state.PendingQueue

	ledger    asset.Ledger
	token     asset.StableToken
	collector asset.FeeCollector
	account   uuid.UUID // engine's own collateral account

	events []event.Event
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Params    state.Params
	Ledger    asset.Ledger
	Token     asset.StableToken
	Collector asset.FeeCollector
	Account   uuid.UUID
	Now       int64 // initialization timestamp, unix seconds
}

func NewEngine(cfg EngineConfig, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("params: %v: %w", err, ErrInvalidParameter)
	}
	if cfg.Ledger == nil || cfg.Token == nil {
		return nil, fmt.Errorf("ledger and token are required: %w", ErrInvalidParameter)
	}
	if cfg.Account == uuid.Nil {
		return nil, fmt.Errorf("engine account is required: %w", ErrInvalidParameter)
	}
	return &Engine{
		logger:    logger,
		state:     state.NewProtocol(cfg.Params, cfg.Now),
		book:      state.NewTickBook(cfg.Params.TickSpacing),
		queue:     state.NewPendingQueue(),
		ledger:    cfg.Ledger,
		token:     cfg.Token,
		collector: cfg.Collector,
		account:   cfg.Account,
	}, nil
}

// State returns a copy of the protocol scalars.
func (e *Engine) State() state.Protocol { return *e.state }

// Book exposes read-only access to the position book for queries.
func (e *Engine) Book() *state.TickBook { return e.book }

// Position fetches a position by reference.
func (e *Engine) Position(ref state.PositionRef) (state.Position, error) {
	return e.book.Get(ref)
}

// PendingActionOf returns the user's pending action, if any.
func (e *Engine) PendingActionOf(user uuid.UUID) (state.PendingAction, bool) {
	a, ok := e.queue.ByUser(user)
	if !ok {
		return state.PendingAction{}, false
	}
	return *a, true
}

// UpdateParams replaces the configured parameters after validation.
func (e *Engine) UpdateParams(p state.Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("params: %v: %w", err, ErrInvalidParameter)
	}
	e.state.Params = p
	return nil
}

// SetFeeCollector swaps the fee collector destination.
func (e *Engine) SetFeeCollector(c asset.FeeCollector) error {
	if c == nil || c.Account() == uuid.Nil {
		return fmt.Errorf("zero fee collector: %w", ErrInvalidParameter)
	}
	e.collector = c
	return nil
}

// --- transaction discipline -------------------------------------------------

// txn implements the all-or-nothing commit for one action. Scalars roll
// back by shallow copy; external transfers, mints, book inserts, and
// queue moves roll back through registered undo closures, run in reverse.
// reseal is taken after the funding/flush/liquidation side effects: when a
// later step fails, the action's own accounting reverts to the resealed
// point while the already settled side effects stand (they are idempotent
// per elapsed window and valid regardless of the action's fate).
type txn struct {
	e     *Engine
	saved state.Protocol
	undo  []func()
	mark  int
}

func (e *Engine) begin() *txn {
	return &txn{e: e, saved: *e.state, mark: len(e.events)}
}

func (t *txn) onRollback(fn func()) { t.undo = append(t.undo, fn) }

// reseal moves the rollback point forward to the current state.
func (t *txn) reseal() {
	t.saved = *t.e.state
	t.mark = len(t.e.events)
}

func (t *txn) rollback() {
	*t.e.state = t.saved
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.e.events = t.e.events[:t.mark]
}

func (e *Engine) emit(ev event.Event) { e.events = append(e.events, ev) }

// drain returns and clears the buffered events of a committed action.
func (e *Engine) drain() []event.Event {
	out := e.events
	e.events = nil
	return out
}

// collectPayment pulls collateral from the payer and registers the
// refund. A transfer that reports success without moving the funds is a
// payment callback failure.
func (e *Engine) collectPayment(t *txn, payer uuid.UUID, amount int64) error {
	before := e.ledger.BalanceOf(e.account)
	if err := e.ledger.Transfer(payer, e.account, amount); err != nil {
		return fmt.Errorf("collect %d from %s: %v: %w", amount, payer, err, ErrPaymentCallbackFailed)
	}
	if e.ledger.BalanceOf(e.account)-before != amount {
		return fmt.Errorf("collect %d from %s moved nothing: %w", amount, payer, ErrPaymentCallbackFailed)
	}
	t.onRollback(func() {
		if err := e.ledger.Transfer(e.account, payer, amount); err != nil {
			e.logger.Error().Err(err).Str("payer", payer.String()).Int64("amount", amount).
				Msg("refund failed during rollback")
		}
	})
	return nil
}

// settleFunding applies pending funding and flushes fees if due. A flush
// failure aborts before any book mutation.
func (e *Engine) settleFunding(now int64) error {
	fr := ApplyFunding(e.state, now)
	if fr.Applied {
		e.emit(&event.FundingApplied{
			Rate:       fr.Rate,
			Multiplier: fr.Multiplier,
			Value:      fr.Value,
			Elapsed:    fr.Elapsed,
			Timestamp:  now,
		})
	}

	flushed, err := FlushFeesIfDue(e.state, e.ledger, e.account, e.collector)
	if err != nil {
		return err
	}
	if flushed > 0 {
		e.emit(&event.ProtocolFeeFlushed{Amount: flushed, Timestamp: now})
	}
	return nil
}

// runLiquidation performs one bounded liquidation pass and emits a record
// per tick. It cannot fail.
func (e *Engine) runLiquidation(price, now int64, iterations int) LiquidationResult {
	res := Liquidate(e.state, e.book, price, iterations)
	for _, r := range res.Records {
		e.emit(&event.TickLiquidated{
			Tick:        r.Tick,
			TickVersion: r.TickVersion,
			Exposure:    r.Exposure,
			Count:       r.Count,
			Value:       r.Value,
			Price:       price,
			Timestamp:   now,
		})
	}
	if res.TicksLiquidated > 0 {
		e.logger.Info().Int("ticks", res.TicksLiquidated).Int("positions", res.PositionsLiquidated).
			Int64("collateral", res.CollateralDelta).Msg("liquidation pass")
	}
	return res
}

// applySideEffects runs the pre-accounting pipeline shared by every user
// action: settle funding, flush fees if due, then liquidate. On return
// the txn is resealed past the side effects.
func (e *Engine) applySideEffects(t *txn, price, now int64) error {
	if err := e.settleFunding(now); err != nil {
		return err
	}
	e.runLiquidation(price, now, MaxLiquidationIteration)
	t.reseal()
	return nil
}

// checkRebase evaluates the rebase trigger and registers the divisor undo
// so a later failure in the same action restores the token.
func (e *Engine) checkRebase(t *txn, assetPrice, now int64, force bool) error {
	oldDivisor := e.token.Divisor()
	rr, err := CheckRebase(e.state, e.token, assetPrice, now, force)
	if err != nil {
		return err
	}
	if !rr.Rebased {
		return nil
	}
	t.onRollback(func() {
		if rerr := e.token.Rebase(oldDivisor); rerr != nil {
			e.logger.Error().Err(rerr).Msg("divisor restore failed during rollback")
		}
	})
	e.emit(&event.SupplyRebased{
		OldDivisor: rr.OldDivisor.String(),
		NewDivisor: rr.NewDivisor.String(),
		OldSupply:  rr.OldSupply.String(),
		NewSupply:  rr.NewSupply.String(),
		Price:      rr.Price,
		Timestamp:  now,
	})
	e.logger.Info().Str("old_divisor", rr.OldDivisor.String()).Str("new_divisor", rr.NewDivisor.String()).
		Int64("price", rr.Price).Msg("supply rebased")
	return nil
}

// pushPending enqueues with undo.
func (e *Engine) pushPending(t *txn, a *state.PendingAction) error {
	if err := e.queue.Push(a); err != nil {
		return err
	}
	t.onRollback(func() { e.queue.RemoveByUser(a.User) })
	return nil
}

// takePending removes the user's pending action with undo.
func (e *Engine) takePending(t *txn, user uuid.UUID) (*state.PendingAction, bool) {
	a, ok := e.queue.RemoveByUser(user)
	if !ok {
		return nil, false
	}
	t.onRollback(func() {
		if err := e.queue.Push(a); err != nil {
			e.logger.Error().Err(err).Str("user", user.String()).Msg("pending requeue failed during rollback")
		}
	})
	return a, true
}

// authorizeValidation enforces the completion capability: the initiator
// may validate immediately, anyone else only after the deadline.
func (e *Engine) authorizeValidation(caller uuid.UUID, a *state.PendingAction, now int64) error {
	if caller == a.User {
		return nil
	}
	if a.Timestamp+e.state.Params.ValidationDeadline <= now {
		return nil
	}
	return fmt.Errorf("caller %s cannot validate %s action of %s before deadline: %w",
		caller, a.Kind, a.User, ErrUnauthorized)
}

// --- deposit ----------------------------------------------------------------

// InitiateDeposit collects collateral from the user and enqueues the
// pending deposit. The stable token is minted at validation time.
func (e *Engine) InitiateDeposit(user, to uuid.UUID, amount int64, price oracle.PriceInfo) ([]event.Event, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount %d: %w", amount, ErrInvalidParameter)
	}
	if user == uuid.Nil {
		return nil, fmt.Errorf("zero user: %w", ErrInvalidParameter)
	}
	if to == uuid.Nil {
		to = user
	}
	if _, exists := e.queue.ByUser(user); exists {
		return nil, state.ErrPendingActionExists
	}
	now := price.Timestamp

	t := e.begin()
	if err := e.collectPayment(t, user, amount); err != nil {
		t.rollback()
		return nil, err
	}
	if err := e.applySideEffects(t, price.Price, now); err != nil {
		t.rollback()
		return nil, err
	}
	if err := e.pushPending(t, &state.PendingAction{
		ID:        uuid.New(),
		Kind:      state.ActionDeposit,
		User:      user,
		To:        to,
		Timestamp: now,
		Amount:    amount,
		Price:     price.Price,
	}); err != nil {
		t.rollback()
		return nil, err
	}
	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return nil, err
	}
	e.postCheckInvariants()
	return e.drain(), nil
}

// ValidateDeposit finalizes a pending deposit at a fresh price: the vault
// balance grows by the deposited collateral and stable tokens are minted
// to the beneficiary at the less favorable of the initiation and
// validation prices.
func (e *Engine) ValidateDeposit(caller, user uuid.UUID, price oracle.PriceInfo) ([]event.Event, error) {
	now := price.Timestamp
	a, ok := e.queue.ByUser(user)
	if !ok || a.Kind != state.ActionDeposit {
		return nil, fmt.Errorf("user %s: %w", user, ErrNoPendingAction)
	}
	if err := e.authorizeValidation(caller, a, now); err != nil {
		return nil, err
	}

	t := e.begin()
	if err := e.applySideEffects(t, price.Price, now); err != nil {
		t.rollback()
		return nil, err
	}
	a, _ = e.takePending(t, user)

	mintPrice := a.Price
	if price.Price < mintPrice {
		mintPrice = price.Price
	}
	minted := e.depositMintAmount(a.Amount, mintPrice, price.Price)
	if minted.Sign() > 0 {
		if err := e.token.Mint(a.To, minted); err != nil {
			t.rollback()
			return nil, fmt.Errorf("mint %s to %s: %w", minted, a.To, err)
		}
		to := a.To
		amt := new(big.Int).Set(minted)
		t.onRollback(func() {
			if err := e.token.Burn(to, amt); err != nil {
				e.logger.Error().Err(err).Msg("mint undo failed during rollback")
			}
		})
	}
	e.state.VaultBalance += a.Amount

	e.emit(&event.VaultDeposited{
		ActionID:  a.ID,
		User:      a.User,
		To:        a.To,
		Amount:    a.Amount,
		Price:     price.Price,
		Minted:    minted.String(),
		Timestamp: now,
	})
	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return nil, err
	}
	e.postCheckInvariants()
	return e.drain(), nil
}

// depositMintAmount converts deposited collateral into stable tokens.
// The deposit is valued at the fee-adjusted (downward) asset price and
// exchanged at the current vault-backed token price, or at the target peg
// when supply is empty.
func (e *Engine) depositMintAmount(amount, mintPrice, rawPrice int64) *big.Int {
	priceDown := fpmath.AdjustPriceDown(mintPrice, e.state.Params.PositionFeeBps)
	tp := TokenPrice(e.state.VaultBalance, rawPrice, e.token.TotalSupply(), e.token.Decimals())
	if tp <= 0 {
		tp = e.state.Params.TargetPrice
	}
	minted := new(big.Int).Mul(big.NewInt(amount), big.NewInt(priceDown))
	minted.Mul(minted, fpmath.Pow10(e.token.Decimals()))
	minted.Quo(minted, big.NewInt(fpmath.AmountConfig.Scale))
	minted.Quo(minted, big.NewInt(tp))
	return minted
}

// --- withdrawal -------------------------------------------------------------

// InitiateWithdrawal burns the user's stable tokens and enqueues the
// pending withdrawal; the collateral payout happens at validation.
func (e *Engine) InitiateWithdrawal(user, to uuid.UUID, stableAmount *big.Int, price oracle.PriceInfo) ([]event.Event, error) {
	if stableAmount == nil || stableAmount.Sign() <= 0 {
		return nil, fmt.Errorf("withdrawal amount %s: %w", stableAmount, ErrInvalidParameter)
	}
	if user == uuid.Nil {
		return nil, fmt.Errorf("zero user: %w", ErrInvalidParameter)
	}
	if to == uuid.Nil {
		to = user
	}
	if _, exists := e.queue.ByUser(user); exists {
		return nil, state.ErrPendingActionExists
	}
	now := price.Timestamp

	t := e.begin()
	if err := e.token.Burn(user, stableAmount); err != nil {
		t.rollback()
		return nil, fmt.Errorf("burn %s from %s: %v: %w", stableAmount, user, err, ErrPaymentCallbackFailed)
	}
	burned := new(big.Int).Set(stableAmount)
	t.onRollback(func() {
		if err := e.token.Mint(user, burned); err != nil {
			e.logger.Error().Err(err).Msg("burn undo failed during rollback")
		}
	})
	if err := e.applySideEffects(t, price.Price, now); err != nil {
		t.rollback()
		return nil, err
	}
	if err := e.pushPending(t, &state.PendingAction{
		ID:        uuid.New(),
		Kind:      state.ActionWithdrawal,
		User:      user,
		To:        to,
		Timestamp: now,
		Stable:    stableAmount.String(),
		Price:     price.Price,
	}); err != nil {
		t.rollback()
		return nil, err
	}
	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return nil, err
	}
	e.postCheckInvariants()
	return e.drain(), nil
}

// ValidateWithdrawal pays out the burned tokens' pro-rata share of the
// vault at the validation price, marked up by the position fee in the
// user-unfavorable direction, clamped to the vault balance.
func (e *Engine) ValidateWithdrawal(caller, user uuid.UUID, price oracle.PriceInfo) ([]event.Event, error) {
	now := price.Timestamp
	a, ok := e.queue.ByUser(user)
	if !ok || a.Kind != state.ActionWithdrawal {
		return nil, fmt.Errorf("user %s: %w", user, ErrNoPendingAction)
	}
	if err := e.authorizeValidation(caller, a, now); err != nil {
		return nil, err
	}
	stable, ok := new(big.Int).SetString(a.Stable, 10)
	if !ok || stable.Sign() <= 0 {
		return nil, fmt.Errorf("pending withdrawal amount %q: %w", a.Stable, ErrInvalidParameter)
	}

	t := e.begin()
	if err := e.applySideEffects(t, price.Price, now); err != nil {
		t.rollback()
		return nil, err
	}
	a, _ = e.takePending(t, user)

	payout := e.withdrawalPayout(stable, price.Price)
	if payout > 0 {
		e.state.VaultBalance -= payout
		if err := e.ledger.Transfer(e.account, a.To, payout); err != nil {
			t.rollback()
			return nil, fmt.Errorf("pay out %d to %s: %w", payout, a.To, err)
		}
		to := a.To
		amt := payout
		t.onRollback(func() {
			if err := e.ledger.Transfer(to, e.account, amt); err != nil {
				e.logger.Error().Err(err).Msg("payout undo failed during rollback")
			}
		})
	}

	e.emit(&event.VaultWithdrawn{
		ActionID:  a.ID,
		User:      a.User,
		To:        a.To,
		Burned:    a.Stable,
		Amount:    payout,
		Price:     price.Price,
		Timestamp: now,
	})
	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return nil, err
	}
	e.postCheckInvariants()
	return e.drain(), nil
}

// withdrawalPayout converts burned stable tokens back into collateral.
// The tokens were burned at initiation, so the token price baseline adds
// them back to the current supply.
func (e *Engine) withdrawalPayout(stable *big.Int, rawPrice int64) int64 {
	supply := new(big.Int).Add(e.token.TotalSupply(), stable)
	tp := TokenPrice(e.state.VaultBalance, rawPrice, supply, e.token.Decimals())
	if tp <= 0 {
		return 0
	}
	priceUp := fpmath.AdjustPriceUp(rawPrice, e.state.Params.PositionFeeBps)

	// Value the tokens at tp, buy collateral at the marked-up price.
	out := new(big.Int).Mul(stable, big.NewInt(tp))
	out.Mul(out, big.NewInt(fpmath.AmountConfig.Scale))
	out.Quo(out, fpmath.Pow10(e.token.Decimals()))
	out.Quo(out, big.NewInt(priceUp))

	payout := out.Int64()
	if payout > e.state.VaultBalance {
		payout = e.state.VaultBalance
	}
	if payout < 0 {
		payout = 0
	}
	return payout
}

// --- open position ----------------------------------------------------------

// InitiateOpenPosition collects collateral, prices the entry with the fee
// applied upward, quantizes the liquidation price to a penalized tick,
// and inserts the position. Validation later reprices against a fresh
// oracle price.
func (e *Engine) InitiateOpenPosition(user uuid.UUID, amount, leverage int64, price oracle.PriceInfo) (state.PositionRef, []event.Event, error) {
	var zero state.PositionRef
	if amount <= 0 {
		return zero, nil, fmt.Errorf("open amount %d: %w", amount, ErrInvalidParameter)
	}
	p := e.state.Params
	if leverage < p.MinLeverage || leverage > p.MaxLeverage {
		return zero, nil, fmt.Errorf("leverage %d outside [%d, %d]: %w", leverage, p.MinLeverage, p.MaxLeverage, ErrInvalidParameter)
	}
	if user == uuid.Nil {
		return zero, nil, fmt.Errorf("zero user: %w", ErrInvalidParameter)
	}
	if _, exists := e.queue.ByUser(user); exists {
		return zero, nil, state.ErrPendingActionExists
	}
	now := price.Timestamp

	t := e.begin()
	if err := e.collectPayment(t, user, amount); err != nil {
		t.rollback()
		return zero, nil, err
	}
	if err := e.applySideEffects(t, price.Price, now); err != nil {
		t.rollback()
		return zero, nil, err
	}

	entryPrice := fpmath.AdjustPriceUp(price.Price, p.PositionFeeBps)
	tick, storedLev, expo, err := e.placePosition(entryPrice, amount, leverage)
	if err != nil {
		t.rollback()
		return zero, nil, err
	}

	e.state.LongBalance += amount
	e.state.TotalExpo += expo
	ref := e.book.Put(tick, state.Position{
		Owner:     user,
		Amount:    amount,
		Exposure:  expo,
		Leverage:  storedLev,
		Timestamp: now,
	})
	t.onRollback(func() {
		if _, rerr := e.book.Remove(ref); rerr != nil {
			e.logger.Error().Err(rerr).Msg("position undo failed during rollback")
		}
	})

	actionID := uuid.New()
	if err := e.pushPending(t, &state.PendingAction{
		ID:        actionID,
		Kind:      state.ActionOpenPosition,
		User:      user,
		To:        user,
		Timestamp: now,
		Amount:    amount,
		Price:     entryPrice,
		Ref:       ref,
		Leverage:  storedLev,
	}); err != nil {
		t.rollback()
		return zero, nil, err
	}

	e.emit(&event.PositionOpened{
		ActionID:  actionID,
		User:      user,
		Ref:       ref,
		Amount:    amount,
		Exposure:  expo,
		Leverage:  storedLev,
		Price:     entryPrice,
		Timestamp: now,
	})
	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return zero, nil, err
	}
	e.postCheckInvariants()
	return ref, e.drain(), nil
}

// placePosition quantizes the desired liquidation price to a tick shifted
// up by the penalty spacings, then restates leverage and exposure against
// the tick's actual penalized price.
func (e *Engine) placePosition(entryPrice, amount, leverage int64) (tick, storedLev, expo int64, err error) {
	p := e.state.Params
	liqPrice := fpmath.ComputeLiquidationPrice(entryPrice, leverage)
	if liqPrice <= 0 {
		return 0, 0, 0, fmt.Errorf("liquidation price %d at entry %d: %w", liqPrice, entryPrice, ErrInvalidParameter)
	}
	tick = fpmath.ClampTick(fpmath.EffectiveTickForPrice(liqPrice, e.state.LiqMultiplier, p.TickSpacing) +
		p.LiquidationPenaltyTicks*p.TickSpacing)
	tickLiqPrice := fpmath.EffectivePriceForTick(tick-p.LiquidationPenaltyTicks*p.TickSpacing, e.state.LiqMultiplier)
	if tickLiqPrice >= entryPrice {
		return 0, 0, 0, fmt.Errorf("tick liquidation price %d at entry %d: %w", tickLiqPrice, entryPrice, ErrInvalidParameter)
	}
	storedLev = fpmath.ComputeLeverage(entryPrice, tickLiqPrice)
	if storedLev > p.MaxLeverage {
		storedLev = p.MaxLeverage
	}
	expo = fpmath.ComputeExposure(amount, storedLev)
	return tick, storedLev, expo, nil
}

// ValidateOpenPosition reprices a pending open against a fresh price.
// Leverage and exposure are restated against the validation-time price in
// both directions: a drop raises the true leverage, so the position is
// relocated to a new tick when the restated leverage would breach the cap
// or the stored tick is already at or above the price. A position
// liquidated between the two phases just clears the pending entry; that
// outcome is not an error.
func (e *Engine) ValidateOpenPosition(caller, user uuid.UUID, price oracle.PriceInfo) ([]event.Event, error) {
	now := price.Timestamp
	a, ok := e.queue.ByUser(user)
	if !ok || a.Kind != state.ActionOpenPosition {
		return nil, fmt.Errorf("user %s: %w", user, ErrNoPendingAction)
	}
	if err := e.authorizeValidation(caller, a, now); err != nil {
		return nil, err
	}

	t := e.begin()
	if err := e.applySideEffects(t, price.Price, now); err != nil {
		t.rollback()
		return nil, err
	}
	a, _ = e.takePending(t, user)

	pos, err := e.book.Get(a.Ref)
	if errors.Is(err, state.ErrOutdatedPositionReference) {
		// Liquidated between initiation and validation.
		e.logger.Info().Str("user", user.String()).Msg("pending open was liquidated before validation")
		e.postCheckInvariants()
		return e.drain(), nil
	}
	if err != nil {
		t.rollback()
		return nil, err
	}

	p := e.state.Params
	validatePrice := fpmath.AdjustPriceUp(price.Price, p.PositionFeeBps)
	ref := a.Ref
	tickLiqPrice := fpmath.EffectivePriceForTick(ref.Tick-p.LiquidationPenaltyTicks*p.TickSpacing, e.state.LiqMultiplier)
	newLev := pos.Leverage
	if tickLiqPrice > 0 && tickLiqPrice < validatePrice {
		newLev = fpmath.ComputeLeverage(validatePrice, tickLiqPrice)
	}
	if newLev > p.MaxLeverage || tickLiqPrice >= validatePrice {
		// Restated leverage breaches the cap: relocate to the tick
		// implied by the original target leverage at the new price.
		newTick, storedLev, expo, perr := e.placePosition(validatePrice, pos.Amount, a.Leverage)
		if perr != nil {
			t.rollback()
			return nil, perr
		}
		if _, rerr := e.book.Remove(ref); rerr != nil {
			t.rollback()
			return nil, rerr
		}
		e.state.TotalExpo += expo - pos.Exposure
		pos.Leverage = storedLev
		pos.Exposure = expo
		pos.Validated = true
		pos.Timestamp = now
		ref = e.book.Put(newTick, pos)
	} else {
		expo := fpmath.ComputeExposure(pos.Amount, newLev)
		e.state.TotalExpo += expo - pos.Exposure
		pos.Leverage = newLev
		pos.Exposure = expo
		pos.Validated = true
		pos.Timestamp = now
		if uerr := e.book.Update(ref, pos); uerr != nil {
			t.rollback()
			return nil, uerr
		}
	}

	e.emit(&event.PositionValidated{
		ActionID:  a.ID,
		User:      a.User,
		OldRef:    a.Ref,
		Ref:       ref,
		Exposure:  pos.Exposure,
		Leverage:  pos.Leverage,
		Price:     price.Price,
		Timestamp: now,
	})
	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return nil, err
	}
	e.postCheckInvariants()
	return e.drain(), nil
}

// --- close position ---------------------------------------------------------

// InitiateClosePosition removes the position from the book and reserves
// its current value out of the long balance; the payout is finalized at
// validation against a fresh price.
func (e *Engine) InitiateClosePosition(user, to uuid.UUID, ref state.PositionRef, price oracle.PriceInfo) ([]event.Event, error) {
	if user == uuid.Nil {
		return nil, fmt.Errorf("zero user: %w", ErrInvalidParameter)
	}
	if to == uuid.Nil {
		to = user
	}
	if _, exists := e.queue.ByUser(user); exists {
		return nil, state.ErrPendingActionExists
	}
	now := price.Timestamp

	t := e.begin()
	if err := e.applySideEffects(t, price.Price, now); err != nil {
		t.rollback()
		return nil, err
	}

	pos, err := e.book.Get(ref)
	if err != nil {
		t.rollback()
		return nil, err
	}
	if pos.Owner != user {
		t.rollback()
		return nil, fmt.Errorf("position at tick %d owned by %s: %w", ref.Tick, pos.Owner, ErrUnauthorized)
	}
	if !pos.Validated {
		t.rollback()
		return nil, fmt.Errorf("position awaiting open validation: %w", ErrInvalidParameter)
	}

	p := e.state.Params
	closePrice := fpmath.AdjustPriceDown(price.Price, p.PositionFeeBps)
	held := AssetToTransfer(closePrice, ref.Tick, pos.Exposure, e.state.LiqMultiplier,
		p.TickSpacing, p.LiquidationPenaltyTicks, e.state.LongBalance)

	if _, err := e.book.Remove(ref); err != nil {
		t.rollback()
		return nil, err
	}
	e.state.TotalExpo -= pos.Exposure
	e.state.LongBalance -= held

	if err := e.pushPending(t, &state.PendingAction{
		ID:        uuid.New(),
		Kind:      state.ActionClosePosition,
		User:      user,
		To:        to,
		Timestamp: now,
		Amount:    pos.Amount,
		Price:     price.Price,
		Ref:       ref,
		Exposure:  pos.Exposure,
		Leverage:  pos.Leverage,
		TempHeld:  held,
	}); err != nil {
		t.rollback()
		return nil, err
	}
	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return nil, err
	}
	e.postCheckInvariants()
	return e.drain(), nil
}

// ValidateClosePosition settles a pending close: the payout is recomputed
// at the validation price against the reserved amount; any shortfall of
// the reservation stays with the vault side.
func (e *Engine) ValidateClosePosition(caller, user uuid.UUID, price oracle.PriceInfo) ([]event.Event, error) {
	now := price.Timestamp
	a, ok := e.queue.ByUser(user)
	if !ok || a.Kind != state.ActionClosePosition {
		return nil, fmt.Errorf("user %s: %w", user, ErrNoPendingAction)
	}
	if err := e.authorizeValidation(caller, a, now); err != nil {
		return nil, err
	}

	t := e.begin()
	if err := e.applySideEffects(t, price.Price, now); err != nil {
		t.rollback()
		return nil, err
	}
	a, _ = e.takePending(t, user)

	p := e.state.Params
	closePrice := fpmath.AdjustPriceDown(price.Price, p.PositionFeeBps)
	payout := AssetToTransfer(closePrice, a.Ref.Tick, a.Exposure, e.state.LiqMultiplier,
		p.TickSpacing, p.LiquidationPenaltyTicks, a.TempHeld)

	// The unreleased remainder of the reservation accrues to the vault.
	if rest := a.TempHeld - payout; rest > 0 {
		e.state.VaultBalance += rest
	}
	if payout > 0 {
		if err := e.ledger.Transfer(e.account, a.To, payout); err != nil {
			t.rollback()
			return nil, fmt.Errorf("pay out %d to %s: %w", payout, a.To, err)
		}
		to := a.To
		amt := payout
		t.onRollback(func() {
			if err := e.ledger.Transfer(to, e.account, amt); err != nil {
				e.logger.Error().Err(err).Msg("payout undo failed during rollback")
			}
		})
	}

	e.emit(&event.PositionClosed{
		ActionID:  a.ID,
		User:      a.User,
		To:        a.To,
		Ref:       a.Ref,
		Exposure:  a.Exposure,
		Payout:    payout,
		Price:     price.Price,
		Timestamp: now,
	})
	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return nil, err
	}
	e.postCheckInvariants()
	return e.drain(), nil
}

// --- keeper paths -----------------------------------------------------------

// LiquidatePass applies funding then runs a liquidation pass for at most
// the requested iterations (capped at MaxLiquidationIteration).
func (e *Engine) LiquidatePass(iterations int, price oracle.PriceInfo) (LiquidationResult, []event.Event, error) {
	now := price.Timestamp

	t := e.begin()
	if err := e.settleFunding(now); err != nil {
		t.rollback()
		return LiquidationResult{}, nil, err
	}
	res := e.runLiquidation(price.Price, now, iterations)
	t.reseal()

	if err := e.checkRebase(t, price.Price, now, false); err != nil {
		t.rollback()
		return LiquidationResult{}, nil, err
	}
	e.postCheckInvariants()
	return res, e.drain(), nil
}

// ValidateActionable completes the oldest deadline-elapsed pending action
// on behalf of any caller. The queue scan skips tombstoned slots up to
// maxIter; an exhausted scan finds nothing and that is not an error.
func (e *Engine) ValidateActionable(caller uuid.UUID, maxIter int, price oracle.PriceInfo) ([]event.Event, error) {
	a, ok := e.queue.NextActionable(price.Timestamp, e.state.Params.ValidationDeadline, maxIter)
	if !ok {
		return nil, nil
	}
	switch a.Kind {
	case state.ActionDeposit:
		return e.ValidateDeposit(caller, a.User, price)
	case state.ActionWithdrawal:
		return e.ValidateWithdrawal(caller, a.User, price)
	case state.ActionOpenPosition:
		return e.ValidateOpenPosition(caller, a.User, price)
	case state.ActionClosePosition:
		return e.ValidateClosePosition(caller, a.User, price)
	default:
		return nil, fmt.Errorf("pending action kind %d: %w", a.Kind, ErrInvalidParameter)
	}
}

// --- views ------------------------------------------------------------------

// GetMinLiquidationPrice returns the lowest admissible liquidation price
// for a position opened at the given price with the configured minimum
// leverage, quantized upward to the tick grid under the current
// multiplier.
func (e *Engine) GetMinLiquidationPrice(price int64) int64 {
	p := e.state.Params
	liqPrice := fpmath.ComputeLiquidationPrice(price, p.MinLeverage)
	tick := fpmath.EffectiveTickForPrice(liqPrice, e.state.LiqMultiplier, p.TickSpacing)
	if fpmath.EffectivePriceForTick(tick, e.state.LiqMultiplier) < liqPrice {
		tick += p.TickSpacing
	}
	return fpmath.EffectivePriceForTick(fpmath.ClampTick(tick), e.state.LiqMultiplier)
}

// GetEffectivePriceForTick exposes the multiplier-adjusted tick price.
func (e *Engine) GetEffectivePriceForTick(tick int64) int64 {
	return fpmath.EffectivePriceForTick(tick, e.state.LiqMultiplier)
}

// GetPositionValue values a position by reference at a price.
func (e *Engine) GetPositionValue(ref state.PositionRef, price int64) (int64, error) {
	pos, err := e.book.Get(ref)
	if err != nil {
		return 0, err
	}
	p := e.state.Params
	liq := fpmath.EffectivePriceForTick(ref.Tick-p.LiquidationPenaltyTicks*p.TickSpacing, e.state.LiqMultiplier)
	return PositionValue(price, liq, pos.Amount, pos.Leverage), nil
}

// --- snapshot / recovery ----------------------------------------------------

// Snapshot is the serializable engine state used for recovery.
type Snapshot struct {
	Protocol state.Protocol        `json:"protocol"`
	Ticks    []state.TickSnapshot  `json:"ticks"`
	Pending  []state.PendingAction `json:"pending"`
}

func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Protocol: *e.state,
		Ticks:    e.book.Snapshot(),
		Pending:  e.queue.Snapshot(),
	}
}

func (e *Engine) Restore(s Snapshot) error {
	if err := s.Protocol.Params.Validate(); err != nil {
		return fmt.Errorf("snapshot params: %v: %w", err, ErrInvalidParameter)
	}
	*e.state = s.Protocol
	e.book = state.NewTickBook(s.Protocol.Params.TickSpacing)
	e.book.Restore(s.Ticks)
	e.queue.Restore(s.Pending)
	e.postCheckInvariants()
	return nil
}

// MarshalSnapshot serializes the snapshot for persistence.
func (e *Engine) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(e.Snapshot())
}

// postCheckInvariants validates the state after every committed action.
// A breach is unrecoverable corruption and crashes the process.
func (e *Engine) postCheckInvariants() {
	if sum := e.book.TotalExposure(); sum != e.state.TotalExpo {
		panic(fmt.Sprintf("FATAL: tick exposure sum %d != total exposure %d", sum, e.state.TotalExpo))
	}
	if e.state.LiqMultiplier <= 0 {
		panic(fmt.Sprintf("FATAL: liquidation multiplier %d is not positive", e.state.LiqMultiplier))
	}
	if e.state.VaultBalance < 0 || e.state.LongBalance < 0 || e.state.PendingFees < 0 {
		panic(fmt.Sprintf("FATAL: negative balance: vault=%d long=%d fees=%d",
			e.state.VaultBalance, e.state.LongBalance, e.state.PendingFees))
	}
}
