package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VaultCore/internal/core"
	"VaultCore/internal/event"
	"VaultCore/internal/observability"
	"VaultCore/internal/oracle"
	"VaultCore/internal/persistence"
	"VaultCore/internal/state"
)

// Service is the single writer in front of the engine. It validates oracle
// prices and fees, applies the action under an exclusive lock, assigns
// global sequence numbers to the emitted events, then hands the envelopes
// to the persistence worker (blocking) and the outbound publisher
// (non-blocking, drops counted).
type Service struct {
	mu sync.Mutex

	logger  zerolog.Logger
	engine  *core.Engine
	oracle  oracle.PriceOracle
	metrics *observability.Metrics

	sequence    int64
	persistChan chan<- persistence.EventRow
	publishChan chan<- event.EventEnvelope
}

// Config wires the service's collaborators. PersistChan and PublishChan
// may be nil in tests; a nil channel disables that output.
type Config struct {
	Engine      *core.Engine
	Oracle      oracle.PriceOracle
	Metrics     *observability.Metrics
	PersistChan chan<- persistence.EventRow
	PublishChan chan<- event.EventEnvelope

	// StartSequence is the next sequence to assign, recovered from the
	// event log on startup.
	StartSequence int64
}

func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required: %w", core.ErrInvalidParameter)
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("oracle is required: %w", core.ErrInvalidParameter)
	}
	return &Service{
		logger:      logger,
		engine:      cfg.Engine,
		oracle:      cfg.Oracle,
		metrics:     cfg.Metrics,
		sequence:    cfg.StartSequence,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
	}, nil
}

// validatePrice resolves the oracle price for an action, checking the paid
// validation fee against the oracle's quoted cost.
func (s *Service) validatePrice(ctx context.Context, action oracle.Action, timestamp int64, blob []byte, feePaid int64) (oracle.PriceInfo, error) {
	info, err := s.oracle.GetPrice(ctx, action, timestamp, blob, feePaid)
	if err != nil {
		if s.metrics != nil {
			s.metrics.OracleRejects.WithLabelValues("get_price").Inc()
		}
		return oracle.PriceInfo{}, err
	}
	return info, nil
}

// dispatch sequences and fans out the events emitted by one action.
func (s *Service) dispatch(action string, events []event.Event, timestamp int64) {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error().Err(err).Str("action", action).Msg("marshal event payload")
			continue
		}

		s.sequence++
		env := event.EventEnvelope{
			Sequence:       s.sequence,
			IdempotencyKey: ev.IdempotencyKey(),
			EventType:      ev.EventType(),
			Timestamp:      timestamp,
			Payload:        payload,
		}

		if s.persistChan != nil {
			// Blocking send: the engine never outruns the event log.
			select {
			case s.persistChan <- persistence.RowFromEnvelope(env):
			default:
				if s.metrics != nil {
					s.metrics.PersistBackpressure.Inc()
				}
				s.persistChan <- persistence.RowFromEnvelope(env)
			}
		}

		if s.publishChan != nil {
			select {
			case s.publishChan <- env:
			default:
				if s.metrics != nil {
					s.metrics.PublishDrops.Inc()
				}
			}
		}
	}

	if s.metrics != nil {
		s.metrics.ActionsApplied.WithLabelValues(action).Inc()
		s.metrics.EventSequence.Set(float64(s.sequence))
		st := s.engine.State()
		s.metrics.ObserveProtocol(st.VaultBalance, st.LongBalance, st.TotalExpo, st.LiqMultiplier, st.PendingFees)
	}
}

func (s *Service) observe(action string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ActionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.ActionsRejected.WithLabelValues(action, "engine").Inc()
	}
}

// --- user actions -----------------------------------------------------------

func (s *Service) InitiateDeposit(ctx context.Context, user, to uuid.UUID, amount int64, timestamp int64, priceBlob []byte, feePaid int64) error {
	info, err := s.validatePrice(ctx, oracle.ActionInitiate, timestamp, priceBlob, feePaid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	events, err := s.engine.InitiateDeposit(user, to, amount, info)
	s.observe("initiate_deposit", start, err)
	if err != nil {
		return err
	}
	s.dispatch("initiate_deposit", events, info.Timestamp)
	return nil
}

func (s *Service) ValidateDeposit(ctx context.Context, caller, user uuid.UUID, timestamp int64, priceBlob []byte, feePaid int64) error {
	info, err := s.validatePrice(ctx, oracle.ActionValidate, timestamp, priceBlob, feePaid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	events, err := s.engine.ValidateDeposit(caller, user, info)
	s.observe("validate_deposit", start, err)
	if err != nil {
		return err
	}
	s.dispatch("validate_deposit", events, info.Timestamp)
	return nil
}

func (s *Service) InitiateWithdrawal(ctx context.Context, user, to uuid.UUID, stableAmount *big.Int, timestamp int64, priceBlob []byte, feePaid int64) error {
	info, err := s.validatePrice(ctx, oracle.ActionInitiate, timestamp, priceBlob, feePaid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	events, err := s.engine.InitiateWithdrawal(user, to, stableAmount, info)
	s.observe("initiate_withdrawal", start, err)
	if err != nil {
		return err
	}
	s.dispatch("initiate_withdrawal", events, info.Timestamp)
	return nil
}

func (s *Service) ValidateWithdrawal(ctx context.Context, caller, user uuid.UUID, timestamp int64, priceBlob []byte, feePaid int64) error {
	info, err := s.validatePrice(ctx, oracle.ActionValidate, timestamp, priceBlob, feePaid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	events, err := s.engine.ValidateWithdrawal(caller, user, info)
	s.observe("validate_withdrawal", start, err)
	if err != nil {
		return err
	}
	s.dispatch("validate_withdrawal", events, info.Timestamp)
	return nil
}

func (s *Service) InitiateOpenPosition(ctx context.Context, user uuid.UUID, amount, leverage int64, timestamp int64, priceBlob []byte, feePaid int64) (state.PositionRef, error) {
	info, err := s.validatePrice(ctx, oracle.ActionInitiate, timestamp, priceBlob, feePaid)
	if err != nil {
		return state.PositionRef{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ref, events, err := s.engine.InitiateOpenPosition(user, amount, leverage, info)
	s.observe("initiate_open", start, err)
	if err != nil {
		return state.PositionRef{}, err
	}
	s.dispatch("initiate_open", events, info.Timestamp)
	return ref, nil
}

func (s *Service) ValidateOpenPosition(ctx context.Context, caller, user uuid.UUID, timestamp int64, priceBlob []byte, feePaid int64) error {
	info, err := s.validatePrice(ctx, oracle.ActionValidate, timestamp, priceBlob, feePaid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	events, err := s.engine.ValidateOpenPosition(caller, user, info)
	s.observe("validate_open", start, err)
	if err != nil {
		return err
	}
	s.dispatch("validate_open", events, info.Timestamp)
	return nil
}

func (s *Service) InitiateClosePosition(ctx context.Context, user, to uuid.UUID, ref state.PositionRef, timestamp int64, priceBlob []byte, feePaid int64) error {
	info, err := s.validatePrice(ctx, oracle.ActionInitiate, timestamp, priceBlob, feePaid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	events, err := s.engine.InitiateClosePosition(user, to, ref, info)
	s.observe("initiate_close", start, err)
	if err != nil {
		return err
	}
	s.dispatch("initiate_close", events, info.Timestamp)
	return nil
}

func (s *Service) ValidateClosePosition(ctx context.Context, caller, user uuid.UUID, timestamp int64, priceBlob []byte, feePaid int64) error {
	info, err := s.validatePrice(ctx, oracle.ActionValidate, timestamp, priceBlob, feePaid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	events, err := s.engine.ValidateClosePosition(caller, user, info)
	s.observe("validate_close", start, err)
	if err != nil {
		return err
	}
	s.dispatch("validate_close", events, info.Timestamp)
	return nil
}

// --- keeper actions ---------------------------------------------------------

// Liquidate runs a liquidation pass at a validated price.
func (s *Service) Liquidate(ctx context.Context, iterations int, timestamp int64, priceBlob []byte, feePaid int64) (core.LiquidationResult, error) {
	info, err := s.validatePrice(ctx, oracle.ActionLiquidate, timestamp, priceBlob, feePaid)
	if err != nil {
		return core.LiquidationResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, events, err := s.engine.LiquidatePass(iterations, info)
	s.observe("liquidate", start, err)
	if err != nil {
		return core.LiquidationResult{}, err
	}
	s.dispatch("liquidate", events, info.Timestamp)

	if s.metrics != nil {
		s.metrics.LiquidationPasses.Inc()
		s.metrics.TicksLiquidated.Add(float64(res.TicksLiquidated))
		s.metrics.PositionsLiquidated.Add(float64(res.PositionsLiquidated))
	}
	return res, nil
}

// ValidateActionable completes the oldest deadline-elapsed pending action.
func (s *Service) ValidateActionable(ctx context.Context, caller uuid.UUID, maxIter int, timestamp int64, priceBlob []byte, feePaid int64) error {
	info, err := s.validatePrice(ctx, oracle.ActionValidate, timestamp, priceBlob, feePaid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	events, err := s.engine.ValidateActionable(caller, maxIter, info)
	s.observe("validate_actionable", start, err)
	if err != nil {
		return err
	}
	s.dispatch("validate_actionable", events, info.Timestamp)
	return nil
}

// HandlePriceUpdate drives the keeper work for one inbound price tick:
// a liquidation pass followed by one actionable validation attempt.
func (s *Service) HandlePriceUpdate(ctx context.Context, price, timestamp int64) error {
	info := oracle.PriceInfo{Price: price, Timestamp: timestamp}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, events, err := s.engine.LiquidatePass(core.MaxLiquidationIteration, info)
	if err != nil {
		return fmt.Errorf("liquidation pass: %w", err)
	}
	s.dispatch("price_update", events, timestamp)

	events, err = s.engine.ValidateActionable(uuid.Nil, 16, info)
	if err != nil {
		return fmt.Errorf("validate actionable: %w", err)
	}
	s.dispatch("price_update", events, timestamp)
	return nil
}

// --- admin and views --------------------------------------------------------

func (s *Service) UpdateParams(p state.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.UpdateParams(p)
}

func (s *Service) State() state.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.State()
}

func (s *Service) Position(ref state.PositionRef) (state.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Position(ref)
}

func (s *Service) PendingActionOf(user uuid.UUID) (state.PendingAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.PendingActionOf(user)
}

func (s *Service) GetMinLiquidationPrice(price int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.GetMinLiquidationPrice(price)
}

func (s *Service) GetPositionValue(ref state.PositionRef, price int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.GetPositionValue(ref, price)
}

// Sequence returns the last assigned global sequence.
func (s *Service) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// Snapshot captures the engine state with the covering sequence.
func (s *Service) Snapshot() (core.Snapshot, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Snapshot(), s.sequence
}

// Restore loads a recovered snapshot and resumes sequencing after it.
func (s *Service) Restore(snap core.Snapshot, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Restore(snap); err != nil {
		return err
	}
	s.sequence = sequence
	return nil
}
