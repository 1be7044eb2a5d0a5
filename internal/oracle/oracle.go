// Package oracle defines the price-attestation capability consumed by the
// engine. The oracle is an external collaborator: the engine only sees a
// validated price, its timestamp, and the validation cost.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInsufficientOracleFee is returned when the caller did not cover the
// oracle's validation cost. Overpayment is accepted, never an error.
var ErrInsufficientOracleFee = errors.New("insufficient oracle fee")

// Action identifies what the price will be used for; oracles may apply
// different validation rules per action.
type Action int32

const (
	ActionAny Action = iota
	ActionInitiate
	ActionValidate
	ActionLiquidate
)

// PriceInfo is a validated price.
type PriceInfo struct {
	Price     int64 // PriceConfig scale
	Timestamp int64 // unix seconds
	Cost      int64 // validation cost in collateral units
}

// PriceOracle converts an opaque price blob into a validated price. The
// blob's format is the oracle's own business.
type PriceOracle interface {
	GetPrice(ctx context.Context, action Action, timestamp int64, blob []byte, feePaid int64) (PriceInfo, error)
	ValidationCost(action Action) int64
}

// FixedOracle returns a settable price with a fixed validation cost. Used
// in tests and paper mode.
type FixedOracle struct {
	Price int64
	Cost  int64
}

func NewFixedOracle(price int64) *FixedOracle {
	return &FixedOracle{Price: price}
}

func (o *FixedOracle) ValidationCost(action Action) int64 { return o.Cost }

func (o *FixedOracle) GetPrice(ctx context.Context, action Action, timestamp int64, blob []byte, feePaid int64) (PriceInfo, error) {
	if feePaid < o.Cost {
		return PriceInfo{}, ErrInsufficientOracleFee
	}
	return PriceInfo{Price: o.Price, Timestamp: timestamp, Cost: o.Cost}, nil
}

// BlobOracle decodes a signed-feed JSON blob of the form
// {"price": <1e8>, "timestamp_s": <unix>}. Signature verification belongs
// to the feed gateway upstream; here the blob is trusted transport.
type BlobOracle struct {
	Cost        int64
	MaxPriceAge int64 // seconds; 0 disables the age check
}

type blobPayload struct {
	Price      int64 `json:"price"`
	TimestampS int64 `json:"timestamp_s"`
}

func NewBlobOracle(cost, maxPriceAge int64) *BlobOracle {
	return &BlobOracle{Cost: cost, MaxPriceAge: maxPriceAge}
}

func (o *BlobOracle) ValidationCost(action Action) int64 { return o.Cost }

func (o *BlobOracle) GetPrice(ctx context.Context, action Action, timestamp int64, blob []byte, feePaid int64) (PriceInfo, error) {
	if feePaid < o.Cost {
		return PriceInfo{}, ErrInsufficientOracleFee
	}

	var p blobPayload
	if err := json.Unmarshal(blob, &p); err != nil {
		return PriceInfo{}, fmt.Errorf("decode price blob: %w", err)
	}
	if p.Price <= 0 {
		return PriceInfo{}, fmt.Errorf("price blob: price must be positive: %d", p.Price)
	}
	if p.TimestampS <= 0 {
		return PriceInfo{}, fmt.Errorf("price blob: timestamp must be positive: %d", p.TimestampS)
	}
	if o.MaxPriceAge > 0 && timestamp-p.TimestampS > o.MaxPriceAge {
		return PriceInfo{}, fmt.Errorf("price blob: stale by %ds", timestamp-p.TimestampS)
	}

	return PriceInfo{Price: p.Price, Timestamp: p.TimestampS, Cost: o.Cost}, nil
}
