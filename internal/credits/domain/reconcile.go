package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pendergraft/querypay/internal/chains/evm"
)

var (
	// ErrNotVerified is returned when asked to credit an unverified payment.
	ErrNotVerified = errors.New("payment not verified")
	// ErrInvalidAmount is returned for zero, negative or unrepresentable amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// microsPerUSD is the storage resolution of credit balances.
const microsPerUSD = 6

// Reconcile converts a verified payment into USD credits at rate USD per ETH.
func Reconcile(res *evm.Result, rate decimal.Decimal) (decimal.Decimal, error) {
	if res == nil || !res.Verified {
		return decimal.Zero, ErrNotVerified
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: conversion rate %s", ErrInvalidAmount, rate)
	}
	eth := res.Amount()
	if !eth.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: payment amount %s ETH", ErrInvalidAmount, eth)
	}
	return eth.Mul(rate), nil
}

// ToMicros converts a USD amount to integer micro-dollars, rounding to the
// nearest micro.
func ToMicros(usd decimal.Decimal) int64 {
	return usd.Shift(microsPerUSD).Round(0).IntPart()
}

// FromMicros converts micro-dollars back to USD.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -microsPerUSD)
}
