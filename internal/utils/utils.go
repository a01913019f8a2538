// Package utils provides common utility functions for data validation.
//
// This package validates exchange coin symbols and candle intervals before
// they reach the cache, reconciler or streaming transport, so malformed input
// never produces an upstream request.
package utils

import (
	"errors"
	"fmt"
	"strings"

	"marketsync/internal/model"
)

// Error definitions for validation functions
var (
	ErrNoSymbols       = errors.New("zero symbols requested")
	ErrTooManySymbols  = errors.New("too many symbols requested")
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrInvalidInterval = errors.New("invalid interval")
)

// maxSymbolLength bounds coin identifiers; exchange names are far shorter.
const maxSymbolLength = 32

// ValidateSymbol validates an exchange coin identifier.
//
// Accepted forms:
//   - a base asset ticker ("BTC", "kPEPE")
//   - a namespaced instrument "dex:TICKER" ("xyz:TSLA")
//   - a spot index or pair ("@107", "PURR/USDC")
//
// A namespace separator may appear at most once with both sides non-empty.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}

	if len(symbol) > maxSymbolLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidSymbol, symbol, maxSymbolLength)
	}

	for _, r := range symbol {
		if !isSymbolRune(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidSymbol, symbol, r)
		}
	}

	if parts := strings.Split(symbol, ":"); len(parts) > 1 {
		if len(parts) != 2 {
			return fmt.Errorf("%w: %q has more than one namespace separator", ErrInvalidSymbol, symbol)
		}
		if parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("%w: %q has an empty namespace or ticker", ErrInvalidSymbol, symbol)
		}
	}

	return nil
}

func isSymbolRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == ':' || r == '/' || r == '@' || r == '-' || r == '_':
		return true
	}
	return false
}

// ValidateInterval checks that the exchange supports the interval.
func ValidateInterval(interval model.Interval) error {
	if !interval.Supported() {
		return fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	return nil
}

// ValidateSeriesKey validates both halves of a series key.
func ValidateSeriesKey(symbol string, interval model.Interval) error {
	if err := ValidateSymbol(symbol); err != nil {
		return err
	}
	return ValidateInterval(interval)
}

// ValidateSymbols validates a slice of symbols and enforces quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of symbols is within acceptable limits
//  2. Format validation: Validates each symbol using ValidateSymbol
func ValidateSymbols(symbols []string, maxAllowed int) error {
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManySymbols, maxAllowed)
	}

	if len(symbols) > maxAllowed {
		return fmt.Errorf("%w: requested %d symbols, maximum allowed %d",
			ErrTooManySymbols, len(symbols), maxAllowed)
	}

	for i, symbol := range symbols {
		if err := ValidateSymbol(symbol); err != nil {
			return fmt.Errorf("invalid symbol at index %d (%q): %w", i, symbol, err)
		}
	}

	return nil
}
