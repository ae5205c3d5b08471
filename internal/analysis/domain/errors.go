package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/contrascan/internal/chains/evm/solc"
	"github.com/pendergraft/contrascan/internal/toolexec"
	"github.com/pendergraft/contrascan/internal/validation"
)

// Common errors returned by the analysis service.
var (
	ErrValidation      = errors.New("invalid request")
	ErrFetch           = errors.New("contract source unavailable")
	ErrParse           = errors.New("malformed contract source")
	ErrFlatten         = errors.New("flatten failed")
	ErrVersionNotFound = errors.New("solidity version pragma not found")
	ErrToolchain       = errors.New("compiler toolchain unavailable")
	ErrAnalysis        = errors.New("analysis failed")
	ErrTimeout         = errors.New("external tool timed out")
	ErrNotFound        = errors.New("analysis not found")
)

// ParseAddress validates s as a 0x-prefixed 40 hex digit address.
func ParseAddress(s string) (ContractAddress, error) {
	if s == "" {
		return ContractAddress{}, fmt.Errorf("%w: missing address", ErrValidation)
	}
	if err := validation.ValidateAddress(s); err != nil {
		return ContractAddress{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return ContractAddress{addr: common.HexToAddress(s)}, nil
}

// toolError classifies an error from the toolchain or analyzer.
func toolError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	kind := ErrAnalysis
	if errors.Is(err, solc.ErrToolchain) {
		kind = ErrToolchain
	}
	if errors.Is(err, toolexec.ErrTimeout) {
		return fmt.Errorf("%w: %w: %w", ErrTimeout, kind, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}
