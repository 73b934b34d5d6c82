package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrBlocked é o erro sentinela de toda rejeição de admissão.
var ErrBlocked = errors.New("admission: blocked")

// BlockReason identifica qual regra negou a admissão.
type BlockReason string

const (
	ReasonFlow        BlockReason = "flow"
	ReasonQuota       BlockReason = "quota"
	ReasonConcurrency BlockReason = "concurrency"
	ReasonSystem      BlockReason = "system"
	ReasonCircuit     BlockReason = "circuit"
	ReasonAuthority   BlockReason = "authority"
)

// BlockError descreve uma rejeição. Não é um defeito: é o sinal esperado
// de controle de fluxo e deve impedir a execução do handler protegido.
type BlockError struct {
	Resource string
	Origin   string
	Reason   BlockReason
	// RetryAfter é a recomendação para o cliente. Se 0, não há recomendação.
	RetryAfter time.Duration
	// Cause é o erro original da regra (ex: gobreaker.ErrOpenState), se houver.
	Cause error
}

func (e *BlockError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("admission: %s blocked by %s rule: %v", e.Resource, e.Reason, e.Cause)
	}
	return fmt.Sprintf("admission: %s blocked by %s rule", e.Resource, e.Reason)
}

func (e *BlockError) Is(target error) bool { return target == ErrBlocked }

func (e *BlockError) Unwrap() error { return e.Cause }

// AsBlockError extrai o *BlockError de err, se houver.
func AsBlockError(err error) (*BlockError, bool) {
	var be *BlockError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsBlocked informa se err é uma rejeição de admissão.
func IsBlocked(err error) bool { return errors.Is(err, ErrBlocked) }
