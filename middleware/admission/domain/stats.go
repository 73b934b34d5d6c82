package domain

import (
	"context"
	"time"
)

// StatsKind é o tipo de evento registrado pela facility.
type StatsKind string

const (
	StatsPass      StatsKind = "pass"
	StatsBlock     StatsKind = "block"
	StatsException StatsKind = "exception"
	StatsComplete  StatsKind = "complete"
)

// StatsEvent representa um evento de uma entry.
//
// Observação: cuidado com cardinalidade (ex.: salvar Origin sem controle pode
// explodir o número de chaves em uma base como Redis).
type StatsEvent struct {
	Resource string
	Origin   string
	Kind     StatsKind
	// Reason só é preenchido em StatsBlock.
	Reason BlockReason
	// RT só é preenchido em StatsComplete.
	RT time.Duration

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas da admissão.
//
// Implementações podem armazenar em Redis, memória, etc.
// A facility trata erro como best-effort (não derruba request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
