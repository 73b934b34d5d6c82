package domain

// Camada de domínio das regras de admissão.
//
// Os tipos são apenas dados: quem aplica as regras é a facility (infra).
// As tags koanf permitem carregar as regras de um arquivo YAML/JSON.

import (
	"errors"
	"time"
)

// ErrInvalidRule indica uma regra mal formada.
var ErrInvalidRule = errors.New("admission: invalid rule")

// AuthorityStrategy define se a lista de origens é de permissão ou de bloqueio.
type AuthorityStrategy string

const (
	AuthorityWhite AuthorityStrategy = "white"
	AuthorityBlack AuthorityStrategy = "black"
)

// FlowRule limita a taxa (token bucket) de um recurso.
type FlowRule struct {
	Resource string  `koanf:"resource"`
	QPS      float64 `koanf:"qps"`
	// Burst é a rajada inicial permitida. Se 0, usa max(1, ceil(QPS)).
	Burst int `koanf:"burst"`
}

// QuotaRule limita a taxa de um recurso de forma distribuída (compartilhada entre instâncias).
type QuotaRule struct {
	Resource string        `koanf:"resource"`
	Limit    int           `koanf:"limit"`
	Burst    int           `koanf:"burst"`
	Period   time.Duration `koanf:"period"`
}

// ConcurrencyRule limita as invocações simultâneas de um recurso.
type ConcurrencyRule struct {
	Resource       string `koanf:"resource"`
	MaxConcurrency int    `koanf:"max_concurrency"`
	// AcquireTimeout <= 0 rejeita imediatamente quando não há vaga.
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
}

// CircuitRule abre o circuito de um recurso a partir dos erros registrados nas entries.
//
// O circuito abre quando ConsecutiveFailures é atingido, ou quando há pelo menos
// MinRequests no intervalo e a razão de falhas é >= FailureRatio.
type CircuitRule struct {
	Resource            string  `koanf:"resource"`
	ConsecutiveFailures uint32  `koanf:"consecutive_failures"`
	FailureRatio        float64 `koanf:"failure_ratio"`
	MinRequests         uint32  `koanf:"min_requests"`
	// Timeout é quanto tempo o circuito fica aberto antes de ir para half-open.
	Timeout time.Duration `koanf:"timeout"`
	// Interval zera as contagens no estado fechado. 0 acumula para sempre.
	Interval         time.Duration `koanf:"interval"`
	HalfOpenRequests uint32        `koanf:"half_open_requests"`
}

// AuthorityRule permite ou bloqueia origens para um recurso.
type AuthorityRule struct {
	Resource string            `koanf:"resource"`
	Strategy AuthorityStrategy `koanf:"strategy"`
	Origins  []string          `koanf:"origins"`
}

// SystemRule limita as entries de entrada (EntryIn) em andamento no processo inteiro.
type SystemRule struct {
	MaxConcurrency int           `koanf:"max_concurrency"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
}

// Rules é o conjunto completo de regras carregadas na facility.
type Rules struct {
	Flow        []FlowRule        `koanf:"flow"`
	Quota       []QuotaRule       `koanf:"quota"`
	Concurrency []ConcurrencyRule `koanf:"concurrency"`
	Circuit     []CircuitRule     `koanf:"circuit"`
	Authority   []AuthorityRule   `koanf:"authority"`
	System      SystemRule        `koanf:"system"`
}
