package domain

import "context"

// EntryType indica a direção da chamada rastreada.
type EntryType int

const (
	// EntryIn é uma chamada de entrada (requisição recebida pelo servidor).
	EntryIn EntryType = iota
	// EntryOut é uma chamada de saída (ex: cliente HTTP para outro serviço).
	EntryOut
)

func (t EntryType) String() string {
	switch t {
	case EntryIn:
		return "in"
	case EntryOut:
		return "out"
	default:
		return "unknown"
	}
}

// Entry é o handle de uma invocação aberta contra um recurso.
//
// Exit deve ser chamado exatamente uma vez por quem abriu a entry.
// Trace registra um erro de negócio e deve vir antes de Exit.
type Entry interface {
	Resource() string
	Trace(err error)
	Exit()
}

// Discarder é implementado por entries que sabem ser fechadas sem contar
// como invocação concluída. O interceptor usa Discard quando a requisição é
// rejeitada depois que a entry já foi aberta: as vagas são liberadas, mas
// nada é reportado como sucesso (circuit breaker, RT, estatísticas).
type Discarder interface {
	Discard()
}

// Facility representa o controle de admissão (rate limit, circuit breaker, etc).
//
// Enter retorna um *BlockError (errors.Is(err, ErrBlocked)) quando a admissão é negada.
// A implementação deve ser segura para uso concorrente por várias requisições.
type Facility interface {
	// EnterContext abre o contexto de rastreio da requisição, marcado com
	// um nome fixo e a origem do chamador.
	EnterContext(ctx context.Context, name, origin string) context.Context
	// ExitContext fecha o contexto aberto em EnterContext. Sem contexto aberto é no-op.
	ExitContext(ctx context.Context)
	Enter(ctx context.Context, resource string, typ EntryType) (Entry, error)
}
