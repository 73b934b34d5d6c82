package application

import (
	"context"
	"log/slog"
	"strings"

	"admission-gateway/middleware/admission/domain"
)

// Request é a visão mínima de uma requisição que o interceptor precisa.
type Request interface {
	Context() context.Context
	// SetContext troca o context.Context da requisição (ex: r.WithContext).
	SetContext(ctx context.Context)
	Method() string
	Attributes() domain.Attributes
}

// Interceptor liga o ciclo de vida da requisição à facility de admissão.
//
// Ele não guarda estado por requisição: tudo fica no Request e no
// EntryContainer retornado por PreHandle.
type Interceptor[R Request] struct {
	Facility domain.Facility
	Config   domain.Config

	// ResourceName é obrigatório. Retornar "" desliga o rastreio da requisição.
	ResourceName func(R) string
	// OriginParser é opcional.
	OriginParser func(R) string
	// BlockHandler é opcional. Sem ele o *domain.BlockError é devolvido por PreHandle.
	BlockHandler func(R, *domain.BlockError) error

	Logger *slog.Logger
}

// PreHandle roda antes do handler protegido.
//
// Retorna as entries abertas por esta requisição (nil se o recurso for vazio),
// e proceed=false quando a admissão foi negada. Nesse caso err é o erro do
// BlockHandler ou, sem handler, o próprio *domain.BlockError.
func (ic Interceptor[R]) PreHandle(req R) (owned *domain.EntryContainer, proceed bool, err error) {
	resource := ic.ResourceName(req)
	if resource == "" {
		return nil, true, nil
	}

	origin := ic.parseOrigin(req)
	req.SetContext(ic.Facility.EnterContext(req.Context(), domain.ContextName, origin))

	container := &domain.EntryContainer{}
	container.URLEntry, err = ic.Facility.Enter(req.Context(), resource, domain.EntryIn)
	if err == nil && ic.Config.HTTPMethodSpecify {
		methodResource := strings.ToUpper(req.Method()) + domain.MethodSeparator + resource
		container.HTTPMethodEntry, err = ic.Facility.Enter(req.Context(), methodResource, domain.EntryIn)
	}
	if err != nil {
		// As entries já abertas nesta chamada são só desta requisição:
		// fecha aqui porque AfterCompletion não vai rodar.
		discardEntry(container.HTTPMethodEntry)
		discardEntry(container.URLEntry)
		ic.Facility.ExitContext(req.Context())

		be, ok := domain.AsBlockError(err)
		if !ok {
			return nil, false, err
		}
		return nil, false, ic.handleBlock(req, be)
	}

	ic.setEntryContainer(req, container)
	return container, true, nil
}

// PostHandle existe por simetria com o contrato de três fases do framework.
// Não faz nada.
func (ic Interceptor[R]) PostHandle(R) {}

// AfterCompletion roda depois do handler, tenha ele falhado ou não.
//
// failure é o erro do handler (ou nil); ele é registrado nas entries e não é alterado.
func (ic Interceptor[R]) AfterCompletion(req R, owned *domain.EntryContainer, failure error) {
	if owned != nil {
		exitEntry(owned.HTTPMethodEntry, failure)
		exitEntry(owned.URLEntry, failure)
		ic.removeEntryContainer(req, owned)
	}
	ic.Facility.ExitContext(req.Context())
}

func (ic Interceptor[R]) parseOrigin(req R) string {
	if ic.OriginParser == nil {
		return domain.EmptyOrigin
	}
	if origin := ic.OriginParser(req); origin != "" {
		return origin
	}
	return domain.EmptyOrigin
}

func (ic Interceptor[R]) handleBlock(req R, be *domain.BlockError) error {
	if ic.BlockHandler == nil {
		return be
	}
	return ic.BlockHandler(req, be)
}

// setEntryContainer não sobrescreve um atributo já existente (pode ser de outro
// interceptor). As entries continuam sendo fechadas via o container retornado.
func (ic Interceptor[R]) setEntryContainer(req R, container *domain.EntryContainer) {
	name := ic.Config.AttributeName()
	attrs := req.Attributes()
	if _, exists := attrs.Get(name); exists {
		ic.logger().Warn("admission: request attribute already in use, please set RequestAttributeName",
			"attribute", name)
		return
	}
	attrs.Set(name, container)
}

func (ic Interceptor[R]) removeEntryContainer(req R, owned *domain.EntryContainer) {
	name := ic.Config.AttributeName()
	attrs := req.Attributes()
	if v, ok := attrs.Get(name); ok && v == any(owned) {
		attrs.Remove(name)
	}
}

func (ic Interceptor[R]) logger() *slog.Logger {
	if ic.Logger != nil {
		return ic.Logger
	}
	return slog.Default()
}

func exitEntry(e domain.Entry, failure error) {
	if e == nil {
		return
	}
	if failure != nil {
		e.Trace(failure)
	}
	e.Exit()
}

// discardEntry fecha uma entry cujo handler não chegou a rodar.
func discardEntry(e domain.Entry) {
	if e == nil {
		return
	}
	if d, ok := e.(domain.Discarder); ok {
		d.Discard()
		return
	}
	e.Exit()
}
