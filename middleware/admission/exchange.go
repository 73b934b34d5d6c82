package admission

import (
	"context"
	"net/http"

	"admission-gateway/middleware/admission/domain"
	"admission-gateway/middleware/admission/infra"
)

type attributesKey struct{}

// httpExchange adapta uma requisição net/http para application.Request.
type httpExchange struct {
	w     http.ResponseWriter
	r     *http.Request
	attrs domain.Attributes
}

func (x *httpExchange) Context() context.Context { return x.r.Context() }

func (x *httpExchange) SetContext(ctx context.Context) { x.r = x.r.WithContext(ctx) }

func (x *httpExchange) Method() string { return x.r.Method }

func (x *httpExchange) Attributes() domain.Attributes { return x.attrs }

// withAttributes garante um armazenamento de atributos no contexto da requisição.
// Middlewares aninhados compartilham o mesmo armazenamento.
func withAttributes(r *http.Request) (*http.Request, domain.Attributes) {
	if attrs := Attributes(r); attrs != nil {
		return r, attrs
	}
	attrs := infra.NewAttributes()
	return r.WithContext(context.WithValue(r.Context(), attributesKey{}, domain.Attributes(attrs))), attrs
}

// Attributes devolve os atributos da requisição, ou nil fora do middleware.
func Attributes(r *http.Request) domain.Attributes {
	attrs, _ := r.Context().Value(attributesKey{}).(domain.Attributes)
	return attrs
}

// EntriesFrom devolve as entries abertas para a requisição, guardadas sob
// attributeName ("" usa domain.DefaultRequestAttributeName).
func EntriesFrom(r *http.Request, attributeName string) (*domain.EntryContainer, bool) {
	attrs := Attributes(r)
	if attrs == nil {
		return nil, false
	}
	v, ok := attrs.Get(domain.Config{RequestAttributeName: attributeName}.AttributeName())
	if !ok {
		return nil, false
	}
	c, ok := v.(*domain.EntryContainer)
	return c, ok
}
