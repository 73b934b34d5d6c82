package admission

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/felixge/httpsnoop"

	"admission-gateway/middleware/admission/application"
	"admission-gateway/middleware/admission/domain"
)

// HandlerFunc é um handler que devolve o erro em vez de escrevê-lo.
// O erro é registrado nas entries e depois repassado ao ErrorHandler.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// BlockHandler responde a uma requisição rejeitada. Um erro devolvido vai
// para o ErrorHandler. Sem BlockHandler, a própria rejeição vai para o
// ErrorHandler (DefaultErrorHandler responde com DefaultBlockHandler).
type BlockHandler func(w http.ResponseWriter, r *http.Request, be *domain.BlockError) error

type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type Options struct {
	Facility domain.Facility

	// ResourceFn resolve o nome do recurso (padrão: PatternResource).
	ResourceFn ResourceFunc
	// OriginParser é opcional; sem ele a origem é vazia.
	OriginParser OriginFunc

	// HTTPMethodSpecify abre também a entry "MÉTODO:recurso".
	HTTPMethodSpecify bool
	// RequestAttributeName troca a chave usada para guardar as entries da
	// requisição. Use um nome diferente em cada middleware aninhado.
	RequestAttributeName string

	BlockHandler BlockHandler
	ErrorHandler ErrorHandler

	// TraceServerErrors registra respostas 5xx como erro nas entries.
	TraceServerErrors bool

	Logger *slog.Logger
}

// Middleware protege um http.Handler comum. Erros do handler só são vistos
// como pânico ou, com TraceServerErrors, como status 5xx.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	mw := MiddlewareFunc(opts)
	return func(next http.Handler) http.Handler {
		return mw(func(w http.ResponseWriter, r *http.Request) error {
			next.ServeHTTP(w, r)
			return nil
		})
	}
}

func MiddlewareFunc(opts Options) func(next HandlerFunc) http.Handler {
	if opts.Facility == nil {
		panic("admission: Options.Facility is required")
	}
	if opts.ResourceFn == nil {
		opts.ResourceFn = PatternResource
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = DefaultErrorHandler
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ic := application.Interceptor[*httpExchange]{
		Facility: opts.Facility,
		Config: domain.Config{
			HTTPMethodSpecify:    opts.HTTPMethodSpecify,
			RequestAttributeName: opts.RequestAttributeName,
		},
		ResourceName: func(x *httpExchange) string { return opts.ResourceFn(x.r) },
		Logger:       opts.Logger,
	}
	// sem BlockHandler a rejeição chega ao ErrorHandler como *domain.BlockError
	if opts.BlockHandler != nil {
		ic.BlockHandler = func(x *httpExchange, be *domain.BlockError) error {
			return opts.BlockHandler(x.w, x.r, be)
		}
	}
	if opts.OriginParser != nil {
		ic.OriginParser = func(x *httpExchange) string { return opts.OriginParser(x.r) }
	}

	return func(next HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, attrs := withAttributes(r)
			x := &httpExchange{w: w, r: r, attrs: attrs}

			owned, proceed, err := ic.PreHandle(x)
			if err != nil {
				opts.ErrorHandler(w, x.r, err)
				return
			}
			if !proceed {
				return
			}

			completed := false
			defer func() {
				if completed {
					return
				}
				if p := recover(); p != nil {
					ic.AfterCompletion(x, owned, &PanicError{Value: p, Stack: debug.Stack()})
					panic(p)
				}
			}()

			var handlerErr error
			m := httpsnoop.CaptureMetricsFn(w, func(ww http.ResponseWriter) {
				handlerErr = next(ww, x.r)
			})
			ic.PostHandle(x)

			failure := handlerErr
			if failure == nil && opts.TraceServerErrors && m.Code >= http.StatusInternalServerError {
				failure = &StatusError{Code: m.Code}
			}
			completed = true
			ic.AfterCompletion(x, owned, failure)

			if handlerErr != nil {
				opts.ErrorHandler(w, x.r, handlerErr)
			}
		})
	}
}

// DefaultBlockHandler responde com o status correspondente ao motivo da
// rejeição e, quando conhecido, o header Retry-After.
func DefaultBlockHandler(w http.ResponseWriter, _ *http.Request, be *domain.BlockError) error {
	status := blockStatus(be.Reason)
	if be.RetryAfter > 0 || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfterSeconds(be.RetryAfter))
	}
	http.Error(w, http.StatusText(status), status)
	return nil
}

func blockStatus(reason domain.BlockReason) int {
	switch reason {
	case domain.ReasonFlow, domain.ReasonQuota:
		return http.StatusTooManyRequests
	case domain.ReasonAuthority:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

// DefaultErrorHandler trata rejeições com DefaultBlockHandler; qualquer outro
// erro vira 500.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	var be *domain.BlockError
	if errors.As(err, &be) {
		_ = DefaultBlockHandler(w, r, be)
		return
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
