package admission

import (
	"net"
	"net/http"
	"strings"
)

// ResourceFunc resolve o nome do recurso de uma requisição. "" desliga o rastreio.
type ResourceFunc func(r *http.Request) string

// OriginFunc resolve a origem (chamador) de uma requisição.
type OriginFunc func(r *http.Request) string

// PatternResource usa o padrão registrado no http.ServeMux ("/orders/{id}"),
// sem o prefixo de método e host. Sem padrão, cai para o path.
func PatternResource(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return PathResource(r)
	}
	// "GET example.com/orders/{id}" -> "/orders/{id}"
	if i := strings.IndexByte(p, ' '); i >= 0 {
		p = strings.TrimSpace(p[i+1:])
	}
	if i := strings.IndexByte(p, '/'); i > 0 {
		p = p[i:]
	}
	return p
}

func PathResource(r *http.Request) string {
	return r.URL.Path
}

// StaticResource rastreia todas as requisições sob um único nome.
func StaticResource(name string) ResourceFunc {
	return func(*http.Request) string { return name }
}

// HeaderOriginParser identifica o chamador pelo header informado; se vazio,
// pelo primeiro IP do X-Forwarded-For (quando confiável) e por fim pelo RemoteAddr.
func HeaderOriginParser(header string, trustXFF bool) OriginFunc {
	return func(r *http.Request) string {
		if header != "" {
			if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				ip, _, _ := strings.Cut(xff, ",")
				if ip = strings.TrimSpace(ip); ip != "" {
					return ip
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
}
