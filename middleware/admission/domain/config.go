package domain

const (
	// ContextName é o nome fixo do contexto de rastreio aberto por requisição.
	ContextName = "http_admission_context"
	// DefaultRequestAttributeName é o atributo onde o EntryContainer fica guardado.
	DefaultRequestAttributeName = "$$admission_entry_container"
	// EmptyOrigin é a origem usada quando não há parser ou ele não encontrou nada.
	EmptyOrigin = ""
	// MethodSeparator separa o método HTTP do recurso na entry por método ("GET:/orders").
	MethodSeparator = ":"
)

// Config é somente leitura durante o processamento das requisições.
type Config struct {
	// HTTPMethodSpecify abre uma segunda entry "METODO:recurso".
	HTTPMethodSpecify bool
	// RequestAttributeName é a chave do EntryContainer. Vazio usa DefaultRequestAttributeName.
	RequestAttributeName string
}

func (c Config) AttributeName() string {
	if c.RequestAttributeName == "" {
		return DefaultRequestAttributeName
	}
	return c.RequestAttributeName
}
