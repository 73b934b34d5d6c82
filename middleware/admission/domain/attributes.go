package domain

// Attributes é o armazenamento com escopo de requisição oferecido pelo framework web.
type Attributes interface {
	Get(name string) (any, bool)
	Set(name string, value any)
	Remove(name string)
}

// EntryContainer guarda os handles abertos para uma requisição.
// Qualquer um dos dois pode ser nil.
type EntryContainer struct {
	URLEntry        Entry
	HTTPMethodEntry Entry
}
