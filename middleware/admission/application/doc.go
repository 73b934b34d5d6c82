// Package application contém o caso de uso central: o interceptor de admissão.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Cada framework web fornece um Request (contexto, método e atributos da
// requisição) e as funções de extração de recurso/origem.
//
// Ciclo por requisição:
//
//	owned, proceed, err := ic.PreHandle(req)
//	if !proceed { return err }
//	err = handler(req)
//	ic.PostHandle(req)
//	ic.AfterCompletion(req, owned, err)
package application
