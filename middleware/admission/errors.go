package admission

import (
	"fmt"
	"net/http"
)

// PanicError é registrado nas entries quando o handler protegido entra em pânico.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("admission: handler panic: %v", e.Value)
}

// Unwrap expõe o valor do pânico quando ele é um error (ex: http.ErrAbortHandler).
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// StatusError é registrado nas entries quando TraceServerErrors está ligado e
// o handler respondeu com status 5xx.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("admission: handler responded %d %s", e.Code, http.StatusText(e.Code))
}
