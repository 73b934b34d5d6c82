// utilitário pequeno para formatação de valores em headers.

package admission

import (
	"math"
	"strconv"
	"time"
)

func formatInt(v int) string { return strconv.Itoa(v) }

// retryAfterSeconds arredonda para cima: Retry-After só aceita segundos inteiros
// e "0" faria o cliente tentar de novo imediatamente.
func retryAfterSeconds(d time.Duration) string {
	if d <= 0 {
		return formatInt(1)
	}
	return formatInt(int(math.Ceil(d.Seconds())))
}
