// Package admission fornece o adapter HTTP (net/http) que liga o ciclo de
// vida de cada requisição à facility de admissão (flow control).
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: o interceptor (preHandle / afterCompletion) sem net/http
//   - infra: a facility concreta (token bucket, quota Redis, semáforos, circuit breaker, estatísticas)
//   - admission (este pacote): middleware HTTP + extração de recurso/origem + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Resolve o nome do recurso (padrão do ServeMux ou path) e a origem do chamador
//  2. Abre o contexto de rastreio e a entry do recurso (e "GET:/recurso" com HTTPMethodSpecify)
//  3. Se bloqueado, responde via BlockHandler (429, 503 ou 403 com Retry-After)
//  4. Se admitido, chama o próximo handler e, ao final, fecha as entries registrando o erro (se houver)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como RULES_FILE, HTTP_METHOD_SPECIFY e ORIGIN_HEADER.
package admission
