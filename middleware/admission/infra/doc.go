// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - Facility: cadeia de slots (authority, system, flow, quota, concurrency, circuit)
//   - Store: token bucket por recurso usando golang.org/x/time/rate
//   - chanPool: semáforo simples para limite de concorrência
//   - breakerRegistry: circuit breaker por recurso (sony/gobreaker) em um LRU
//   - MemoryStatsStore / RedisStatsStore: estatísticas das entries
//   - LoadRulesFile / WatchRules: regras em YAML/JSON com recarga a quente
package infra
