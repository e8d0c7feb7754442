// Package idgen allocates license identifiers of the form
// PROJ-CUST-YYYYMM-NNN. PROJ and CUST are short codes of the project and
// customer names; NNN is a per-month counter starting at 001.
//
// RedisSequence keeps the counters in Redis under
// license:id:PROJ:CUST:YYYYMM and is safe to share between issuers.
// MemorySequence is a process-local stand-in for offline use.
package idgen
