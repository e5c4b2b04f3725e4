// Package evidence implements validator fault detection and evidence
// management.
//
// # Fault Types
//
// FaultType is a closed set:
//
//	Crash          validator silent or missing rounds
//	Timing         validator consistently late
//	Byzantine      two signed votes for one slot, or message flooding
//	Cryptographic  a message attributed to the validator fails verification
//	DoubleSpend    two signed spends of one resource
//	Coordinated    equivocation shared by several validators in one slot
//
// FaultEvidence carries the proof appropriate to its type. Validate checks
// it against a validator set: signatures on equivocating votes and spends
// must verify, a cryptographic fault's claimed message must not.
//
// # Detection
//
// FaultDetector.Detect runs four checks in a fixed order and returns the
// first match:
//
//	1. Timeout: silence, missed rounds, latency
//	2. Inconsistency: conflicting signed votes or spends
//	3. Signature: forged messages
//	4. Behavior: message rate
//
// A crashed validator is therefore never reported as Byzantine on the
// strength of stale votes. Detect only produces evidence; penalties are
// decided by the recovery package.
//
// # Pool
//
// Pool holds evidence awaiting a penalty decision:
//
//   - Reports are keyed by type, validator, slot and reporter. The same
//     fault from different reporters counts as corroboration; a newer report
//     from the same reporter supersedes the older one.
//   - Evidence older than MaxAge or MaxAgeBlocks is dropped on Update.
//   - CheckVote records verified votes in a bounded LRU and returns
//     equivocation evidence when a voter signs a second block in one slot.
//   - MarkCommitted removes reports that have been acted upon and rejects
//     them if they are seen again.
//
// # Thread Safety
//
// Pool is safe for concurrent use. FaultDetector is stateless apart from
// its key source.
//
// # Usage Example
//
//	pool, _ := evidence.NewPool(evidence.DefaultConfig(), self)
//	if ev := pool.CheckVote(vote); ev != nil {
//	    if err := pool.AddEvidence(ev); err != nil {
//	        return err
//	    }
//	}
//
//	detector, _ := evidence.NewFaultDetector(evidence.DefaultDetectorConfig(), chainID, valSet, self)
//	if ev := detector.Detect(addr, &evidence.Behavior{Now: time.Now(), LastSeen: lastSeen}); ev != nil {
//	    pool.AddEvidence(ev)
//	}
package evidence
