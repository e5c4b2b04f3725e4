// Package recovery restores safety and liveness after validator faults.
//
// # Byzantine Faults
//
// ByzantineRecovery.Handle validates evidence against the current validator
// set, classifies it and responds in proportion:
//
//	Minor     warning, reputation -1
//	Moderate  temporary suspension for SuspensionBlocks
//	Severe    slash SlashFraction of bond and remove from the set
//	Critical  permanent ban
//
// Crash reports are graded moderate only when at least MinCorroboration
// distinct validators reported them. A severe fault from a validator whose
// reputation is already at or below RepeatOffenderReputation is critical.
//
// Every penalty except a warning is a membership.Event proposal. The set
// only changes once the event is certified and committed, so a quorum has
// to agree on every removal.
//
// # Crash Faults
//
// CrashRecovery.Recover restores the latest checkpoint, replays the message
// log after it and then checks the result against the finality certificate
// at the recovered height, plus a RootVerifier if one is set. A validator
// whose recovered state does not verify is marked as needing a re-sync and
// CheckRejoin reports ErrNeedsResync until ClearResync is called.
//
// # Network Partitions
//
// PartitionDetector scores connectivity as the fraction of healthy links to
// other validators. Below ConnectivityThreshold the node is partitioned;
// the partition is isolated, minority or majority depending on whether the
// reachable side can still form a quorum.
//
// While partitioned, inbound consensus messages go to a MessageBuffer.
// PartitionRecovery.InitiateRecovery then runs a Plan:
//
//	1. Sync: catch state up through statesync
//	2. Replay: drop buffered messages the sync made stale and replay the
//	   rest by height, round and arrival
//	3. Reintegrate: propose validators the partition removed back into
//	   the set
//	4. Resume: restart processing and wait for connectivity to exceed the
//	   threshold
//
// A failed step returns a RecoveryError naming it. Retrying the same
// partition resumes after the last completed step. Each attempt is bounded
// by RecoveryTimeout.
//
// # Observability
//
// Stats counts attempts, outcomes and durations per kind and feeds the
// recovery metrics.
package recovery
