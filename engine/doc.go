// Package engine turns validator votes into finality certificates.
//
// A block moves through three states:
//
//	Unseen → Pending → Finalized
//
// Pending blocks that never collect a quorum are dropped after
// Config.PendingTimeout and reported through Hooks.OnExpired. Finalized is
// terminal and at most one block is finalized per height.
//
// # Core Components
//
// FinalityEngine: Admits votes, tracks pending blocks and promotes a block
// once 2f+1 distinct, valid, fresh votes agree on it. Certificates are
// persisted through a CertificateStore; in-memory caches are bounded and the
// store is consulted on a miss.
//
// CertificateGenerator: Stateless. Builds a ConsensusCertificate from a batch
// of votes, rejecting the whole batch when any vote targets a different
// block and filtering out non-members, bad signatures, stale votes and
// equivocators. Signatures are checked concurrently.
//
// ReplayGuard: Separate proposal and vote sequence maps keyed by
// (epoch, height, signer). A message is accepted only if its sequence is
// strictly greater than the stored one.
//
// TimeoutManager: Per-operation deadlines learned by AdaptiveTiming, and
// classification of validators by how often they time out.
//
// # Usage Example
//
//	db, _ := store.OpenFile(dir)
//	cfg := engine.DefaultConfig()
//	cfg.ChainID = "my-chain"
//
//	eng, _ := engine.NewFinalityEngine(cfg, engine.StaticValidatorSet{Epoch: 1, Set: valSet}, db)
//	eng.SetLogger(logger)
//	eng.SetHooks(engine.Hooks{OnFinalized: onFinalized})
//	_ = eng.Start()
//	defer eng.Stop()
//
//	cert, err := eng.ProcessVote(ctx, vote)
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Vote admission locks only
// the replay-guard shard and pending bucket it touches; promotion to
// Finalized is serialized.
package engine
