// Package wal implements the consensus message log used for crash recovery.
//
// Every consensus message a validator acts on is appended to the log before
// it takes effect. After a restart, CrashRecovery restores the latest
// checkpoint and replays MessagesAfter(checkpoint height) to rebuild state.
//
// # File Format
//
// The log is a sequence of segment files (wal-00000, wal-00001, ...). Each
// entry is framed as:
//
//	[4 bytes: length][N bytes: CBOR-encoded Message][4 bytes: CRC32]
//
// A CRC mismatch is reported as ErrWALCorrupted. A frame cut short at the tail
// of the newest segment is a torn write from a crash and is truncated on
// Start.
//
// # Message Types
//
//   - MsgTypeVote, MsgTypeProposal, MsgTypeCertificate: canonical encodings
//     of the corresponding types
//   - MsgTypeBlock: an opaque block payload applied to the state machine
//   - MsgTypeEvidence, MsgTypeMembership: pre-encoded records owned by the
//     evidence and membership packages
//   - MsgTypeEndHeight: marks that a height is fully applied
//
// # Rotation and Cleanup
//
// Segments rotate once they exceed the configured size. Checkpoint(h)
// deletes segments whose messages are all at or below h; call it once a
// state checkpoint at h is durable.
//
// # Thread Safety
//
// FileWAL uses internal locking; only one FileWAL should write to a
// directory.
//
// # Usage Example
//
//	w, err := wal.NewFileWAL("./data/wal")
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	msg, _ := wal.NewVoteMessage(vote)
//	_ = w.WriteSync(msg)
//
//	msgs, _ := w.MessagesAfter(checkpointHeight)
package wal
