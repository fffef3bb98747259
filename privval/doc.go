// Package privval holds node identities: ed25519 key pairs that sign commits
// and votes.
//
// # Identity
//
// A node's identity is its ed25519 public key, hex encoded. That string is
// the commit author field, the vote validator field, and the entry in the
// validator set.
//
//	kp, err := privval.Generate()
//	id := kp.PublicKeyID()
//	ok := privval.Verify(id, msg, sig)
//
// Verify fails closed: malformed keys or signatures return false, never an
// error or a panic.
//
// # Signing
//
// Commit and vote signatures cover domain-prefixed sign bytes (see
// types.CommitSignBytes and types.VoteSignBytes), so an author's commit
// signature cannot be replayed as a vote.
//
//	commit, err := privval.NewCommit(kp, parentID, mutations, time.Now())
//	vote, err := privval.SignVote(kp, commit.ID)
//
// # File-backed validators
//
// FilePV keeps the key in a JSON file (0600) and records the last commit it
// authored in a state file. It refuses to author a second, different commit
// on the same parent. Both files are written atomically (tempfile, fsync,
// rename).
//
// key.json:
//
//	{
//	  "pub_key": "3b6a27bc...",
//	  "priv_key": "9d61b19d..."
//	}
//
// state.json:
//
//	{
//	  "parent_hash": "a1b2c3...",
//	  "commit_id": "d4e5f6..."
//	}
//
// Only one FilePV instance should use a given pair of files.
package privval
