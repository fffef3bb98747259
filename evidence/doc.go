// Package evidence detects authors who equivocate.
//
// An author equivocates by signing two different commits on the same parent.
// A FilePV refuses to do this locally, so seeing it on the network means a
// key was misused or duplicated.
//
// # Evidence Types
//
// DuplicateCommitEvidence: both conflicting commits, each carrying a valid
// author signature, so anyone can check it without trusting the reporter.
//
// # Evidence Validation
//
// Before accepting evidence, the pool validates:
//
//  1. Both commits have the same author
//  2. Both commits have the same parent
//  3. The commits are distinct
//  4. Both ids match their content and both signatures are valid
//  5. Evidence is not older than MaxAge
//
// # Evidence Lifecycle
//
//  1. Detect: the node passes every admitted commit to CheckCommit
//  2. Create: CheckCommit returns DuplicateCommitEvidence on a conflict
//  3. Store: AddEvidence verifies and keeps it
//  4. Expire: Prune drops evidence and detection state older than MaxAge
//
// Evidence does not affect fork choice. Both commits stay in the chain and
// compete for quorum like any other siblings.
package evidence
