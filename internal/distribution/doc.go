// Package distribution settles a concluded offering: it plans the bucket
// transfers, folds every prior attempt into a merged ledger, refuses runs the
// signer cannot afford, executes pending steps strictly in order and records
// each run as an immutable attempt.
package distribution
