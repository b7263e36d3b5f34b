// Package web3 houses blockchain connectivity utilities: chain definitions
// loaded from chain.yaml, transaction receipts, and the caller and transactor
// abstractions that the settlement executor depends on. Concrete EVM clients,
// the signing account and contract bindings live in the ethereum subpackage.
package web3
