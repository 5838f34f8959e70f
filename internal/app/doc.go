// Package app composes the payment system into a running application.
//
// # Architecture Role
//
// The app package wires the ledger, membership, proof and routing services to
// their storage, cache and settlement collaborators. It holds no payment rules
// of its own; those live in the service packages it composes.
//
// # Package Structure
//
//	internal/app/
//	├── application.go   # Application struct, wiring and lifecycle
//	├── onboarding.go    # Member onboarding across directory, tree and ledger
//	└── system/          # Service manager (ordered start, reverse stop)
//
// # Dependency Direction
//
//	cmd/orgpay/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/routing/     (transfer classification and execution)
//	      │         ├──► internal/ledger/
//	      │         ├──► internal/zkproof/
//	      │         └──► internal/settlement/
//	      ├──► internal/membership/  (per-organization Merkle trees)
//	      ├──► internal/identity/    (directory, resolver, approver policy)
//	      └──► internal/storage/     (memory, postgres, leveldb)
//
// # Collaborator Selection
//
// Config chooses each collaborator: Postgres or in-memory records, a memory,
// Redis or LevelDB commitment cache, a remote or simulated proving backend,
// and an RPC or simulated settlement client. Overrides replaces any of them,
// which is how tests inject fakes.
package app
