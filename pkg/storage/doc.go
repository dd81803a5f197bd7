/*
Package storage provides BoltDB-backed persistence for hutch's local state.

Everything hutch needs to survive a restart lives in a single bbolt file,
<dataDir>/hutch.db, with one bucket per kind of record. Values are JSON.

	┌────────────────────── hutch.db ───────────────────────┐
	│ namespaces    name -> NamespaceState                   │
	│               (status + manually stopped apps)         │
	│ definitions   name -> NamespaceDefinition              │
	│ overrides     name -> { relative path -> bytes }       │
	│ file_hashes   name -> { relative path -> blake3 hex }  │
	│ credentials   registry host -> Credential (sealed)     │
	└────────────────────────────────────────────────────────┘

# Transactions

SaveNamespaceState writes the namespace status and its set of manually
stopped applications in one bbolt transaction, so a crash can never persist
one without the other. DeleteNamespace removes every record of a namespace
atomically.

# Concurrency

bbolt allows one writer and many readers; BoltStore is safe for concurrent
use. The database file is locked by the owning process, and NewBoltStore
gives up after one second when another hutch process holds it.

# Usage

	store, err := storage.NewBoltStore("/var/lib/hutch")
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.GetNamespaceState("dev")
	if state == nil {
		// first run
	}
*/
package storage
