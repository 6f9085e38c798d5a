/*
Package storage implements rec's content-addressed named-data store.

# Architecture

	┌─────────────────────── STORAGE ────────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────┐            │
	│  │         database.db (BoltDB)            │            │
	│  │  bucket "names": name -> {digest, time}  │            │
	│  └─────────────────┬────────────────────────┘           │
	│                    │                                     │
	│  ┌─────────────────▼────────────────────────┐           │
	│  │            blobs/<sha1 digest>            │           │
	│  │  one file per distinct content digest      │          │
	│  └────────────────────────────────────────────┘          │
	│                                                          │
	│  reader/writer lock: readers overlap, writers exclusive; │
	│  cleanup of stale index rows takes the writer lock AFTER │
	│  the reader lock used to detect them is released.        │
	└──────────────────────────────────────────────────────────┘

Two names may share a digest (deduplication); a digest's blob file is
written at most once. A name is unique: a second StoreData for an
existing name returns NameTakenError without touching the blob it would
have produced.

# Self-healing

LoadData and CopyToFile both tolerate a blob file disappearing out from
under the index (operator error, disk cleanup, a half-finished restore).
Read this as two phases: first, under the reader lock, resolve names to
digests, then release it and attempt to read each blob; second, for any
digest whose file is gone, take the writer lock and delete the now-stale
index rows. A
caller that loses this race with a concurrent StoreData for the same name
simply sees that name absent from the result, which is indistinguishable
from "never stored" - the self-heal only ever removes rows it can prove
are dangling at the moment it observed them missing.

# Usage

	store, err := storage.Open(rootDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.StoreData("module.wasm", bytes); err != nil {
		var taken *storage.NameTakenError
		if errors.As(err, &taken) {
			// name already claimed by a previous submission
		}
	}

	entries, err := store.LoadData("job-42/")
	missing, err := store.FindMissing([]string{"module.wasm", "stdin"})
	err = store.CopyToFile("module.wasm", "/tmp/job-dir/module.wasm")
*/
package storage
