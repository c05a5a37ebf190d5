// Package lock grants exclusive execution rights on named work units.
//
// Units live in a shared ranked set (see package store). A Manager takes a
// unit by atomically moving it from the waiting pool to the held pool with a
// fresh acquire score, and hands the caller a Handle carrying that score. A
// release only succeeds while the store still shows the acquire score, so a
// worker whose lock expired and was reclaimed can never overwrite the state
// of the next holder. Expired holds are returned to the waiting pool by
// ReclaimExpired; there is no other failure detection.
package lock
