// Package oracle cross-checks a proven transfer.
//
// A transfer is accepted only if the backend's output root matches, word for word, a root
// rebuilt locally from the pre-state leaves, and the proof verifies against the same public
// transcript. Guards are checked locally before any backend call unless WithBackendGuards is set.
package oracle
