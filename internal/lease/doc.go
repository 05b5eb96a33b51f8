// Package lease implements the best-effort, TTL-bounded mutual exclusion
// docmesh instances use to serialize persistence of a document.
//
// Every instance keeps a local cache of lease holders built from the
// control messages it observes on the shared lock topic. [Manager.Acquire]
// publishes a [LockRequest] and polls that cache; [Manager.Release]
// publishes a [LockRelease]. Control messages are MessagePack encoded.
//
// The cache is an optimistic local view. Two instances that have not yet
// seen each other's requests may both believe they hold a lease; storage
// must tolerate last-writer-wins.
package lease
