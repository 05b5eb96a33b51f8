// Package docstore is a small collaborative document server built on
// Automerge. It implements host.Host so the replication layer can drive it,
// and calls its extensions through host.Hooks.
//
// Documents are loaded on first connection and kept in memory while
// clients are attached. Sync messages carry whole Automerge saves; merging
// applies only the changes a document has not seen, so repeated or
// reordered deliveries are harmless.
//
// Lifecycle:
//
//	Connect ──► Load (OnLoadDocument, AfterLoadDocument)
//	change  ──► fan out, OnChange, debounced store (SocketID "server")
//	last Disconnect ──► store (SocketID = connection) ──► unload if idle
//
// Hooks are always called with no server or document lock held, so an
// extension may call straight back into the Server.
package docstore
