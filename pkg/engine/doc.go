// Package engine assembles the sync engine: the snapshot store, the document
// store, the room router, the token registry, and the session handler, owned
// by one Engine value constructed in main and threaded through every handler.
//
// There are no package-level singletons. Exactly one Engine lives per server
// process; everything that needs a component receives it from the Engine.
package engine
