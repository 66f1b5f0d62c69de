// Package registry holds the mapping from installation tokens to the
// backend hosts they grant access to.
//
// The gateway only ever reads the registry: each proxied request performs a
// fresh Resolve, so callers must expect an entry to disappear between two
// requests.  Entries are added and removed by the entry lifecycle manager.
package registry
