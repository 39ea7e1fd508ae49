// Package kvstore models the persistent key-value store (NVS) the node side
// depends on for commissioning credentials and OTA pending-flag state. The
// real store is an external black-box collaborator; this package ships a
// file-backed reference implementation so the node binary and its tests are
// runnable.
package kvstore

import "errors"

// ErrNotFound is returned by Get when key has never been set.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the get/set/erase boundary on short string keys, grouped by
// namespace. The node keeps both commissioning and OTA state in
// omniapi_node; no ota_state namespace is used.
type Store interface {
	Get(namespace, key string) ([]byte, error)
	Set(namespace, key string, value []byte) error
	Erase(namespace, key string) error
}
