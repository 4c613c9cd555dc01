package store

import "errors"

// ErrNotFound is returned by GetItem when the key has never been set or was
// removed.
var ErrNotFound = errors.New("store: item not found")

// Well-known keys of the client-local storage area.
const (
	KeyRole        = "userRole"
	KeyAuthToken   = "authToken"
	KeyUserData    = "userData"
	KeyProfileData = "profileData"
	KeyTempRole    = "tempRole"
)

// Store is the client-local persisted key/value area.
type Store interface {
	GetItem(key string) (string, error)
	SetItem(key, value string) error
	RemoveItem(keys ...string) error
	Keys() ([]string, error)
	Close() error
}
