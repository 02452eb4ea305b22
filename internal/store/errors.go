package store

import "errors"

var errNotConnected = errors.New("maxrelay: store client is not connected")

// IsNotConnected reports whether err indicates an operation on a client that
// never completed Connect.
func IsNotConnected(err error) bool {
	return errors.Is(err, errNotConnected)
}
