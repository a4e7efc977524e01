// Package session carries the ambient identity the engine needs: who owns
// the cache and how to authenticate fetches. It is passed explicitly to
// constructors instead of being read from process-global state so the engine
// stays testable.
package session

// Session scopes cache ownership and authenticates remote fetches.
type Session struct {
	// UserID scopes cache entries and progress records.
	UserID string

	// AuthToken is the opaque credential forwarded to the remote endpoint.
	// The engine never inspects it.
	AuthToken string
}

// Valid reports whether the session can be used for syncing.
func (s Session) Valid() bool {
	return s.UserID != "" && s.AuthToken != ""
}
