// Package identity provides the user identity used to namespace
// persisted sessions.
package identity

import "aplex/internal/domain"

// Static is a fixed identity taken from configuration. An empty user id
// means unauthenticated.
type Static struct {
	ID          string
	DisplayName string
}

var _ domain.Identity = Static{}

func (s Static) UserID() string      { return s.ID }
func (s Static) Authenticated() bool { return s.ID != "" }

func (s Static) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}
