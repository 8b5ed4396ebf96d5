package session

import (
	"context"
	"fmt"
)

// AuthorizationStatus is the user's answer to the speech recognition permission prompt.
type AuthorizationStatus int

const (
	NotDetermined AuthorizationStatus = iota
	Denied
	Restricted
	Authorized
)

func (s AuthorizationStatus) String() string {
	switch s {
	case NotDetermined:
		return "not_determined"
	case Denied:
		return "denied"
	case Restricted:
		return "restricted"
	case Authorized:
		return "authorized"
	default:
		return fmt.Sprintf("authorization(%d)", int(s))
	}
}

// ParseAuthorizationStatus maps a config value onto a status.
func ParseAuthorizationStatus(v string) (AuthorizationStatus, error) {
	switch v {
	case "authorized":
		return Authorized, nil
	case "denied":
		return Denied, nil
	case "restricted":
		return Restricted, nil
	case "not_determined", "":
		return NotDetermined, nil
	default:
		return NotDetermined, fmt.Errorf("unknown authorization status %q", v)
	}
}

// Authorizer asks the platform whether speech recognition may be used.
type Authorizer interface {
	RequestAuthorization(ctx context.Context) (AuthorizationStatus, error)
}

// StaticAuthorizer answers every request with a fixed status.
type StaticAuthorizer AuthorizationStatus

func (a StaticAuthorizer) RequestAuthorization(context.Context) (AuthorizationStatus, error) {
	return AuthorizationStatus(a), nil
}
