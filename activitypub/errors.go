package activitypub

import (
	"errors"

	"github.com/deemkeen/fedletic/domain"
)

var (
	ErrMissingKey           = errors.New("actor has no private key")
	ErrMalformedSignature   = errors.New("malformed signature")
	ErrUnknownActor         = errors.New("unknown actor")
	ErrMissingHeader        = errors.New("signed header missing from request")
	ErrRemoteFetch          = errors.New("remote fetch failed")
	ErrInvalidActorDocument = errors.New("invalid actor document")
	ErrInvalidHandle        = errors.New("invalid handle")
	ErrActorNotFound        = errors.New("actor not found")
	ErrActivityNotFound     = errors.New("activity not found")
	ErrRemoteOrigin         = errors.New("activity did not originate on this server")
	ErrMissingDestination   = errors.New("no destination inbox")
)

// IsPermanent reports task failures that retrying cannot fix.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrActivityNotFound,
		ErrRemoteOrigin,
		ErrMissingDestination,
		ErrMissingKey,
		domain.ErrInvalidActivity,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
