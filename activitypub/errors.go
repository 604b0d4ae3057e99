package activitypub

import (
	"errors"
	"fmt"
	"net/http"
)

// Resolver errors
var (
	ErrInvalidReference  = errors.New("invalid reference")
	ErrRecursionExceeded = errors.New("recursion budget exceeded")
	ErrRemoteFetchFailed = errors.New("remote fetch failed")
	ErrNotAnExpectedType = errors.New("not an expected type")
)

// Outgoing errors
var (
	ErrBuild            = errors.New("cannot build federation message")
	ErrPersistence      = errors.New("failed to persist outgoing activity")
	ErrQueueClosed      = errors.New("delivery queue closed")
	ErrDeliveryRejected = errors.New("delivery rejected by remote inbox")
)

// Inbound errors
var (
	ErrMalformed        = errors.New("malformed activity")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDomainMismatch   = errors.New("domain mismatch")
	ErrForbidden        = errors.New("forbidden")
	ErrUnknownRecipient = errors.New("unknown recipient")
)

// RejectReason says which policy rule refused an inbound activity.
type RejectReason string

const (
	ReasonBannedActor      RejectReason = "actor is banned from this instance"
	ReasonBlockedInstance  RejectReason = "instance is not allowed to federate"
	ReasonCommunityBan     RejectReason = "actor is banned from the community"
	ReasonNotFollower      RejectReason = "private community requires an accepted follow"
	ReasonSlurFilter       RejectReason = "content matches the slur filter"
	ReasonNotModerator     RejectReason = "action requires a community moderator"
	ReasonNotCreator       RejectReason = "action requires the object creator"
	ReasonDeletedActor     RejectReason = "actor is deleted"
	ReasonLockedPost       RejectReason = "post is locked"
	ReasonUnsupportedScope RejectReason = "activity does not concern this instance"
)

// Rejection is an ErrForbidden with the rule that triggered it.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrForbidden, r.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrForbidden, r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return ErrForbidden
}

func forbidden(reason RejectReason, format string, args ...any) error {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// StatusFor maps an inbound pipeline error to the HTTP status returned to the
// delivering server. A nil error is an applied or replayed activity.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrDomainMismatch),
		errors.Is(err, ErrInvalidReference):
		return http.StatusForbidden
	case errors.Is(err, ErrUnknownRecipient):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
