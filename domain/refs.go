package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned by the storage layer when no row matches.
var ErrNotFound = errors.New("not found")

// PublicAddress is the ActivityStreams public collection.
const PublicAddress = "https://www.w3.org/ns/activitystreams#Public"

// RemoteRef is the canonical URI of an actor or object, local or remote.
type RemoteRef string

func (r RemoteRef) String() string {
	return string(r)
}

// URL parses the reference. Only absolute http(s) URIs are valid references.
func (r RemoteRef) URL() (*url.URL, error) {
	parsed, err := url.Parse(string(r))
	if err != nil {
		return nil, fmt.Errorf("invalid reference %q: %w", string(r), err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid reference %q: unsupported scheme", string(r))
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid reference %q: missing host", string(r))
	}
	return parsed, nil
}

// Host returns host[:port] of the reference, or "" if it does not parse.
// The port is kept so that instances sharing an address stay distinct.
func (r RemoteRef) Host() string {
	parsed, err := r.URL()
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

// WithoutFragment strips a "#main-key" style suffix.
func (r RemoteRef) WithoutFragment() RemoteRef {
	if idx := strings.Index(string(r), "#"); idx >= 0 {
		return r[:idx]
	}
	return r
}

// IsEmpty reports whether the reference is unset.
func (r RemoteRef) IsEmpty() bool {
	return r == ""
}

// LocalActorRef derives the reference of a local actor.
// Example: ("https", "forum.example", ActorPerson, "alice") -> "https://forum.example/u/alice"
func LocalActorRef(protocol, host string, kind ActorKind, name string) RemoteRef {
	prefix := fmt.Sprintf("%s://%s", protocol, host)
	switch kind {
	case ActorCommunity:
		return RemoteRef(fmt.Sprintf("%s/c/%s", prefix, name))
	case ActorFeed:
		return RemoteRef(fmt.Sprintf("%s/f/%s", prefix, name))
	case ActorSite:
		return RemoteRef(fmt.Sprintf("%s/site", prefix))
	default:
		return RemoteRef(fmt.Sprintf("%s/u/%s", prefix, name))
	}
}

// LocalObjectRef derives the reference of a local post, comment or private message.
func LocalObjectRef(protocol, host string, kind ObjectKind, id string) RemoteRef {
	prefix := fmt.Sprintf("%s://%s", protocol, host)
	switch kind {
	case ObjectComment:
		return RemoteRef(fmt.Sprintf("%s/comment/%s", prefix, id))
	case ObjectPrivateMessage:
		return RemoteRef(fmt.Sprintf("%s/private_message/%s", prefix, id))
	default:
		return RemoteRef(fmt.Sprintf("%s/post/%s", prefix, id))
	}
}

// SharedInboxFor returns the instance-wide inbox of the host a reference lives on.
func SharedInboxFor(ref RemoteRef) string {
	parsed, err := ref.URL()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s://%s/inbox", parsed.Scheme, parsed.Host)
}
