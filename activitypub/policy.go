package activitypub

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
)

// DomainPolicy decides which remote refs this instance talks to. It is
// checked before every outbound request and for every inbound actor.
type DomainPolicy struct {
	LocalDomain       string
	Protocol          string
	Enabled           bool
	Allowed           []string
	Blocked           []string
	AllowPrivateHosts bool
}

func NewDomainPolicy(conf *util.AppConfig) *DomainPolicy {
	return &DomainPolicy{
		LocalDomain:       strings.ToLower(conf.Domain()),
		Protocol:          conf.Conf.Protocol,
		Enabled:           conf.Federation.Enabled,
		Allowed:           conf.Federation.AllowedInstances,
		Blocked:           conf.Federation.BlockedInstances,
		AllowPrivateHosts: conf.Federation.AllowPrivateHosts,
	}
}

// IsLocal reports whether ref belongs to this instance.
func (p *DomainPolicy) IsLocal(ref domain.RemoteRef) bool {
	return ref.Host() != "" && ref.Host() == p.LocalDomain
}

// IsLocalInbox reports whether an inbox URL points at this instance.
func (p *DomainPolicy) IsLocalInbox(inbox string) bool {
	return p.IsLocal(domain.RemoteRef(inbox))
}

// Check rejects refs that must not be fetched or accepted. Local refs always
// pass; remote ones need federation enabled, the configured scheme, a public
// host and a domain that passes the allow and block lists.
func (p *DomainPolicy) Check(ref domain.RemoteRef) error {
	parsed, err := ref.URL()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	host := strings.ToLower(parsed.Host)
	if host == p.LocalDomain {
		return nil
	}
	if !p.Enabled {
		return fmt.Errorf("%w: federation is disabled", ErrInvalidReference)
	}
	if p.Protocol != "" && parsed.Scheme != p.Protocol {
		return fmt.Errorf("%w: scheme %s not allowed for %s", ErrInvalidReference, parsed.Scheme, ref)
	}

	hostname := strings.ToLower(parsed.Hostname())
	if !p.AllowPrivateHosts && (hostname == "localhost" || net.ParseIP(hostname) != nil) {
		return fmt.Errorf("%w: %s is not a public domain", ErrInvalidReference, hostname)
	}
	if matchesDomain(p.Blocked, host, hostname) {
		return fmt.Errorf("%w: %s is blocked", ErrInvalidReference, host)
	}
	if len(p.Allowed) > 0 && !matchesDomain(p.Allowed, host, hostname) {
		return fmt.Errorf("%w: %s is not in the allowlist", ErrInvalidReference, host)
	}
	return nil
}

// matchesDomain accepts list entries with or without a port.
func matchesDomain(list []string, host, hostname string) bool {
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == host || entry == hostname {
			return true
		}
	}
	return false
}

// ContentFilter rejects content matching the site's slur regex.
type ContentFilter struct {
	re *regexp.Regexp
}

// NewContentFilter compiles pattern case-insensitively. An empty pattern
// yields a filter that accepts everything.
func NewContentFilter(pattern string) (*ContentFilter, error) {
	if pattern == "" {
		return &ContentFilter{}, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid slur filter: %w", err)
	}
	return &ContentFilter{re: re}, nil
}

// Check returns a Rejection naming the first offending match.
func (f *ContentFilter) Check(texts ...string) error {
	if f == nil || f.re == nil {
		return nil
	}
	for _, text := range texts {
		if match := f.re.FindString(text); match != "" {
			return forbidden(ReasonSlurFilter, "matched %q", match)
		}
	}
	return nil
}
