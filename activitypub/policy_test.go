package activitypub

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainPolicyCheck(t *testing.T) {
	policy := &DomainPolicy{
		LocalDomain: "forum.test",
		Protocol:    "https",
		Enabled:     true,
		Blocked:     []string{"evil.example"},
	}

	tests := []struct {
		name string
		ref  domain.RemoteRef
		ok   bool
	}{
		{"local", "https://forum.test/u/alice", true},
		{"remote", "https://remote.example/u/bob", true},
		{"blocked", "https://evil.example/u/mallory", false},
		{"blocked with port", "https://evil.example:8443/u/mallory", false},
		{"wrong scheme", "http://remote.example/u/bob", false},
		{"ip address", "https://10.0.0.1/u/bob", false},
		{"localhost", "https://localhost/u/bob", false},
		{"not a url", "alice", false},
		{"no host", "https:///u/bob", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Check(tt.ref)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidReference)
			}
		})
	}
}

func TestDomainPolicyAllowlist(t *testing.T) {
	policy := &DomainPolicy{
		LocalDomain: "forum.test",
		Protocol:    "https",
		Enabled:     true,
		Allowed:     []string{"friend.example"},
	}
	assert.NoError(t, policy.Check("https://friend.example/u/bob"))
	assert.ErrorIs(t, policy.Check("https://stranger.example/u/bob"), ErrInvalidReference)
	assert.NoError(t, policy.Check("https://forum.test/c/main"))
}

func TestDomainPolicyDisabled(t *testing.T) {
	policy := &DomainPolicy{LocalDomain: "forum.test", Protocol: "https"}
	assert.ErrorIs(t, policy.Check("https://remote.example/u/bob"), ErrInvalidReference)
	assert.NoError(t, policy.Check("https://forum.test/u/alice"))
}

func TestDomainPolicyKeepsPorts(t *testing.T) {
	policy := &DomainPolicy{LocalDomain: "127.0.0.1:8080", Protocol: "http", Enabled: true, AllowPrivateHosts: true}
	assert.True(t, policy.IsLocal("http://127.0.0.1:8080/u/alice"))
	assert.False(t, policy.IsLocal("http://127.0.0.1:9090/u/alice"))
	assert.NoError(t, policy.Check("http://127.0.0.1:9090/u/alice"))
}

func TestContentFilter(t *testing.T) {
	filter, err := NewContentFilter(`bad\s*word`)
	require.NoError(t, err)

	assert.NoError(t, filter.Check("a perfectly fine title", "and body"))

	err = filter.Check("fine", "this has a BAD word in it")
	require.ErrorIs(t, err, ErrForbidden)
	var rejection *Rejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, ReasonSlurFilter, rejection.Reason)

	empty, err := NewContentFilter("")
	require.NoError(t, err)
	assert.NoError(t, empty.Check("bad word"))

	_, err = NewContentFilter("(")
	assert.Error(t, err)
}

func TestRecursionBudget(t *testing.T) {
	budget := NewRecursionBudget(2)
	require.NoError(t, budget.Spend())
	require.NoError(t, budget.Spend())
	assert.ErrorIs(t, budget.Spend(), ErrRecursionExceeded)
	assert.Equal(t, 0, budget.Remaining())
	assert.Equal(t, 2, budget.Spent())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusAccepted},
		{fmt.Errorf("%w: bad json", ErrMalformed), http.StatusBadRequest},
		{fmt.Errorf("%w: digest", ErrInvalidSignature), http.StatusUnauthorized},
		{forbidden(ReasonCommunityBan, "x"), http.StatusForbidden},
		{ErrDomainMismatch, http.StatusForbidden},
		{ErrInvalidReference, http.StatusForbidden},
		{ErrUnknownRecipient, http.StatusNotFound},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	assert.False(t, IsStale(now.Add(-time.Hour), now, 24*time.Hour))
	assert.False(t, IsStale(now.Add(-24*time.Hour), now, 24*time.Hour), "exactly one interval old is still fresh")
	assert.True(t, IsStale(now.Add(-24*time.Hour-time.Second), now, 24*time.Hour))
	assert.True(t, IsStale(time.Time{}, now, 24*time.Hour))
}
