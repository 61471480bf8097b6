package broker

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
)

// Parse failures, in the order the checks run.
var (
	ErrNoSeparator        = errors.New("missing @ separator")
	ErrEmptyLocal         = errors.New("empty local part")
	ErrInvalidIdna        = errors.New("invalid international domain name")
	ErrEmptyDomain        = errors.New("empty domain")
	ErrInvalidDomainChars = errors.New("domain contains forbidden characters")
	ErrRawAddrNotAllowed  = errors.New("raw IP address domains are not allowed")
)

// The WHATWG forbidden host code points. IDNA mapping below runs without
// STD3 rules, so these are rejected here instead.
const forbiddenDomainChars = "\x00\t\n\r #%/:?@[\\]"

var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(false),
	idna.Transitional(false),
)

// EmailAddress is a normalized email address. The zero value is invalid;
// use ParseEmailAddress. Values are comparable and hash on the normalized
// serialization.
type EmailAddress struct {
	serialization string
	localEnd      int
}

// ParseEmailAddress normalizes raw into an EmailAddress. The local part is
// Unicode-lowercased, the domain is converted to its ASCII (punycode) form.
func ParseEmailAddress(raw string) (EmailAddress, error) {
	sep := strings.LastIndexByte(raw, '@')
	if sep < 0 {
		return EmailAddress{}, ErrNoSeparator
	}
	local := strings.ToLower(raw[:sep])
	if local == "" {
		return EmailAddress{}, ErrEmptyLocal
	}
	domain, err := domainProfile.ToASCII(raw[sep+1:])
	if err != nil {
		return EmailAddress{}, fmt.Errorf("%w: %v", ErrInvalidIdna, err)
	}
	if domain == "" {
		return EmailAddress{}, ErrEmptyDomain
	}
	if strings.ContainsAny(domain, forbiddenDomainChars) {
		return EmailAddress{}, ErrInvalidDomainChars
	}
	if addr, err := netip.ParseAddr(domain); err == nil && addr.Is4() {
		return EmailAddress{}, ErrRawAddrNotAllowed
	}
	return emailFromParts(local, domain), nil
}

func emailFromParts(local, domain string) EmailAddress {
	return EmailAddress{
		serialization: local + "@" + domain,
		localEnd:      len(local),
	}
}

// String returns the normalized serialization.
func (e EmailAddress) String() string { return e.serialization }

// Local returns the normalized local part.
func (e EmailAddress) Local() string { return e.serialization[:e.localEnd] }

// Domain returns the ASCII form of the domain.
func (e EmailAddress) Domain() string { return e.serialization[e.localEnd+1:] }

// NormalizeGoogle applies Google account matching rules: googlemail.com and
// gmail.com are the same mailbox, dots in the local part are ignored, and a
// plus suffix is ignored. The result is for comparison only and may not be
// routable.
func (e EmailAddress) NormalizeGoogle() EmailAddress {
	local, domain := e.Local(), e.Domain()
	if domain == "googlemail.com" {
		domain = "gmail.com"
	}
	if pos := strings.IndexByte(local, '+'); pos >= 0 {
		local = local[:pos]
	}
	local = strings.ReplaceAll(local, ".", "")
	return emailFromParts(local, domain)
}

// MarshalText implements encoding.TextMarshaler.
func (e EmailAddress) MarshalText() ([]byte, error) {
	if e.serialization == "" {
		return nil, errors.New("cannot marshal zero EmailAddress")
	}
	return []byte(e.serialization), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The input is validated
// the same way ParseEmailAddress validates user input.
func (e *EmailAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseEmailAddress(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
