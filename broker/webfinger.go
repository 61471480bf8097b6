package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Webfinger link relations recognized during discovery.
const (
	// WebfingerPortierRel marks a domain's own Portier identity provider.
	WebfingerPortierRel = "https://portier.io/specs/auth/1.0/idp"
	// WebfingerGoogleRel delegates a domain to Google sign-in.
	WebfingerGoogleRel = "https://portier.io/specs/auth/1.0/idp/google"
)

// Relation is the recognized purpose of a discovered link.
type Relation int

const (
	RelationPortier Relation = iota
	RelationGoogle
)

// ParseRelation maps a webfinger rel value onto a Relation.
func ParseRelation(s string) (Relation, error) {
	switch s {
	case WebfingerPortierRel:
		return RelationPortier, nil
	case WebfingerGoogleRel:
		return RelationGoogle, nil
	}
	return 0, fmt.Errorf("unsupported link relation %q", s)
}

func (r Relation) String() string {
	switch r {
	case RelationPortier:
		return WebfingerPortierRel
	case RelationGoogle:
		return WebfingerGoogleRel
	}
	return fmt.Sprintf("Relation(%d)", int(r))
}

// MarshalText implements encoding.TextMarshaler using the rel URL.
func (r Relation) MarshalText() ([]byte, error) {
	switch r {
	case RelationPortier, RelationGoogle:
		return []byte(r.String()), nil
	}
	return nil, fmt.Errorf("cannot marshal Relation(%d)", int(r))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Relation) UnmarshalText(text []byte) error {
	parsed, err := ParseRelation(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Link is a single validated discovery result: which kind of provider, and
// where to find it.
type Link struct {
	Rel  Relation `json:"rel"`
	Href string   `json:"href"`
}

// Wire form of a webfinger resource descriptor. Unknown fields and unusable
// links are tolerated and skipped.
type webfingerDescriptor struct {
	Links []webfingerLink `json:"links"`
}

type webfingerLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

func parseWebfingerLink(raw webfingerLink) (Link, error) {
	rel, err := ParseRelation(raw.Rel)
	if err != nil {
		return Link{}, err
	}
	u, err := url.Parse(raw.Href)
	if err != nil {
		return Link{}, fmt.Errorf("invalid href: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Link{}, errors.New("invalid href: not an absolute URL")
	}
	return Link{Rel: rel, Href: raw.Href}, nil
}

// sameEndpoint compares URLs ignoring a trailing slash.
func sameEndpoint(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// Webfinger resolves email domains to identity provider links.
type Webfinger struct {
	fetcher   *FetchService
	publicURL string
	insecure  bool
	overrides map[string][]Link
}

// NewWebfinger creates a resolver. Domains present in overrides skip the
// network query entirely. With insecure set, queries go out over plain HTTP
// for local testing.
func NewWebfinger(fetcher *FetchService, publicURL string, insecure bool, overrides map[string][]Link) *Webfinger {
	return &Webfinger{
		fetcher:   fetcher,
		publicURL: publicURL,
		insecure:  insecure,
		overrides: overrides,
	}
}

// Query discovers the identity providers for email's domain. Results keep
// the document order. Unknown relations, unparsable hrefs and links pointing
// back at the broker itself are dropped; an empty result is not an error.
func (w *Webfinger) Query(ctx context.Context, email EmailAddress) ([]Link, error) {
	if links, ok := w.overrides[email.Domain()]; ok {
		out := make([]Link, len(links))
		copy(out, links)
		return out, nil
	}

	scheme := "https"
	if w.insecure {
		scheme = "http"
	}
	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s&rel=%s&rel=%s",
		scheme, email.Domain(),
		url.QueryEscape("acct:"+email.String()),
		url.QueryEscape(WebfingerPortierRel),
		url.QueryEscape(WebfingerGoogleRel))

	var descriptor webfingerDescriptor
	if err := w.fetcher.FetchJSON(ctx, endpoint, DiscoveryKey(email.String()), &descriptor); err != nil {
		return nil, Provider(email.Domain(), fmt.Sprintf("webfinger query for %s failed", email.Domain()), err)
	}

	links := make([]Link, 0, len(descriptor.Links))
	for _, raw := range descriptor.Links {
		link, err := parseWebfingerLink(raw)
		if err != nil {
			continue
		}
		if sameEndpoint(link.Href, w.publicURL) {
			continue
		}
		links = append(links, link)
	}
	return links, nil
}
