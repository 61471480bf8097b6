package broker

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustParseEmail(t *testing.T, raw string) EmailAddress {
	t.Helper()
	addr, err := ParseEmailAddress(raw)
	if err != nil {
		t.Fatalf("ParseEmailAddress(%q) failed: %v", raw, err)
	}
	return addr
}

func TestParseEmailAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.foo+bar@example.com", "example.foo+bar@example.com"},
		{"EXAMPLE.FOO+BAR@EXAMPLE.COM", "example.foo+bar@example.com"},
		{"BJÖRN@göteborg.test", "björn@xn--gteborg-90a.test"},
		{"test@subdomain.example.com", "test@subdomain.example.com"},
		{"\"quoted@local\"@example.com", "\"quoted@local\"@example.com"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			addr := mustParseEmail(t, tc.in)
			if got := addr.String(); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}

			// Parsing its own output must be a fixed point.
			again := mustParseEmail(t, addr.String())
			if again != addr {
				t.Errorf("reparse changed the address: %q != %q", again, addr)
			}
		})
	}
}

func TestParseEmailAddressParts(t *testing.T) {
	addr := mustParseEmail(t, "Example.Foo+Bar@EXAMPLE.com")
	if got := addr.Local(); got != "example.foo+bar" {
		t.Errorf("Local() = %q, want %q", got, "example.foo+bar")
	}
	if got := addr.Domain(); got != "example.com" {
		t.Errorf("Domain() = %q, want %q", got, "example.com")
	}
}

func TestParseEmailAddressRejects(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"foo", ErrNoSeparator},
		{"@example.com", ErrEmptyLocal},
		{"foo@", ErrEmptyDomain},
		{"foo@￿.example", ErrInvalidIdna},
		{"foo@exa mple.com", ErrInvalidDomainChars},
		{"foo@example.com:25", ErrInvalidDomainChars},
		{"foo@example.com/path", ErrInvalidDomainChars},
		{"foo@[::1]", ErrInvalidDomainChars},
		{"foo@127.0.0.1", ErrRawAddrNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			_, err := ParseEmailAddress(tc.in)
			if !errors.Is(err, tc.want) {
				t.Errorf("got error %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNormalizeGoogle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.foo+bar@example.com", "examplefoo@example.com"},
		{"example.foo+bar@gmail.com", "examplefoo@gmail.com"},
		{"example.foo+bar@googlemail.com", "examplefoo@gmail.com"},
		{"EXAMPLE.FOO+BAR@GOOGLEMAIL.COM", "examplefoo@gmail.com"},
		{"björn@göteborg.test", "björn@xn--gteborg-90a.test"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got := mustParseEmail(t, tc.in).NormalizeGoogle()
			if got.String() != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}

			// Normalization must be a fixed point too.
			if again := got.NormalizeGoogle(); again != got {
				t.Errorf("renormalize changed the address: %q != %q", again, got)
			}
		})
	}
}

func TestEmailAddressJSON(t *testing.T) {
	type payload struct {
		Email EmailAddress `json:"email"`
	}

	data, err := json.Marshal(payload{Email: mustParseEmail(t, "USER@Example.Com")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"email":"user@example.com"}`; string(data) != want {
		t.Errorf("marshal produced %s, want %s", data, want)
	}

	var decoded payload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Email != mustParseEmail(t, "user@example.com") {
		t.Errorf("round trip changed the address: %q", decoded.Email)
	}

	if err := json.Unmarshal([]byte(`{"email":"not-an-email"}`), &decoded); err == nil {
		t.Error("unmarshal accepted an invalid address")
	}
}
