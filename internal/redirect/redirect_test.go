package redirect

import (
	"errors"
	"net/netip"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Rule
	}{
		{
			name: "full tcp rule",
			in:   "tcp:8080:10.0.2.15:80",
			want: Rule{HostPort: 8080, GuestAddr: netip.AddrFrom4([4]byte{10, 0, 2, 15}), GuestPort: 80},
		},
		{
			name: "udp rule",
			in:   "udp:5353:10.0.2.15:53",
			want: Rule{UDP: true, HostPort: 5353, GuestAddr: netip.AddrFrom4([4]byte{10, 0, 2, 15}), GuestPort: 53},
		},
		{
			name: "empty proto and guest address default",
			in:   ":8080::80",
			want: Rule{HostPort: 8080, GuestAddr: CanonicalGuestAddr, GuestPort: 80},
		},
		{
			name: "proto omitted entirely",
			in:   "2222:10.0.2.20:22",
			want: Rule{HostPort: 2222, GuestAddr: netip.AddrFrom4([4]byte{10, 0, 2, 20}), GuestPort: 22},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("parse %q: got %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	bad := []string{
		"",
		"8080",
		"8080:80",
		"sctp:8080:10.0.2.15:80",
		"tcp:70000:10.0.2.15:80",
		"tcp:0:10.0.2.15:80",
		"tcp:8080:10.0.2.15:0",
		"tcp:8080:not-an-addr:80",
		"tcp:8080:fe80::1:80", // too many fields once split
		"tcp:-1:10.0.2.15:80",
	}
	for _, in := range bad {
		if _, err := Parse(in); err == nil {
			t.Errorf("parse %q: expected error", in)
		} else {
			var serr *SyntaxError
			if !errors.As(err, &serr) {
				t.Errorf("parse %q: expected SyntaxError, got %T", in, err)
			}
		}
	}
}

func TestParseAllSkipsMalformed(t *testing.T) {
	rules := ParseAll([]string{
		"tcp:8080:10.0.2.15:80",
		"garbage",
		"udp:53::53",
	}, nil)
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].HostPort != 8080 || rules[1].HostPort != 53 {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if !rules[1].UDP || rules[1].GuestAddr != CanonicalGuestAddr {
		t.Fatalf("unexpected second rule: %+v", rules[1])
	}
}

func TestRuleString(t *testing.T) {
	r := Rule{UDP: true, HostPort: 53, GuestAddr: CanonicalGuestAddr, GuestPort: 5353}
	if got := r.String(); got != "udp:53:10.0.2.15:5353" {
		t.Fatalf("unexpected string %q", got)
	}
}
