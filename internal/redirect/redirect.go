// Package redirect parses the NAT port-forwarding rule language used by the
// user-mode NAT backend.
//
// One rule reads:
//
//	[tcp|udp:]hostport:[guestaddress]:guestport
//
// The protocol defaults to TCP. An omitted guest address defaults to the NAT
// network's canonical client address. Ports must fall in [1, 65535].
package redirect

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
)

// CanonicalGuestAddr is the default redirect target: the address the NAT
// backend hands to its single client. The null address 0.0.0.0 does not
// forward, so omitted addresses resolve here.
var CanonicalGuestAddr = netip.AddrFrom4([4]byte{10, 0, 2, 15})

// Rule is one parsed host-to-guest port forwarding.
type Rule struct {
	UDP       bool
	HostPort  uint16
	GuestAddr netip.Addr
	GuestPort uint16
}

func (r Rule) String() string {
	proto := "tcp"
	if r.UDP {
		proto = "udp"
	}
	return fmt.Sprintf("%s:%d:%s:%d", proto, r.HostPort, r.GuestAddr, r.GuestPort)
}

// SyntaxError describes a malformed rule string. Rules that fail to parse
// are skipped; they never abort startup.
type SyntaxError struct {
	Rule   string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid host forwarding rule %q: %s", e.Rule, e.Reason)
}

func parsePort(field string) (uint16, error) {
	n, err := strconv.ParseUint(field, 10, 16)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("port %q out of range [1, 65535]", field)
	}
	return uint16(n), nil
}

// Parse converts one rule string into a Rule.
func Parse(s string) (Rule, error) {
	fields := strings.Split(s, ":")

	var proto, hostPort, guestAddr, guestPort string
	switch len(fields) {
	case 4:
		proto, hostPort, guestAddr, guestPort = fields[0], fields[1], fields[2], fields[3]
	case 3:
		// Protocol omitted entirely, no leading separator.
		hostPort, guestAddr, guestPort = fields[0], fields[1], fields[2]
	default:
		return Rule{}, &SyntaxError{Rule: s, Reason: "expected [proto:]hostport:[guestaddr]:guestport"}
	}

	rule := Rule{GuestAddr: CanonicalGuestAddr}

	switch proto {
	case "", "tcp":
	case "udp":
		rule.UDP = true
	default:
		return Rule{}, &SyntaxError{Rule: s, Reason: fmt.Sprintf("unknown protocol %q", proto)}
	}

	var err error
	if rule.HostPort, err = parsePort(hostPort); err != nil {
		return Rule{}, &SyntaxError{Rule: s, Reason: fmt.Sprintf("host %v", err)}
	}
	if rule.GuestPort, err = parsePort(guestPort); err != nil {
		return Rule{}, &SyntaxError{Rule: s, Reason: fmt.Sprintf("guest %v", err)}
	}

	if guestAddr != "" {
		addr, err := netip.ParseAddr(guestAddr)
		if err != nil || !addr.Is4() {
			return Rule{}, &SyntaxError{Rule: s, Reason: fmt.Sprintf("bad guest address %q", guestAddr)}
		}
		rule.GuestAddr = addr
	}

	return rule, nil
}

// ParseAll parses every rule string, logging and skipping the malformed
// ones. Rules bind disjoint host ports, so order does not matter.
func ParseAll(specs []string, log *slog.Logger) []Rule {
	if log == nil {
		log = slog.Default()
	}
	var rules []Rule
	for _, s := range specs {
		rule, err := Parse(s)
		if err != nil {
			log.Warn("redirect: skipping rule", "err", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}
