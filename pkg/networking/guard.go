// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package networking provides the egress filter guest tool code reaches the
// network through. Every connection is resolved, vetted against private and
// reserved address space, and pinned to the vetted address.
package networking

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// reservedBlock is an address range that is never a legitimate egress target.
type reservedBlock struct {
	block  *net.IPNet
	reason string
}

var reservedBlocks []reservedBlock

func init() {
	for cidr, reason := range map[string]string{
		"0.0.0.0/8":      "reserved",
		"100.64.0.0/10":  "carrier-grade NAT",
		"240.0.0.0/4":    "reserved",
		"192.0.0.0/24":   "reserved",
		"198.18.0.0/15":  "reserved",
		"2001:db8::/32":  "reserved",
		"64:ff9b::/96":   "NAT64",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		reservedBlocks = append(reservedBlocks, reservedBlock{block: block, reason: reason})
	}
}

// blockedReason classifies an IP that must not be dialed, or returns ""
// when the address is acceptable. IPv4-mapped IPv6 addresses are judged by
// their embedded IPv4 form so mapping cannot smuggle a private target.
func blockedReason(ip net.IP) string {
	if ip == nil {
		return "unparseable"
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	switch {
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsMulticast():
		return "multicast"
	case ip.IsPrivate():
		return "private"
	}
	for _, rb := range reservedBlocks {
		if rb.block.Contains(ip) {
			return rb.reason
		}
	}
	return ""
}

// VetIP returns an error when the address may not be dialed.
func VetIP(ip net.IP) error {
	if reason := blockedReason(ip); reason != "" {
		return errors.NewSecurityError(
			fmt.Sprintf("egress to %s address %s is blocked", reason, ip), nil)
	}
	return nil
}

// guardControl re-checks the literal address the socket is about to connect
// to. The dialer only ever receives pinned addresses, so a failure here
// means resolution was bypassed somewhere.
func guardControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	return VetIP(net.ParseIP(host))
}

// guardedDialContext resolves the target, vets every returned address, and
// dials the first one as a literal so a later DNS answer cannot redirect the
// connection.
func guardedDialContext(resolver *net.Resolver) func(context.Context, string, string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   guardControl,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if ip := net.ParseIP(host); ip != nil {
			if err := VetIP(ip); err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, addr)
		}

		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("host %s has no addresses", host)
		}
		for _, a := range addrs {
			if reason := blockedReason(a.IP); reason != "" {
				return nil, errors.NewSecurityError(
					fmt.Sprintf("egress blocked: %s resolves to a %s address", host, reason), nil)
			}
		}
		pinned := net.JoinHostPort(addrs[0].IP.String(), port)
		return dialer.DialContext(ctx, network, pinned)
	}
}
