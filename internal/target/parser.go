// Package target turns raw target strings into executable scan targets.
// It parses the `[rank,][//]["]host["][:port]` notation used by ranked
// target lists, resolves hostnames to addresses, and classifies targets
// against a denylist before anything reaches the message bus.
package target

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bulkprobe/bulkprobe/internal/errors"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// Parser converts one target string into a ScanTarget plus its initial
// job status. Targets that resolve and pass the denylist come out as
// TO_BE_EXECUTED; everything else carries one of the pre-execution error
// statuses and never reaches the bus.
type Parser struct {
	defaultPort int
	denylist    *Denylist
	resolver    Resolver
}

// NewParser creates a parser. The denylist may be nil (nothing is
// denied) and the resolver may be nil (the system resolver is used).
func NewParser(defaultPort int, denylist *Denylist, resolver Resolver) *Parser {
	if resolver == nil {
		resolver = NewSystemResolver()
	}
	return &Parser{
		defaultPort: defaultPort,
		denylist:    denylist,
		resolver:    resolver,
	}
}

// Parse applies the target grammar left-to-right: optional numeric rank
// before a comma, optional mail-exchange marker `//`, optional quotes
// around the host, optional trailing port. The remaining literal is
// either an IP address or a hostname to resolve.
//
// The returned error carries the captured exception for UNRESOLVABLE and
// RESOLUTION_ERROR targets; callers persist it with the error result.
func (p *Parser) Parse(ctx context.Context, raw string) (scan.ScanTarget, scan.JobStatus, error) {
	target := scan.ScanTarget{Port: p.defaultPort}
	rest := strings.TrimSpace(raw)

	rest, rank, err := stripRank(rest)
	if err != nil {
		return target, scan.StatusResolutionError, errors.ErrInvalidTarget(raw, err)
	}
	target.TrancoRank = rank

	// Mail exchange entries are prefixed with a protocol-less marker.
	rest = strings.TrimPrefix(rest, "//")
	rest = strings.Trim(rest, `"`)

	host, port := splitPort(rest, p.defaultPort)
	target.Port = port
	host = strings.Trim(host, `"`)

	if host == "" {
		return target, scan.StatusResolutionError, errors.ErrInvalidTarget(raw, fmt.Errorf("empty host"))
	}

	if ip := net.ParseIP(host); ip != nil {
		target.IP = ip.String()
	} else {
		target.Hostname = host
		addrs, err := p.resolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			if err == nil {
				err = fmt.Errorf("no addresses for %s", host)
			}
			return target, scan.StatusUnresolvable, errors.ErrResolution(raw, err)
		}
		target.IP = addrs[0]
	}

	if p.denylist != nil && p.denylist.Contains(target) {
		return target, scan.StatusDenylisted, nil
	}
	return target, scan.StatusToBeExecuted, nil
}

// stripRank removes a leading `<digits>,` rank prefix.
func stripRank(s string) (rest string, rank int, err error) {
	comma := strings.IndexByte(s, ',')
	if comma <= 0 {
		return s, 0, nil
	}
	prefix := s[:comma]
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return s, 0, nil
		}
	}
	rank, err = strconv.Atoi(prefix)
	if err != nil {
		return s, 0, fmt.Errorf("rank prefix %q: %w", prefix, err)
	}
	return s[comma+1:], rank, nil
}

// splitPort peels a trailing `:port` off the host part. The port is
// adopted only when it parses and lies strictly between 1 and 65535;
// anything else falls back to the default. A literal that already parses
// as a full IP address (IPv6 with its colons included) is left alone.
func splitPort(s string, defaultPort int) (host string, port int) {
	if net.ParseIP(strings.Trim(s, `"`)) != nil {
		return s, defaultPort
	}
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return s, defaultPort
	}
	candidate, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return s, defaultPort
	}
	if candidate > 1 && candidate < 65535 {
		return s[:idx], candidate
	}
	return s[:idx], defaultPort
}
