package target

import (
	"bufio"
	"net"
	"os"
	"strings"

	"github.com/censys/cidranger"
	"github.com/go-playground/validator/v10"

	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// Denylist holds the IPs, CIDR ranges and domains that must never be
// scanned. Lookups check a target's hostname against the domain set and
// its IP against both the exact-IP set and the CIDR trie.
type Denylist struct {
	ips     map[string]struct{}
	domains map[string]struct{}
	ranger  cidranger.Ranger
}

var fqdnValidator = validator.New()

// NewDenylist builds a denylist from raw entry lines. Each line is
// classified as a CIDR range, an IP literal or a domain name; lines that
// fit none of the three are dropped with a debug log. Comments (#) and
// blank lines are ignored.
func NewDenylist(lines []string) *Denylist {
	d := &Denylist{
		ips:     make(map[string]struct{}),
		domains: make(map[string]struct{}),
		ranger:  cidranger.NewPCTrieRanger(),
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d.add(line)
	}
	return d
}

// NewDenylistFromFile builds a denylist from a file with one entry per
// line.
func NewDenylistFromFile(path string) (*Denylist, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewDenylist(lines), nil
}

func (d *Denylist) add(entry string) {
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err == nil {
			if err := d.ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
				logging.Warn("failed to index denylist range", "entry", entry, "error", err)
			}
			return
		}
		logging.Debug("dropping unparseable denylist entry", "entry", entry)
		return
	}
	if ip := net.ParseIP(entry); ip != nil {
		d.ips[ip.String()] = struct{}{}
		return
	}
	if fqdnValidator.Var(entry, "fqdn") == nil {
		d.domains[strings.ToLower(entry)] = struct{}{}
		return
	}
	logging.Debug("dropping unparseable denylist entry", "entry", entry)
}

// Size returns the number of indexed entries.
func (d *Denylist) Size() int {
	if d == nil {
		return 0
	}
	return len(d.ips) + len(d.domains) + d.ranger.Len()
}

// Contains reports whether the target is denied, either by hostname or
// by address. A nil denylist denies nothing.
func (d *Denylist) Contains(target scan.ScanTarget) bool {
	if d == nil {
		return false
	}
	if target.Hostname != "" {
		if _, ok := d.domains[strings.ToLower(target.Hostname)]; ok {
			return true
		}
	}
	if target.IP == "" {
		return false
	}
	return d.ContainsIP(target.IP)
}

// ContainsIP reports whether the address is denied. Addresses of a
// family with no matching ranges are simply not denied; a v6 address
// checked against v4-only ranges is allowed, not an error.
func (d *Denylist) ContainsIP(addr string) bool {
	if d == nil {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if _, ok := d.ips[ip.String()]; ok {
		return true
	}
	contained, err := d.ranger.Contains(ip)
	if err != nil {
		return false
	}
	return contained
}
