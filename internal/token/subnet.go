package token

import (
	"net/netip"
	"strconv"
	"strings"
)

// AddressInSubnet reports whether addr matches the subnet expression.
// The expression is a comma-separated list of entries; each entry is one of:
//
//	a.b.c.d/n     CIDR prefix (IPv4 or IPv6)
//	a.b.c.d-e     range over the last IPv4 octet, d <= last <= e
//	a.b.c.        group prefix: matches any address in the group
//	a.b.c.d       exact address
//
// An address matches when it matches any entry. An empty expression matches
// nothing; callers decide what that means for their check.
func AddressInSubnet(addr netip.Addr, expr string) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range strings.Split(expr, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if matchSubnetEntry(addr, entry) {
			return true
		}
	}
	return false
}

func matchSubnetEntry(addr netip.Addr, entry string) bool {
	switch {
	case strings.Contains(entry, "/"):
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return false
		}
		return prefix.Contains(addr)

	case strings.Contains(entry, "-"):
		return matchLastOctetRange(addr, entry)

	default:
		if exact, err := netip.ParseAddr(entry); err == nil {
			return addr == exact.Unmap()
		}
		return matchGroupPrefix(addr, entry)
	}
}

// matchLastOctetRange handles a.b.c.d-e entries for IPv4 addresses.
func matchLastOctetRange(addr netip.Addr, entry string) bool {
	if !addr.Is4() {
		return false
	}
	dash := strings.LastIndexByte(entry, '-')
	base, err := netip.ParseAddr(entry[:dash])
	if err != nil || !base.Is4() {
		return false
	}
	hi, err := strconv.Atoi(strings.TrimSpace(entry[dash+1:]))
	if err != nil || hi < 0 || hi > 255 {
		return false
	}
	a4 := addr.As4()
	b4 := base.As4()
	if a4[0] != b4[0] || a4[1] != b4[1] || a4[2] != b4[2] {
		return false
	}
	lo := int(b4[3])
	return int(a4[3]) >= lo && int(a4[3]) <= hi
}

// matchGroupPrefix handles partial entries such as "192.168." or "192.168.1".
func matchGroupPrefix(addr netip.Addr, entry string) bool {
	text := addr.String()
	if strings.HasSuffix(entry, ".") || strings.HasSuffix(entry, ":") {
		return strings.HasPrefix(text, entry)
	}
	// Entry ends mid-group: require a group boundary after the prefix.
	sep := "."
	if addr.Is6() {
		sep = ":"
	}
	return strings.HasPrefix(text, entry+sep)
}
