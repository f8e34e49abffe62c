package token

import (
	"net/netip"
	"testing"
)

func TestAddressInSubnetCIDR(t *testing.T) {
	addr := netip.MustParseAddr("192.168.1.42")
	if !AddressInSubnet(addr, "192.168.1.0/24") {
		t.Fatal("expected match inside /24")
	}
	if AddressInSubnet(addr, "192.168.2.0/24") {
		t.Fatal("unexpected match outside /24")
	}
	if !AddressInSubnet(netip.MustParseAddr("2001:db8::1"), "2001:db8::/32") {
		t.Fatal("expected IPv6 prefix match")
	}
}

func TestAddressInSubnetLastOctetRange(t *testing.T) {
	if !AddressInSubnet(netip.MustParseAddr("10.0.0.7"), "10.0.0.5-20") {
		t.Fatal("expected match inside range")
	}
	if AddressInSubnet(netip.MustParseAddr("10.0.0.21"), "10.0.0.5-20") {
		t.Fatal("unexpected match above range")
	}
	if AddressInSubnet(netip.MustParseAddr("10.0.1.7"), "10.0.0.5-20") {
		t.Fatal("unexpected match in different group")
	}
}

func TestAddressInSubnetGroupPrefix(t *testing.T) {
	if !AddressInSubnet(netip.MustParseAddr("172.16.5.9"), "172.16.") {
		t.Fatal("expected trailing-dot prefix match")
	}
	if !AddressInSubnet(netip.MustParseAddr("172.16.5.9"), "172.16.5") {
		t.Fatal("expected mid-group prefix match on boundary")
	}
	// "172.16.5" must not match 172.16.50.x.
	if AddressInSubnet(netip.MustParseAddr("172.16.50.9"), "172.16.5") {
		t.Fatal("prefix matched across group boundary")
	}
}

func TestAddressInSubnetExactAndList(t *testing.T) {
	addr := netip.MustParseAddr("203.0.113.9")
	if !AddressInSubnet(addr, "203.0.113.9") {
		t.Fatal("expected exact match")
	}
	if !AddressInSubnet(addr, "10.0.0.0/8, 203.0.113.9") {
		t.Fatal("expected match on second list entry")
	}
	if AddressInSubnet(addr, "") {
		t.Fatal("empty expression must not match")
	}
	if AddressInSubnet(addr, "bogus") {
		t.Fatal("malformed entry must not match")
	}
}
