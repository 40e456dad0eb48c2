// Copyright 2024 The ZeroTierOne Authors
// This file is part of the ZeroTierOne library.
//
// The ZeroTierOne library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ZeroTierOne library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ZeroTierOne library. If not, see <http://www.gnu.org/licenses/>.

package netlist

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNetlist(t *testing.T) {
	var tests = []struct {
		input    string
		wantErr  bool
		wantList *Netlist
	}{
		{
			input:    "",
			wantList: &Netlist{},
		},
		{
			input:    "127.0.0.0/8",
			wantList: &Netlist{netip.MustParsePrefix("127.0.0.0/8")},
		},
		{
			input:   "127.0.0.0/44",
			wantErr: true,
		},
		{
			input: "127.0.0.0/16, 23.23.23.23/24,",
			wantList: &Netlist{
				netip.MustParsePrefix("127.0.0.0/16"),
				netip.MustParsePrefix("23.23.23.23/24"),
			},
		},
	}

	for _, test := range tests {
		l, err := ParseNetlist(test.input)
		if test.wantErr {
			require.Error(t, err, "input %q", test.input)
			continue
		}
		require.NoError(t, err, "input %q", test.input)
		require.Equal(t, test.wantList, l, "input %q", test.input)
	}
}

func TestNilNetListContains(t *testing.T) {
	var list *Netlist
	require.False(t, list.Contains(netip.MustParseAddr("1.2.3.4")))
}

func TestIsLAN(t *testing.T) {
	for _, s := range []string{
		"0.0.0.0", "0.2.0.8", "127.0.0.1", "10.0.1.1", "10.22.0.3",
		"172.31.252.252", "192.168.1.4", "169.254.2.115",
		"fe80::f4a1:8eff:fec5:9d9d", "febf::ab32:2233", "fc00::4",
		"::1", "::ffff:127.0.0.1",
	} {
		require.True(t, IsLAN(netip.MustParseAddr(s)), "%s should be LAN", s)
	}
	for _, s := range []string{
		"192.0.2.1", "1.0.0.0", "172.32.0.1", "fec0::2233",
		"2003::1", "::ffff:88.99.100.2",
	} {
		require.False(t, IsLAN(netip.MustParseAddr(s)), "%s should not be LAN", s)
	}
}

func TestIsSpecialNetwork(t *testing.T) {
	for _, s := range []string{
		"192.0.2.1", "192.0.2.44", "2001:db8:85a3:8d3:1319:8a2e:370:7348",
		"255.255.255.255", "224.0.0.22", "ff05::1:3",
	} {
		require.True(t, IsSpecialNetwork(netip.MustParseAddr(s)), "%s should be special", s)
	}
	for _, s := range []string{
		"192.0.3.1", "1.0.0.0", "172.32.0.1", "fec0::2233",
	} {
		require.False(t, IsSpecialNetwork(netip.MustParseAddr(s)), "%s should not be special", s)
	}
}

func TestCheckRelayIP(t *testing.T) {
	var tests = []struct {
		sender, addr string
		want         error
	}{
		{"127.0.0.1", "0.0.0.0", errUnspecified},
		{"192.168.0.1", "0.0.0.0", errUnspecified},
		{"23.55.1.242", "0.0.0.0", errUnspecified},
		{"127.0.0.1", "255.255.255.255", errSpecial},
		{"192.168.0.1", "255.255.255.255", errSpecial},
		{"23.55.1.242", "255.255.255.255", errSpecial},
		{"192.168.0.1", "127.0.2.19", errLoopback},
		{"23.55.1.242", "192.168.0.1", errLAN},

		{"127.0.0.1", "127.0.2.19", nil},
		{"127.0.0.1", "192.168.0.1", nil},
		{"127.0.0.1", "23.55.1.242", nil},
		{"192.168.0.1", "192.168.0.1", nil},
		{"192.168.0.1", "23.55.1.242", nil},
		{"23.55.1.242", "23.55.1.242", nil},
	}

	for _, test := range tests {
		err := CheckRelayIP(netip.MustParseAddr(test.sender), netip.MustParseAddr(test.addr))
		require.ErrorIs(t, err, test.want, "sender %s addr %s", test.sender, test.addr)
	}
}

func TestSameNet(t *testing.T) {
	var tests = []struct {
		bits      int
		ip, other string
		want      bool
	}{
		{1, "0.0.0.0", "0.0.0.0", true},
		{1, "0.0.0.0", "127.0.0.1", true},
		{1, "0.0.0.0", "128.0.0.0", false},
		{24, "10.1.2.3", "10.1.2.255", true},
		{24, "10.1.2.3", "10.1.3.0", false},
		{32, "10.1.2.3", "10.1.2.3", true},
		{32, "10.1.2.3", "10.1.2.2", false},
		{64, "fe80::1", "fe80::2", true},
		{64, "fe80::1", "fe81::1", false},
		{24, "10.1.2.3", "fe80::1", false},
	}

	for _, test := range tests {
		got := SameNet(test.bits, netip.MustParseAddr(test.ip), netip.MustParseAddr(test.other))
		require.Equal(t, test.want, got, "SameNet(%d, %s, %s)", test.bits, test.ip, test.other)
	}
}
