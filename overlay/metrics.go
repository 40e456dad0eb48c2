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

// Contains the meters gathered by the overlay core.

package overlay

import "github.com/rcrowley/go-metrics"

var (
	packetsReceived    = metrics.NewRegisteredMeter("overlay/packets/in", nil)
	packetsSent        = metrics.NewRegisteredMeter("overlay/packets/out", nil)
	packetsRelayed     = metrics.NewRegisteredMeter("overlay/packets/relayed", nil)
	packetSendFailures = metrics.NewRegisteredMeter("overlay/packets/sendfail", nil)
	packetErrors       = metrics.NewRegisteredMeter("overlay/packets/errors", nil)

	packetDropsRunt    = metrics.NewRegisteredMeter("overlay/drops/runt", nil)
	packetDropsHops    = metrics.NewRegisteredMeter("overlay/drops/hops", nil)
	packetDropsInvalid = metrics.NewRegisteredMeter("overlay/drops/invalid", nil)
	packetDropsAuth    = metrics.NewRegisteredMeter("overlay/drops/auth", nil)
	packetDropsNoRoute = metrics.NewRegisteredMeter("overlay/drops/noroute", nil)
	packetDropsTimeout = metrics.NewRegisteredMeter("overlay/drops/timeout", nil)

	framesSent     = metrics.NewRegisteredMeter("overlay/frames/out", nil)
	framesReceived = metrics.NewRegisteredMeter("overlay/frames/in", nil)
	framesDropped  = metrics.NewRegisteredMeter("overlay/frames/dropped", nil)

	multicastsSent     = metrics.NewRegisteredMeter("overlay/multicast/out", nil)
	multicastsReceived = metrics.NewRegisteredMeter("overlay/multicast/in", nil)

	helloReceived      = metrics.NewRegisteredMeter("overlay/hello/in", nil)
	whoisSent          = metrics.NewRegisteredMeter("overlay/whois/out", nil)
	whoisResolved      = metrics.NewRegisteredMeter("overlay/whois/resolved", nil)
	whoisFailures      = metrics.NewRegisteredMeter("overlay/whois/failed", nil)
	rendezvousSent     = metrics.NewRegisteredMeter("overlay/rendezvous/out", nil)
	rendezvousReceived = metrics.NewRegisteredMeter("overlay/rendezvous/in", nil)
)
