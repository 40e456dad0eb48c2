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

// zerotier is the overlay network daemon: it joins virtual Ethernet
// networks and switches frames between the local taps and remote peers.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pbicskei/ZeroTierOne/demarc"
	"github.com/pbicskei/ZeroTierOne/overlay"
	"github.com/pbicskei/ZeroTierOne/overlay/peercache"
)

func main() {
	app := &cli.App{
		Name:  "zerotier",
		Usage: "peer-to-peer Ethernet overlay node",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the overlay daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Value:   "zerotier.yml",
						Usage:   "daemon configuration file",
					},
				},
				Action: runDaemon,
			},
			{
				Name:  "identity",
				Usage: "identity tools",
				Subcommands: []*cli.Command{
					{
						Name:   "new",
						Usage:  "generate a new identity and print its secret form",
						Action: identityNew,
					},
					{
						Name:      "public",
						Usage:     "print the public form of an identity file",
						ArgsUsage: "<identity.secret>",
						Action:    identityPublic,
					},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func identityNew(*cli.Context) error {
	id, err := overlay.GenerateIdentity()
	if err != nil {
		return err
	}
	fmt.Println(id.PrivateString())
	return nil
}

func identityPublic(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: identity public <identity.secret>")
	}
	b, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	id, err := overlay.ParseIdentity(string(b))
	if err != nil {
		return err
	}
	fmt.Println(id.String())
	return nil
}

func runDaemon(ctx *cli.Context) error {
	cfg, err := LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	log := setupLogging(cfg.Log)

	identity, err := loadOrCreateIdentity(cfg.IdentityFile, log)
	if err != nil {
		return err
	}
	if !identity.HasPrivate() {
		return fmt.Errorf("%s does not contain a private key", cfg.IdentityFile)
	}
	log.WithField("address", identity.Address()).Info("Starting overlay node")

	var cache overlay.PeerCache
	if cfg.PeerCacheDir != "" {
		db, err := peercache.Open(cfg.PeerCacheDir)
		if err != nil {
			return fmt.Errorf("open peer cache: %w", err)
		}
		db.EnsureExpirer()
		defer db.Close()
		cache = db
	}

	var node *overlay.Node
	udp := demarc.NewUDP(func(localSocket int64, from overlay.InetAddress, data []byte) {
		node.OnRemotePacket(localSocket, from, data)
	}, log.WithField("layer", "demarc"))
	defer udp.Close()

	node, err = overlay.NewNode(identity, udp, cache, log.WithField("layer", "core"))
	if err != nil {
		return err
	}

	for _, listen := range cfg.Listen {
		if _, err := udp.Listen(listen); err != nil {
			return fmt.Errorf("listen %s: %w", listen, err)
		}
	}

	if cfg.STUNServer != "off" {
		go func() {
			ext, err := demarc.DiscoverExternalAddress(cfg.STUNServer)
			if err != nil {
				log.WithError(err).Warn("STUN external address lookup failed")
				return
			}
			log.WithField("address", ext).Info("Discovered external address")
		}()
	}

	for _, tp := range cfg.TrustedPaths {
		prefix, err := netip.ParsePrefix(tp.Network)
		if err != nil {
			return fmt.Errorf("trusted path %q: %w", tp.Network, err)
		}
		node.Topology().SetPhysicalPathConfiguration(prefix, tp.MTU, tp.ID)
	}

	for _, rc := range cfg.Roots {
		id, err := overlay.ParseIdentity(rc.Identity)
		if err != nil {
			return fmt.Errorf("root identity: %w", err)
		}
		seeds := make([]overlay.InetAddress, 0, len(rc.Endpoints))
		for _, ep := range rc.Endpoints {
			a, err := overlay.ParseInetAddress(ep)
			if err != nil {
				return fmt.Errorf("root endpoint %q: %w", ep, err)
			}
			seeds = append(seeds, a)
		}
		if err := node.AddRoot(id, seeds); err != nil {
			return fmt.Errorf("add root %s: %w", id.Address(), err)
		}
	}

	for _, nc := range cfg.Networks {
		nwid, err := ParseNetworkID(nc.ID)
		if err != nil {
			return err
		}
		tap := demarc.NewLoopbackTap(overlay.MACFromAddress(identity.Address()))
		network := overlay.NewNetwork(nwid, tap, nc.Open)
		network.SetBridgingAllowed(nc.Bridge)
		for _, m := range nc.Members {
			addr, err := overlay.ParseAddress(m)
			if err != nil {
				return fmt.Errorf("network %s member %q: %w", nc.ID, m, err)
			}
			network.AddMember(addr)
		}
		node.Join(network)
		log.WithField("network", nc.ID).Info("Joined network")
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = node.Run(runCtx)
	if err == context.Canceled {
		log.Info("Shutting down")
		return nil
	}
	return err
}
