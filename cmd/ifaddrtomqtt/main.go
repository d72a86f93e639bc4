// Command ifaddrtomqtt publishes each network interface's non-link-
// local addresses to the broker (spec.md §6 CLI surface, SPEC_FULL.md
// §9 supplement).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/spf13/pflag"

	"github.com/kurt-vd/wifitomqtt/internal/brokerio"
	"github.com/kurt-vd/wifitomqtt/internal/clicommon"
)

func main() {
	fs := pflag.NewFlagSet("ifaddrtomqtt", pflag.ExitOnError)
	common := clicommon.RegisterFlags(fs, "localhost:1883", "")
	fs.Parse(os.Args[1:])

	clicommon.InitLogging(common.Verbose)

	broker, err := brokerio.Dial(common.Host, "ifaddrtomqtt")
	if err != nil {
		clicommon.Fatal(err)
	}
	broker.SetPrefix("")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	published := make(map[string]string)
	scan := func() {
		if err := rescan(broker, published); err != nil {
			log.WithError(err).Warn("ifaddrtomqtt: scan failed")
		}
	}

	scan()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			scan()
		case <-hup:
			scan()
		}
	}
}

// rescan enumerates every interface's non-link-local IPv4/IPv6
// addresses and publishes space-joined lists to net/<ifname>/addr,
// clearing interfaces that lost all addresses since the last scan
// (spec.md §6 "ifaddrtomqtt").
func rescan(broker *brokerio.Driver, published map[string]string) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("ifaddrtomqtt: %w", err)
	}

	seen := make(map[string]bool, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		var list []string
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			list = append(list, ipNet.IP.String())
		}
		joined := strings.Join(list, " ")
		seen[iface.Name] = true

		topic := "net/" + iface.Name + "/addr"
		if joined == "" {
			if published[iface.Name] != "" {
				broker.Publish(topic, "", true)
				delete(published, iface.Name)
			}
			continue
		}
		if published[iface.Name] == joined {
			continue
		}
		published[iface.Name] = joined
		broker.Publish(topic, joined, true)
	}

	for name := range published {
		if !seen[name] {
			broker.Publish("net/"+name+"/addr", "", true)
			delete(published, name)
		}
	}
	return nil
}
