// Command wifitomqtt bridges wpa_supplicant's control-interface dialect
// to an MQTT broker topic namespace (spec.md §6 CLI surface).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/spf13/pflag"

	"github.com/kurt-vd/wifitomqtt/internal/brokerio"
	"github.com/kurt-vd/wifitomqtt/internal/clicommon"
	"github.com/kurt-vd/wifitomqtt/internal/engine"
	"github.com/kurt-vd/wifitomqtt/internal/pubcache"
	"github.com/kurt-vd/wifitomqtt/internal/wpasock"
	"github.com/kurt-vd/wifitomqtt/internal/wpastate"
)

const version = "1.0.0"

func main() {
	fs := pflag.NewFlagSet("wifitomqtt", pflag.ExitOnError)
	common := clicommon.RegisterFlags(fs, "localhost:1883", "")
	iface := fs.StringP("iface", "i", "wlan0", "wireless interface name")
	subopts := fs.StringSlice("S", nil, "sub-option: no-ap-bgscan")
	fs.Parse(os.Args[1:])

	if common.Version {
		fmt.Println(version)
		return
	}
	clicommon.InitLogging(common.Verbose)

	prefix := common.Prefix
	if prefix == "" {
		prefix = "net/" + *iface
	}

	opts := wpastate.Options{}
	for _, s := range *subopts {
		if s == "no-ap-bgscan" {
			opts.NoAPBgscan = true
		}
	}

	conn, err := wpasock.Dial("", *iface)
	if err != nil {
		clicommon.Fatal(err)
	}
	defer conn.Close()

	broker, err := brokerio.Dial(common.Host, "wifitomqtt-"+*iface)
	if err != nil {
		clicommon.Fatal(err)
	}
	broker.SetPrefix(prefix)

	cache := pubcache.New(broker)

	inbound := make(chan engine.BrokerMessage, 16)
	topics := []string{
		"ssid/set", "ssid/enable", "ssid/disable", "ssid/remove", "ssid/create",
		"ssid/psk", "ssid/ap", "ssid/mesh", "ssid/config/+", "wifi/config/+",
		"wifistate/set",
	}
	err = broker.Subscribe(topics, func(topic string, lines []string) {
		inbound <- engine.BrokerMessage{Topic: topic, Lines: lines}
	})
	if err != nil {
		clicommon.Fatal(err)
	}

	loop := engine.NewWifiLoop(conn, conn.Frames, conn.Errors, inbound, cache, opts)
	log.Infof("wifitomqtt: bridging %s to %s%s", *iface, common.Host, prefix)
	if err := loop.Run(); err != nil {
		_ = broker.SelfSync(2 * time.Second)
		clicommon.Fatal(err)
	}
	_ = broker.SelfSync(2 * time.Second)
}
