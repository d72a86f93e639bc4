// Command attomqtt bridges a cellular modem's AT command dialect to an
// MQTT broker topic namespace (spec.md §6 CLI surface).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/spf13/pflag"

	"github.com/kurt-vd/wifitomqtt/internal/atstate"
	"github.com/kurt-vd/wifitomqtt/internal/brokerio"
	"github.com/kurt-vd/wifitomqtt/internal/clicommon"
	"github.com/kurt-vd/wifitomqtt/internal/engine"
	"github.com/kurt-vd/wifitomqtt/internal/pubcache"
	"github.com/kurt-vd/wifitomqtt/internal/serialport"
)

const version = "1.0.0"

func main() {
	fs := pflag.NewFlagSet("attomqtt", pflag.ExitOnError)
	common := clicommon.RegisterFlags(fs, "localhost:1883", "")
	optsCSV := fs.StringSlice("o", nil, "sub-option: csq[=secs],creg[=secs],cgreg[=secs],cops[=secs],autocsq,simcom,detachedscan,ceer (no- prefix disables)")
	fs.Parse(os.Args[1:])

	if common.Version {
		fmt.Println(version)
		return
	}
	clicommon.InitLogging(common.Verbose)

	args := fs.Args()
	if len(args) != 1 {
		clicommon.Fatal(fmt.Errorf("usage: attomqtt [flags] <tty>"))
	}
	tty := args[0]
	prefix := common.Prefix
	if prefix == "" {
		prefix = filepath.Base(tty)
	}

	opts, err := parseOptions(*optsCSV)
	if err != nil {
		clicommon.Fatal(err)
	}

	dev, err := serialport.Open(tty, serialport.DefaultConfig())
	if err != nil {
		clicommon.Fatal(err)
	}
	defer dev.Close()

	broker, err := brokerio.Dial(common.Host, "attomqtt-"+filepath.Base(tty))
	if err != nil {
		clicommon.Fatal(err)
	}
	broker.SetPrefix(prefix)

	cache := pubcache.New(broker)

	inbound := make(chan engine.BrokerMessage, 16)
	err = broker.Subscribe([]string{"raw/send", "ops/scan"}, func(topic string, lines []string) {
		inbound <- engine.BrokerMessage{Topic: topic, Lines: lines}
	})
	if err != nil {
		clicommon.Fatal(err)
	}

	loop := engine.NewModemLoop(dev, dev.Lines, dev.Errors, inbound, cache, opts)
	log.Infof("attomqtt: bridging %s to %s%s", tty, common.Host, prefix)
	if err := loop.Run(); err != nil {
		_ = broker.SelfSync(2 * time.Second)
		clicommon.Fatal(err)
	}
	_ = broker.SelfSync(2 * time.Second)
}

// parseOptions translates the -o sub-option CSV into atstate.Options
// (spec.md §6 "-o sub-options").
func parseOptions(subopts []string) (atstate.Options, error) {
	opts := atstate.Options{}
	for _, raw := range subopts {
		name, value := raw, ""
		if i := strings.IndexByte(raw, '='); i >= 0 {
			name, value = raw[:i], raw[i+1:]
		}
		disable := strings.HasPrefix(name, "no-")
		name = strings.TrimPrefix(name, "no-")

		switch name {
		case "csq":
			opts.CSQPeriod = periodOrDefault(value, disable, 10*time.Second)
		case "creg":
			opts.CREGPeriod = periodOrDefault(value, disable, 30*time.Second)
		case "cgreg":
			opts.CGREGPeriod = periodOrDefault(value, disable, 30*time.Second)
		case "cops":
			opts.COPSPeriod = periodOrDefault(value, disable, 300*time.Second)
		case "autocsq":
			opts.AutoCSQ = !disable
		case "simcom":
			b := !disable
			opts.SimcomOverride = &b
		case "detachedscan":
			b := !disable
			opts.DetachedScanOverride = &b
		case "ceer":
			opts.CEER = !disable
		default:
			return opts, fmt.Errorf("attomqtt: unknown -o sub-option %q", name)
		}
	}
	return opts, nil
}

func periodOrDefault(value string, disable bool, def time.Duration) time.Duration {
	if disable {
		return 0
	}
	if value == "" {
		return def
	}
	secs, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}
