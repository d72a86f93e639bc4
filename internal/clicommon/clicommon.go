// Package clicommon holds the flag parsing and logging setup shared by
// the four cmd/* binaries (spec.md §6 CLI surface, SPEC_FULL.md §6
// expansion). Grounded in the pack's own combination of
// github.com/spf13/pflag for CLI flags and github.com/apex/log for
// structured logging, the common pairing for wpa_supplicant-adjacent
// daemons in the example pack.
package clicommon

import (
	"os"

	"github.com/apex/log"
	apexcli "github.com/apex/log/handlers/cli"
	"github.com/spf13/pflag"
)

// Common holds the flags every binary accepts.
type Common struct {
	Host    string
	Prefix  string
	Verbose bool
	Version bool
}

// RegisterFlags adds -h/-p/-v/-V to fs, with the given defaults for
// host and prefix (prefix may be empty where the binary derives it
// from an interface name instead).
func RegisterFlags(fs *pflag.FlagSet, defaultHost, defaultPrefix string) *Common {
	c := &Common{}
	fs.StringVarP(&c.Host, "host", "h", defaultHost, "broker host[:port]")
	fs.StringVarP(&c.Prefix, "prefix", "p", defaultPrefix, "topic prefix")
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "enable debug logging")
	fs.BoolVarP(&c.Version, "version", "V", false, "print version and exit")
	return c
}

// InitLogging sets apex/log's handler and level, raising to debug under
// -v (spec.md §6 "-v verbose").
func InitLogging(verbose bool) {
	log.SetHandler(apexcli.New(os.Stderr))
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// Fatal logs err and exits 1 (spec.md §6 "Exit codes: ... 1 on fatal").
func Fatal(err error) {
	log.WithError(err).Error("fatal")
	os.Exit(1)
}
