// Command atinsert posts one or more AT commands to a running
// attomqtt bridge and waits for their echoed response (spec.md §6 CLI
// surface, S6).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/kurt-vd/wifitomqtt/internal/brokerio"
	"github.com/kurt-vd/wifitomqtt/internal/clicommon"
)

func main() {
	fs := pflag.NewFlagSet("atinsert", pflag.ExitOnError)
	common := clicommon.RegisterFlags(fs, "localhost:1883", "")
	topic := fs.StringP("topic", "t", "", "topic prefix of the attomqtt bridge")
	iface := fs.StringP("iface", "i", "", "modem interface (alternative to -t)")
	exitOnError := fs.CountP("exit-on-error", "x", "non-zero exit if response does not end with OK (-xx: stop at first error)")
	waitSecs := fs.IntP("wait", "w", 5, "wall-clock bound in seconds")
	fs.Parse(os.Args[1:])

	clicommon.InitLogging(common.Verbose)

	cmds := fs.Args()
	if len(cmds) == 0 {
		clicommon.Fatal(fmt.Errorf("usage: atinsert [flags] <ATCMD...>"))
	}

	prefix := common.Prefix
	if prefix == "" {
		prefix = *topic
	}
	if prefix == "" && *iface != "" {
		prefix = *iface
	}
	if prefix == "" {
		clicommon.Fatal(fmt.Errorf("atinsert: -t prefix or -i iface required"))
	}

	armWallClock(*waitSecs)

	broker, err := brokerio.Dial(common.Host, "atinsert")
	if err != nil {
		clicommon.Fatal(err)
	}
	broker.SetPrefix(prefix)
	defer broker.Disconnect(250)

	exitCode := 0
	for _, cmd := range cmds {
		resp, err := postAndWait(broker, cmd, time.Duration(*waitSecs)*time.Second)
		if err != nil {
			clicommon.Fatal(err)
		}
		fmt.Println(resp)

		if *exitOnError > 0 && !strings.HasSuffix(resp, "OK") {
			exitCode = 1
			if *exitOnError > 1 {
				break
			}
		}
	}
	os.Exit(exitCode)
}

// armWallClock bounds the process to secs using SIGALRM, the
// idiomatic-Go reading of original_source/atinsert.c's alarm(2) guard
// (SPEC_FULL.md §5).
func armWallClock(secs int) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGALRM)
	go func() {
		<-sig
		fmt.Fprintln(os.Stderr, "atinsert: timed out")
		os.Exit(1)
	}()
	unix.Alarm(uint(secs))
}

// postAndWait publishes cmd to <prefix>/raw/send and blocks for the
// matching echo on <prefix>/raw/at (spec.md §6 "posts each ATCMD...").
func postAndWait(broker *brokerio.Driver, cmd string, timeout time.Duration) (string, error) {
	result := make(chan string, 1)
	err := broker.Subscribe([]string{"raw/at"}, func(topic string, lines []string) {
		if len(lines) == 0 {
			return
		}
		line := lines[0]
		if strings.HasPrefix(line, cmd+"\t") {
			select {
			case result <- line:
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}

	broker.Publish("raw/send", cmd, false)

	select {
	case line := <-result:
		return line, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("atinsert: no response to %q within %s", cmd, timeout)
	}
}
