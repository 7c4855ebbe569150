// The broker command serves the subnet's credential and assignment API.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/resi-labs-ai/resi-labs-api/cmd/broker/flags"
	"github.com/resi-labs-ai/resi-labs-api/node"
)

// sysexits-style codes so orchestrators can tell configuration mistakes
// from retriable startup failures.
const (
	exitUsage    = 64
	exitSoftware = 70
	exitTempFail = 75
)

var log = logrus.WithField("prefix", "main")

func main() {
	app := &cli.App{
		Name:  "broker",
		Usage: "credential and zipcode assignment broker for the subnet",
		Flags: flags.Flags,
		Before: func(cliCtx *cli.Context) error {
			level, err := logrus.ParseLevel(cliCtx.String(flags.Verbosity.Name))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid verbosity: %v", err), exitUsage)
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{
				FullTimestamp:   true,
				TimestampFormat: "2006-01-02 15:04:05",
			})
			return nil
		},
		Action: func(cliCtx *cli.Context) error {
			broker, err := node.New(cliCtx)
			if err != nil {
				log.WithError(err).Error("Broker startup failed")
				return cli.Exit(err.Error(), startupExitCode(err))
			}
			broker.Start()
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(cli.ExitCoder); !ok {
			err = cli.Exit(err.Error(), exitUsage)
		}
		cli.HandleExitCoder(err)
	}
}

// startupExitCode classifies a startup failure: dependencies that may come
// back are temporary, everything else is a software failure.
func startupExitCode(err error) int {
	msg := err.Error()
	for _, hint := range []string{"connect", "sync", "unavailable", "timeout", "refused"} {
		if strings.Contains(msg, hint) {
			return exitTempFail
		}
	}
	return exitSoftware
}
