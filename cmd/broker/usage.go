// This code was adapted from https://github.com/ethereum/go-ethereum/blob/master/cmd/geth/usage.go
package main

import (
	"io"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/resi-labs-ai/resi-labs-api/cmd/broker/flags"
)

var appHelpTemplate = `NAME:
   {{.App.Name}} - {{.App.Usage}}
USAGE:
   {{.App.HelpName}} [options]{{if .App.Commands}} command [command options]{{end}} {{if .App.ArgsUsage}}{{.App.ArgsUsage}}{{else}}[arguments...]{{end}}
   {{if .App.Version}}
AUTHOR:
   {{range .App.Authors}}{{ . }}{{end}}
   {{end}}{{if .App.Commands}}
GLOBAL OPTIONS:
   {{range .App.Commands}}{{join .Names ", "}}{{ "\t" }}{{.Usage}}
   {{end}}{{end}}{{if .FlagGroups}}
{{range .FlagGroups}}{{.Name}} OPTIONS:
   {{range .Flags}}{{.}}
   {{end}}
{{end}}{{end}}{{if .App.Copyright }}
COPYRIGHT:
   {{.App.Copyright}}
   {{end}}
`

type flagGroup struct {
	Name  string
	Flags []cli.Flag
}

var appHelpFlagGroups = []flagGroup{
	{
		Name: "chain",
		Flags: []cli.Flag{
			flags.NetUID,
			flags.Network,
			flags.ChainEndpoint,
			flags.SignatureScheme,
			flags.MetagraphSyncInterval,
			flags.MetagraphMaxStale,
			flags.ChainFallback,
			flags.ValidatorMinStake,
		},
	},
	{
		Name: "object store",
		Flags: []cli.Flag{
			flags.S3Bucket,
			flags.S3Region,
			flags.AWSAccessKeyID,
			flags.AWSSecretAccessKey,
			flags.ValidatorRoleArn,
			flags.MaxCredentialTTL,
			flags.UploadTTL,
			flags.S3OpTimeout,
		},
	},
	{
		Name: "auth",
		Flags: []cli.Flag{
			flags.TimestampSkew,
			flags.SignatureTimeout,
			flags.ValidatorTimeout,
		},
	},
	{
		Name: "rate limiting",
		Flags: []cli.Flag{
			flags.EnableRateLimiting,
			flags.DailyLimitPerMiner,
			flags.DailyLimitPerValidator,
			flags.DailyAssignmentReads,
			flags.TotalDailyLimit,
			flags.DailyLimitPerIP,
			flags.RedisURL,
		},
	},
	{
		Name: "zipcode selection",
		Flags: []cli.Flag{
			flags.TargetListings,
			flags.TolerancePercent,
			flags.MinZipcodeListings,
			flags.MaxZipcodeListings,
			flags.CooldownHours,
			flags.StatePriorities,
			flags.PremiumWeight,
			flags.StandardWeight,
			flags.EmergingWeight,
			flags.SelectionRandomness,
			flags.HoneypotProbability,
			flags.HoneypotThreshold,
			flags.ZipcodeSecretKey,
		},
	},
	{
		Name: "storage",
		Flags: []cli.Flag{
			flags.DatabaseURL,
		},
	},
	{
		Name: "http",
		Flags: []cli.Flag{
			flags.HTTPHost,
			flags.HTTPPort,
			flags.AllowedOrigins,
		},
	},
	{
		Name: "log",
		Flags: []cli.Flag{
			flags.Verbosity,
		},
	},
}

func init() {
	cli.AppHelpTemplate = appHelpTemplate

	type helpData struct {
		App        interface{}
		FlagGroups []flagGroup
	}

	originalHelpPrinter := cli.HelpPrinter
	cli.HelpPrinter = func(w io.Writer, tmpl string, data interface{}) {
		if tmpl == appHelpTemplate {
			for _, group := range appHelpFlagGroups {
				sort.Sort(cli.FlagsByName(group.Flags))
			}
			originalHelpPrinter(w, tmpl, helpData{data, appHelpFlagGroups})
		} else {
			originalHelpPrinter(w, tmpl, data)
		}
	}
}
