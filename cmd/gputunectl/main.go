package main

import (
	"github.com/skobkin/gputune/internal/cli"
	"github.com/skobkin/gputune/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cli.Execute()
}
