package main

import (
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/Alia5/usbrpc/internal/cmd"
	"github.com/Alia5/usbrpc/internal/config"
)

type serverCLI struct {
	Config string        `help:"Path to a configuration file" env:"USBRPC_CONFIG"`
	Log    cmd.LogConfig `embed:"" prefix:"log."`

	Serve      cmd.Server        `cmd:"" default:"withargs" help:"Run the usbrpc server"`
	ConfigCmds cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration utilities"`
}

func main() {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := config.CandidatePaths(userCfg)

	var cli serverCLI
	ctx := kong.Parse(&cli,
		kong.Name("usbrpc-server"),
		kong.Description("Remote USB access RPC server"),
		kong.UsageOnError(),
		// Load configuration from JSON/YAML/TOML in priority order; flags/env override config values.
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, rawSink, closeFiles, err := cli.Log.BuildLoggers()
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()

	ctx.Bind(logger)
	ctx.Bind(rawSink)

	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("USBRPC_CONFIG"); v != "" {
		return v
	}
	return ""
}
