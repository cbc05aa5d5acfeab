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

type clientCLI struct {
	Config string        `help:"Path to a configuration file" env:"USBRPC_CONFIG"`
	Log    cmd.LogConfig `embed:"" prefix:"log."`

	List      cmd.List      `cmd:"" help:"Enumerate devices attached to the server"`
	Open      cmd.Open      `cmd:"" help:"Open a device by session id and report its state"`
	Info      cmd.Info      `cmd:"" help:"Print string descriptors for a device"`
	Claim     cmd.Claim     `cmd:"" help:"Claim (and release) an interface"`
	Reset     cmd.Reset     `cmd:"" help:"Port-reset a device"`
	ClearHalt cmd.ClearHalt `cmd:"" name:"clear-halt" help:"Clear a halted endpoint"`
	Control   cmd.Control   `cmd:"" help:"Issue a control transfer"`
	Bulk      cmd.Bulk      `cmd:"" help:"Issue a bulk transfer"`

	ConfigCmds cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration utilities"`
}

func main() {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := config.CandidatePaths(userCfg)

	var cli clientCLI
	ctx := kong.Parse(&cli,
		kong.Name("usbrpc-client"),
		kong.Description("Diagnostic client for a usbrpc server"),
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
