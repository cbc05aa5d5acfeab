package cmd

import (
	"errors"

	"github.com/Alia5/usbrpc/internal/config"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit scaffolds a configuration file for a specific command.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"serve,client"`
	Format  string `help:"Output format" enum:"json,yaml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to current directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

// Run generates a configuration template dynamically via reflection of
// the command structs and their kong tags.
func (c *ConfigInit) Run() error {
	var cmd any
	switch c.Command {
	case "serve":
		cmd = Server{}
	case "client":
		cmd = ClientConfig{}
	default:
		return errors.New("unknown command; expected 'serve' or 'client'")
	}

	dest := c.Output
	if dest == "" {
		dest = config.DefaultTemplateName(c.Command, c.Format)
	}
	return config.WriteTemplate(cmd, c.Format, dest, c.Force)
}
