package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/averonhq/agentupdate/cmd/agentupdate/buildinfo"
	"github.com/averonhq/agentupdate/config"
	"github.com/averonhq/agentupdate/logger"
)

const (
	versionText = "Print the version"

	configFlag     = "config"
	targetPathFlag = "target-path"
	jsonFlag       = "json"
)

var (
	Version   = "DEV"
	BuildTime = "unknown"
	BuildType = ""
)

func main() {
	bInfo := buildinfo.GetBuildInfo(BuildType, Version)

	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v", "V"},
		Usage:   versionText,
	}

	app := newApp(bInfo)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(bInfo *buildinfo.BuildInfo) *cli.App {
	app := &cli.App{}
	app.Name = "agentupdate"
	app.Usage = "Keeps the agent up to date"
	app.UsageText = "agentupdate [global options] [command] [command options]"
	app.Version = fmt.Sprintf("%s (built %s%s)", bInfo.Version(), BuildTime, bInfo.GetBuildTypeMsg())
	app.Description = `agentupdate checks for new releases of the agent, applies the update policy
	published with each release and installs updates in the background.`
	app.Flags = flags()
	app.Action = runCommand(bInfo)
	app.Commands = commands(bInfo)
	return app
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    configFlag,
			Usage:   "Specifies a config file in YAML format.",
			EnvVars: []string{"AGENTUPDATE_CONFIG"},
		},
		&cli.StringFlag{
			Name:    targetPathFlag,
			Usage:   "Binary replaced by updates. Defaults to the running executable.",
			EnvVars: []string{"AGENTUPDATE_TARGET_PATH"},
		},
		&cli.StringFlag{
			Name:    logger.LogLevelFlag,
			Usage:   "Application logging level {debug, info, warn, error, fatal}. Overrides the config file.",
			EnvVars: []string{"AGENTUPDATE_LOGLEVEL"},
		},
		&cli.StringFlag{
			Name:    logger.LogFileFlag,
			Usage:   "Save application log to this file for reporting issues.",
			EnvVars: []string{"AGENTUPDATE_LOGFILE"},
		},
		&cli.StringFlag{
			Name:    logger.LogDirectoryFlag,
			Usage:   "Save application log to this directory for reporting issues. Overrides the config file.",
			EnvVars: []string{"AGENTUPDATE_LOG_DIRECTORY"},
		},
		&cli.StringFlag{
			Name:    logger.LogFormatOutputFlag,
			Usage:   "Output format for the logs (default, json)",
			Value:   logger.LogFormatOutputValueDefault,
			EnvVars: []string{"AGENTUPDATE_OUTPUT"},
		},
	}
}

// loadConfig reads the file named by --config, or the first one found in the default
// locations. Without any file the defaults apply.
func loadConfig(c *cli.Context) (cfg config.Root, configPath string, err error) {
	configPath = c.String(configFlag)
	if configPath == "" {
		configPath = config.FindDefaultConfigPath()
	}
	if configPath == "" {
		return config.Default(), "", nil
	}

	nop := zerolog.Nop()
	cfg, warnings, err := config.ReadConfigFile(configPath, &nop)
	if err != nil {
		return config.Root{}, "", err
	}
	if warnings != "" {
		fmt.Fprintf(c.App.ErrWriter, "Your configuration file has unused keys: %s\n", warnings)
	}
	return cfg, configPath, nil
}

// setup loads the configuration and builds the logger and the update stack for a command.
func setup(c *cli.Context, bInfo *buildinfo.BuildInfo, opts stackOptions) (*stack, string, error) {
	cfg, configPath, err := loadConfig(c)
	if err != nil {
		return nil, "", errors.Wrap(err, "cannot load configuration")
	}
	log := logger.CreateLoggerFromContext(c, logger.EnableTerminalLog, cfg.LogLevel, cfg.LogDirectory)
	if opts.targetPath == "" {
		opts.targetPath = c.String(targetPathFlag)
	}
	s, err := newStack(cfg, bInfo, opts, log)
	if err != nil {
		return nil, "", err
	}
	return s, configPath, nil
}
