package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/integrations/internal/daemon"
	"github.com/matheus3301/integrations/internal/instance"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file (default ~/.integrations/config.toml)")
	envFlag := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	instanceFlag := flag.String("instance", "", "instance name (overrides config)")
	flag.Parse()

	if *instanceFlag != "" {
		if err := instance.ValidateName(*instanceFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{
			Instance:   *instanceFlag,
			ConfigPath: *configFlag,
			EnvFile:    *envFlag,
		}),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}
