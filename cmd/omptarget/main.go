// omptarget is a tool to inspect offload images, list the devices of the configured backend and run
// a smartnic emulator for testing.
package main

import (
	"flag"
	"fmt"
	"os"

	_ "github.com/gomlx/omptarget/backends"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	app := &cli.App{
		Name:  "omptarget",
		Usage: "Tools for the OpenMP offloading plugin",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "verbosity",
				Usage:   "Logging verbosity",
				EnvVars: []string{"LIBOMPTARGET_DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			return flag.Set("v", fmt.Sprint(c.Int("verbosity")))
		},
		Commands: []*cli.Command{
			inspectCommand(),
			devicesCommand(),
			emulatorCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
