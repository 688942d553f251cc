package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/omptarget/backends/smartnic"
	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/offload"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the entries and configuration of offload images",
		ArgsUsage: "<image> [<image>...]",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("no image given")
			}
			for _, path := range c.Args().Slice() {
				if err := inspect(path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func inspect(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read image")
	}
	parsed, err := offload.ParseImage(image)
	if err != nil {
		return errors.WithMessagef(err, "image %q", path)
	}
	fmt.Printf("%s: %s, %s %s %s\n", path, humanize.Bytes(uint64(len(image))), parsed.Class, parsed.Machine, parsed.Type)
	fmt.Printf("\tlink base: 0x%x, entries section at 0x%x\n", parsed.LinkBase, parsed.EntriesAddr)
	if cfg := parsed.Configuration; cfg != nil {
		fmt.Printf("\tconfiguration: env_id=%d module=%q sub_target_id=%d\n", cfg.EnvID, cfg.Module, cfg.SubTargetID)
	}
	fmt.Printf("\t%d entries:\n", len(parsed.Entries))
	for _, entry := range parsed.Entries {
		fmt.Printf("\t\t%-40s 0x%08x size=%d flags=%d\n", entry.Name, entry.Address, entry.Size, entry.Flags)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	backend, err := offload.NewBackend(cfg)
	if err != nil {
		klog.Warningf("cannot check image against backend %q: %v", cfg.Backend, err)
		return nil
	}
	defer func() { _ = backend.Close() }()
	fmt.Printf("\tvalid for backend %q: %v\n", backend.Name(), backend.IsValidBinary(image))
	return nil
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the backends and the devices of the configured one",
		Action: func(c *cli.Context) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			backends := offload.AvailableBackends()
			slices.Sort(backends)
			fmt.Printf("available backends: %s\n", strings.Join(backends, ", "))
			backend, err := offload.NewBackend(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()
			fmt.Printf("backend %q: %d devices\n", backend.Name(), backend.NumDevices())
			return nil
		},
	}
}

func emulatorCommand() *cli.Command {
	return &cli.Command{
		Name:  "smartnic-emulator",
		Usage: "Serve the smartnic protocol with host memory, with the builtin \"copy\" and \"fill\" kernels",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "address",
				Value: fmt.Sprintf("localhost:%d", config.Default().Smartnic.Port),
				Usage: "Address to listen on",
			},
			&cli.Int64Flag{
				Name:  "max_buffer_size",
				Value: smartnic.DefaultMaxBufferSize,
				Usage: "Largest buffer a client can allocate",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
			defer cancel()
			l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", c.String("address"))
			if err != nil {
				return errors.Wrapf(err, "failed to listen on %q", c.String("address"))
			}
			server := smartnic.NewServer()
			server.MaxBufferSize = c.Int64("max_buffer_size")
			server.Register("copy", smartnic.CopyKernel)
			server.Register("fill", smartnic.FillKernel)
			return server.Serve(ctx, l)
		},
	}
}
