package main

import (
	"fmt"
	"os"
	"strconv"

	"nikand.dev/go/cli"

	"github.com/vecjit/vecjit/capi"
	"github.com/vecjit/vecjit/logx"
)

func main() {
	initCmd := &cli.Command{
		Name:        "init",
		Description: "init llvm|cuda|both [devices] — bring up the runtime and select the active stream",
		Action:      initAct,
		Args:        cli.Args{},
	}

	whosCmd := &cli.Command{
		Name:        "whos",
		Description: "print every live variable",
		Action:      whosAct,
		Args:        cli.Args{},
	}

	evalCmd := &cli.Command{
		Name:        "eval",
		Description: "drain the active stream's todo set",
		Action:      evalAct,
		Args:        cli.Args{},
	}

	shutdownCmd := &cli.Command{
		Name:        "shutdown",
		Description: "tear the runtime down, reporting any leaked variables or allocations",
		Action:      shutdownAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "vjitctl",
		Description: "vjitctl drives a vecjit runtime from the command line for smoke-testing and scripting",
		Commands: []*cli.Command{
			initCmd,
			whosCmd,
			evalCmd,
			shutdownCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func initAct(c *cli.Command) (err error) {
	llvm, cuda := true, false
	devices := 0

	for i, a := range c.Args {
		switch {
		case i == 0 && a == "cuda":
			llvm, cuda = false, true
		case i == 0 && a == "both":
			llvm, cuda = true, true
		case i == 0 && a == "llvm":
			llvm, cuda = true, false
		case i == 1:
			devices, err = strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("vjitctl: bad device count %q: %w", a, err)
			}
		}
	}

	if err := capi.Init(llvm, cuda, devices); err != nil {
		return err
	}
	if err := capi.DeviceSet(-1, 0); err != nil {
		return err
	}
	logx.Infof("vjitctl: runtime ready (llvm=%v cuda=%v devices=%d)", llvm, cuda, devices)
	return nil
}

func whosAct(c *cli.Command) (err error) {
	fmt.Print(capi.Whos())
	return nil
}

func evalAct(c *cli.Command) (err error) {
	return capi.Eval()
}

func shutdownAct(c *cli.Command) (err error) {
	return capi.Shutdown(false)
}
