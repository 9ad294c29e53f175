package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/amigatomte/dm-remap-go"
)

type rootParameters struct {
	MainDevice    string `short:"m" long:"main" description:"Path of the main block device" required:"true"`
	SpareDevice   string `short:"s" long:"spare" description:"Path of the spare block device" required:"true"`
	LogicalStart  uint64 `short:"o" long:"logical-start" description:"First logical sector exposed on the main device"`
	LogicalLength uint64 `short:"l" long:"logical-length" description:"Number of logical sectors exposed" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	mainDev, err := remap.NewFileBlockDevice(rootArguments.MainDevice)
	log.PanicIf(err)

	defer mainDev.Close()

	spareDev, err := remap.OpenSpareDevice(rootArguments.SpareDevice)
	log.PanicIf(err)

	defer spareDev.Close()

	cfg := remap.DefaultConfig(rootArguments.LogicalStart, rootArguments.LogicalLength)

	target, err := remap.NewTarget(cfg, mainDev, spareDev)
	log.PanicIf(err)

	err = target.Close(context.Background())
	log.PanicIf(err)

	fmt.Printf("created remap target: logical=[%d, %d)\n", cfg.LogicalStart, cfg.LogicalStart+cfg.LogicalLength)
}
