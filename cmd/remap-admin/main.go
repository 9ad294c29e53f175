package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/amigatomte/dm-remap-go"
)

type rootParameters struct {
	MainDevice  string `short:"m" long:"main" description:"Path of the main block device" required:"true"`
	SpareDevice string `short:"s" long:"spare" description:"Path of the spare block device" required:"true"`
	Positional  struct {
		Command []string `positional-arg-name:"command"`
	} `positional-args:"yes" required:"yes"`
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

	target, err := remap.OpenUnlabeled(mainDev, spareDev)
	log.PanicIf(err)

	line := strings.Join(rootArguments.Positional.Command, " ")

	resp := target.Dispatch(context.Background(), line)

	err = target.Close(context.Background())
	log.PanicIf(err)

	fmt.Println(resp)

	if !strings.HasPrefix(resp, "ok") {
		os.Exit(1)
	}
}
