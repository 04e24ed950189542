package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

const version = "tiler/v0.2.0"

var (
	hf         bool
	configPath string
	logLevel   string
)

// newFlagSet 命令行参数, -h -c -l
func newFlagSet(out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("tiler", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.BoolVar(&hf, "h", false, "this help")
	fs.StringVar(&configPath, "c", "./conf/conf.toml", "set config `file`")
	fs.StringVar(&logLevel, "l", "info", "set log `level` (trace, debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprintf(out, "tiler version: %s\nPrefetches a tile pyramid into a local cache.\nUsage: tiler [-h] [-c filename] [-l logLevel]\n", version)
		fs.PrintDefaults()
	}
	return fs
}

func InitFlag() {
	fs := newFlagSet(os.Stderr)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if hf {
		fs.Usage()
		os.Exit(0)
	}
}
