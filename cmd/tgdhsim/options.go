package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/syslab-wm/mu"
	"github.com/syslab-wm/tgdh"
)

const shortUsage = "tgdhsim [options] CONFIG_FILE"

const usage = `tgdhsim [options] CONFIG_FILE

Simulate a hierarchical TGDH group: every member in CONFIG_FILE joins in
order, the members named by -leave then leave, and each member's level key
and group key are printed.

positional arguments:
  CONFIG_FILE
    The config file has one line per group member.  Each line consists of
    two whitespace-separated fields:

      NAME LEVEL

    where,
      NAME:
        The member's name (e.g., alice)

      LEVEL:
        The member's hierarchy level, a positive integer.

    Empty lines are ignored, as are lines that start with a '#'.

options:
  -params PARAMS_FILE
    A parameters file, as written by genparams.  If omitted, the built-in
    2048-bit group is used.

  -inform der|pem      (default: pem)
    The encoding of PARAMS_FILE.

  -leave NAME[,NAME...]
    Members that leave after everyone has joined, in order.

  -out-dir OUT_DIR
    If provided, write each remaining member's key pair and tree snapshots,
    and the last key update message, to OUT_DIR.  The program creates
    OUT_DIR if it does not exist.

  -log-level error|warn|info|debug   (default: info)
    The logging level.

example:
    ./tgdhsim -params group.der -inform der -leave bob -out-dir group.d group.cfg`

func printUsage() {
	fmt.Println(usage)
}

type options struct {
	// positional
	configFile string

	// options
	paramsFile string
	inform     string
	encoding   tgdh.KeyEncoding // derived from inform
	leave      []tgdh.MemberID
	outDir     string
	logLevel   string
}

func parseOptions() *options {
	var err error
	var leave string

	opts := options{}

	flag.Usage = printUsage
	flag.StringVar(&opts.paramsFile, "params", "", "")
	flag.StringVar(&opts.inform, "inform", "pem", "")
	flag.StringVar(&leave, "leave", "", "")
	flag.StringVar(&opts.outDir, "out-dir", "", "")
	flag.StringVar(&opts.logLevel, "log-level", "info", "")
	flag.Parse()

	opts.inform = strings.ToLower(opts.inform)
	opts.encoding, err = tgdh.StringToKeyEncoding(opts.inform)
	if err != nil {
		mu.Fatalf("error: %v", err)
	}

	if flag.NArg() != 1 {
		mu.Fatalf(shortUsage)
	}
	opts.configFile = flag.Arg(0)

	for _, name := range strings.Split(leave, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			opts.leave = append(opts.leave, tgdh.MemberID(name))
		}
	}

	return &opts
}
