package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/syslab-wm/mu"
	"github.com/syslab-wm/tgdh"
)

const shortUsage = "Usage: genparams [options] PARAMS_FILE"
const usage = `Usage: genparams [options] PARAMS_FILE

Generate Diffie-Hellman group parameters for a TGDH group.

positional arguments:
  PARAMS_FILE
    The output file for the parameters (the prime modulus and the generator).

options:
  -h, -help
    Show this usage statement and exit.

  -bits N              (default: 0)
    Generate a fresh safe prime of N bits (p = 2q+1, generator 4).  With 0,
    the built-in 2048-bit MODP group from RFC 3526 is written instead.
    Generating large safe primes is slow.

  -outform der|pem     (default: pem)
    The encoding for the parameters file.

examples:
    # write the built-in group
  ./genparams group.pem

    # generate a small group for testing
  ./genparams -bits 256 -outform der test-group.der`

type options struct {
	// positional
	paramsFile string

	// optional
	bits     int
	outform  string
	encoding tgdh.KeyEncoding // derived from outform
}

func printUsage() {
	fmt.Println(usage)
}

func parseOptions() *options {
	var err error

	opts := options{}

	flag.Usage = printUsage
	flag.IntVar(&opts.bits, "bits", 0, "")
	flag.StringVar(&opts.outform, "outform", "pem", "")
	flag.Parse()

	if opts.bits < 0 {
		mu.Fatalf("error: -bits must be non-negative")
	}

	opts.outform = strings.ToLower(opts.outform)
	opts.encoding, err = tgdh.StringToKeyEncoding(opts.outform)
	if err != nil {
		mu.Fatalf("error: %v", err)
	}

	if flag.NArg() != 1 {
		mu.Fatalf(shortUsage)
	}
	opts.paramsFile = flag.Arg(0)

	return &opts
}
