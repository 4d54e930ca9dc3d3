package main

import (
	"fmt"

	"github.com/syslab-wm/mu"
	"github.com/syslab-wm/tgdh"
)

func main() {
	var err error

	opts := parseOptions()

	params := tgdh.DefaultParams()
	if opts.bits > 0 {
		params, err = tgdh.GenerateParams(opts.bits, nil)
		if err != nil {
			mu.Fatalf("failed to generate parameters: %v", err)
		}
	}

	err = tgdh.WriteParamsToFile(params, opts.paramsFile, opts.encoding)
	if err != nil {
		mu.Fatalf("failed to write parameters: %v", err)
	}

	fmt.Printf("wrote %d-bit group to %s\n", params.P.BitLen(), opts.paramsFile)
}
