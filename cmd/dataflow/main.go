// Command dataflow loads a pipeline definition, validates it and runs it,
// either standalone or as one worker of a partitioned cluster.
//
//	dataflow -config orders.json -param DAY=2024-01-01
//	dataflow -config orders.json -workers w1,w2 -distribution-out dist.xml
//	dataflow -config orders.json -worker w1 -distribution dist.xml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stderr); err != nil {
		stop()
		fatalf("%v", err)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
