// Command fraudguard prepares transaction data, trains and evaluates the
// isolation-forest fraud detector, scores new transactions and summarizes the
// monitoring inputs.
//
// Usage:
//
//	fraudguard preprocess            # split, scale and persist the raw dataset
//	fraudguard train                 # fit, evaluate and track the model
//	fraudguard run                   # preprocess then train
//	fraudguard score <file.csv>      # append predictions to the live log
//	fraudguard monitor               # summarize the live log and drift report
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fraudguard:", err)
		cancel()
		os.Exit(1)
	}
}
