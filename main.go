package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// The summary explaining an incomplete sync is already printed.
		if errors.Is(err, errSyncIncomplete) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
