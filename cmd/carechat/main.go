// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command carechat is a terminal client for the care assistant chat API.
package main

import (
	"os"
	"syscall"

	"github.com/awnumar/memguard"
)

func main() {
	// The API token lives in a memguard enclave; wipe it on termination.
	memguard.CatchSignal(func(os.Signal) {}, syscall.SIGTERM, syscall.SIGHUP)
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		memguard.Purge()
		os.Exit(1)
	}
}
