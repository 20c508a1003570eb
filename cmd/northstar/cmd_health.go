// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check coach service health",
	Run: func(cmd *cobra.Command, args []string) {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(serverURL + "/healthz")
		if err != nil {
			fmt.Printf("unreachable: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("unhealthy: %d %s\n", resp.StatusCode, body)
			os.Exit(1)
		}
		fmt.Printf("healthy: %s\n", body)
	},
}
