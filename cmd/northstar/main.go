// Copyright (C) 2025 Northstar Labs (eng@northstar.coach)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "northstar",
	Short: "Northstar coaching service CLI",
	Long:  "Command line client for the Northstar coach service: interactive coaching sessions and service health checks.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("NORTHSTAR_SERVER", "http://localhost:12310"), "Coach service base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("NORTHSTAR_TOKEN"), "Bearer token")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(healthCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
