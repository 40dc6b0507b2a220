//go:build !linux

package main

import "github.com/spf13/cobra"

// AF_XDP is Linux only.
func addXDPCommand(root *cobra.Command) {}
