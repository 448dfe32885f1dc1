//go:build !(linux && amd64)

package cmd

import "github.com/tinyrange/ukvm/internal/hv"

func printKVMInfo() error { return hv.ErrHypervisorUnsupported }
