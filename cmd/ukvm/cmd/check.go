package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyrange/ukvm/internal/hv/factory"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check KVM support on this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := printKVMInfo(); err != nil {
			fmt.Printf("kvm support: error: %v\n", err)
			exitCode = 1
			return nil
		}

		h, err := factory.Open()
		if err != nil {
			fmt.Printf("hypervisor: error: %v\n", err)
			exitCode = 1
			return nil
		}
		defer h.Close()
		fmt.Printf("hypervisor: ok (%s)\n", h.Architecture())
		return nil
	},
}
