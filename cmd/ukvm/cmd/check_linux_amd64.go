package cmd

import (
	"fmt"

	"github.com/tinyrange/ukvm/internal/hv/kvm"
)

func printKVMInfo() error {
	version, slots, guestDebug, err := kvm.APIVersion()
	if err != nil {
		return err
	}
	fmt.Printf("kvm api version: %d\n", version)
	fmt.Printf("memory slots: %d\n", slots)
	fmt.Printf("guest debugging: %v\n", guestDebug)
	return nil
}
