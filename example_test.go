package ukvm_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/ukvm"
)

func ExampleRun() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	code, err := ukvm.Run(ctx, "hello_world",
		ukvm.WithMemoryMB(64),
		ukvm.WithCPUs(2),
		ukvm.WithArgs("--verbose"),
	)
	if errors.Is(err, ukvm.ErrHypervisorUnavailable) {
		fmt.Println("kvm is not available")
		return
	}
	if err != nil {
		fmt.Println("run failed:", err)
	}
	fmt.Println("guest exited with", code)
}

func ExampleNewFromConfig() {
	cfg, err := ukvm.LoadConfig("ukvm.yaml")
	if err != nil {
		fmt.Println(err)
		return
	}
	inst, err := ukvm.NewFromConfig(cfg, ukvm.WithOutput("buffer"))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer inst.Close()

	if _, err := inst.Run(context.Background()); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Print(inst.Output())
}
