package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/johnson452/amrex/internal/asyncarray"
)

var deviceInfoCmd = &cobra.Command{
	Use:   "device",
	Short: "Show runtime and device information",
	Long: `Display which execution backend the runtime selected and, for
accelerated modes, the device, its memory, and the reclaim backend
chosen for deferred releases.`,
	RunE: runDeviceInfo,
}

func init() {
	rootCmd.AddCommand(deviceInfoCmd)
}

func runDeviceInfo(cmd *cobra.Command, args []string) error {
	rt, err := asyncarray.NewRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Configured mode: %s\n", cfg.Runtime.Mode)

	if !rt.Accelerated() {
		fmt.Println("Execution: host-only (no accelerator)")
		fmt.Println("Releases are synchronous; no deferred reclaim needed.")
		return nil
	}

	dev := rt.Device()
	fmt.Printf("Execution: accelerated\n")
	fmt.Printf("Device: %s (%s)\n", dev.Name(), dev.Type())
	fmt.Printf("Streams: %d\n", len(rt.Streams()))
	fmt.Printf("Reclaim backend: %s\n", rt.ReclaimBackend())

	used, total := dev.MemoryUsage()
	if total > 0 {
		fmt.Printf("Device memory: %.2f GB / %.2f GB (%.1f%%)\n",
			float64(used)/(1<<30), float64(total)/(1<<30),
			float64(used)/float64(total)*100)
	}
	return nil
}
