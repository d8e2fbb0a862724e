package commands

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnson452/amrex/internal/asyncarray"
)

var (
	stressIterations int
	stressElems      int
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Exercise construct/release cycles against the runtime",
	Long: `Repeatedly construct arrays from host data, read them back, and
release them, reporting arena reuse and deferred-release counts. Useful
for validating a backend and for watching arena behavior under churn.`,
	RunE: runStress,
}

func init() {
	stressCmd.Flags().IntVarP(&stressIterations, "iterations", "n", 1000, "construct/release cycles")
	stressCmd.Flags().IntVarP(&stressElems, "elements", "e", 4096, "elements per array")
	rootCmd.AddCommand(stressCmd)
}

func runStress(cmd *cobra.Command, args []string) error {
	rt, err := asyncarray.NewRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	src := make([]float64, stressElems)
	for i := range src {
		src[i] = rand.Float64()
	}
	dst := make([]float64, stressElems)

	start := time.Now()
	for i := 0; i < stressIterations; i++ {
		a := asyncarray.New(rt, src)
		if i%16 == 0 {
			// Occasionally read back to keep transfers honest
			a.CopyToHost(dst)
			if dst[0] != src[0] {
				return fmt.Errorf("round-trip mismatch at iteration %d", i)
			}
		}
		a.Release()
	}
	// Let deferred frees settle before inspecting the arenas
	for _, s := range rt.Streams() {
		if err := s.Synchronize(); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("%d cycles of %d elements in %v (%.0f cycles/s)\n",
		stressIterations, stressElems, elapsed,
		float64(stressIterations)/elapsed.Seconds())

	ps := rt.PinnedArena().Stats()
	fmt.Printf("pinned arena: %d allocs, %d reuses, %d evictions\n",
		ps.Allocations, ps.Reuses, ps.Evictions)
	if da := rt.DeviceArena(); da != nil {
		ds := da.Stats()
		fmt.Printf("device arena: %d allocs, %d reuses, %d evictions\n",
			ds.Allocations, ds.Reuses, ds.Evictions)
	}

	mfs, err := rt.Metrics().Registry().Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if mf.GetName() == "amrex_deferred_releases_total" {
			for _, m := range mf.GetMetric() {
				fmt.Printf("deferred releases executed: %.0f\n", m.GetCounter().GetValue())
			}
		}
	}
	return nil
}
