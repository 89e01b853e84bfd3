package workload

import "fmt"

// ptr formats an address like the console's %p.
func ptr(a uint64) string {
	return fmt.Sprintf("0x%016x", a)
}
