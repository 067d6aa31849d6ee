//go:build !linux

package logger

// isTerminal reports false on platforms without a terminal probe; deployments
// target Linux DCs, so color detection elsewhere is best-effort off.
func isTerminal(fd uintptr) bool {
	return false
}
