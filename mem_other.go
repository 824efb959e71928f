//go:build !linux && !windows

package detourgo

// clampReadable has no cheap mapping query on this platform; the full window
// is attempted and a target flush against the end of its segment is the
// caller's risk to manage.
func clampReadable(_ uintptr, n int) int {
	return n
}
