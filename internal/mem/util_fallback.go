//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// buffers are still wiped after use, but paging cannot be prevented here
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
