package mem

// ProtectionLevel indicates how well the process can keep key material out of swap
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Best effort: buffers are wiped, pages may still swap
	ProtectionFull                           // All current and future pages are locked in RAM
)

func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionFull:
		return "Full - process memory locked"
	case ProtectionPartial:
		return "Partial - sensitive buffers wiped, memory may be swapped"
	default:
		return "None - sensitive data may be swapped to disk"
	}
}

// Lock attempts to prevent sensitive data from being swapped to disk.
// Returns the protection level achieved and any error encountered.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	return unlockMemoryPlatform()
}
