package params

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"
)

// Consensus PoW parameters. Changing any of these changes the fingerprint
// and splits the network, which is the point: nodes disagreeing on them
// would otherwise fork silently.
const (
	PowAlgorithm = "argon2id"

	PowMemoryKiB uint32 = 64 * 1024
	PowTime      uint32 = 1
	PowThreads   uint8  = 1
	PowKeyLen    uint32 = 32

	// PowMessageVersion is the layout version of the header bytes fed to
	// the PoW hash.
	PowMessageVersion uint32 = 1

	// PowMagic prefixes the PoW message bytes.
	PowMagic = "VPOW"
)

var (
	powFingerprintOnce sync.Once
	powFingerprint     [32]byte
)

// PowParamsHash returns the SHA3-256 fingerprint of the PoW parameters.
func PowParamsHash() [32]byte {
	powFingerprintOnce.Do(func() {
		s := fmt.Sprintf("%s;m=%d;t=%d;p=%d;len=%d;msg=%d;magic=%s",
			PowAlgorithm, PowMemoryKiB, PowTime, PowThreads, PowKeyLen, PowMessageVersion, PowMagic)
		powFingerprint = sha3.Sum256([]byte(s))
	})
	return powFingerprint
}
