package tokencache

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"go.pilab.hu/authgw/providers"
)

const tempKeyLength = 48

// KeyForUser derives the permanent cache key for one (subject, provider)
// credential.
func KeyForUser(sub string, kind providers.Kind) string {
	return fmt.Sprintf("cache_%s_%s", sub, kind.CacheSuffix())
}

// UserKeyPrefix is the prefix under which all of a subject's credentials
// live. Used to evict everything on logout.
func UserKeyPrefix(sub string) string {
	return fmt.Sprintf("cache_%s_", sub)
}

// KeyForCLI derives the key of a CLI handshake record. The cli nonce never
// hits the store in the clear.
func KeyForCLI(cliNonce, serverNonce string) string {
	hash := sha256.Sum256([]byte(cliNonce))
	return fmt.Sprintf("cli_%s_%s", hex.EncodeToString(hash[:]), serverNonce)
}

// TempKey generates the random 48-lowercase-character key used for the
// in-flight credential before the subject is known. The sequencer migrates
// the entry to the permanent key once the identity step establishes the
// subject.
func TempKey() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, tempKeyLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", fmt.Errorf("failed to generate temporary cache key: %w", err)
		}
		buf[i] = letters[n.Int64()]
	}
	return string(buf), nil
}
