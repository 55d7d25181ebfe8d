// This package defines the account id type used throughout the client. An
// account id is a one-byte prefix followed by a 32-byte public key, carried as
// a lower-case hex string.
package ids

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Prefix for a standard account derived from an X25519 key.
	PrefixStandard byte = 0x05
	// Prefix for a per-community blinded alias key.
	PrefixBlinded byte = 0x15
	// Prefix for a new-protocol group identity derived from an ED25519 key.
	PrefixGroup byte = 0x03

	// length of a prefixed account id in hex characters
	hexLen = 66

	legacyGroupMarker = "__closed_group__!"
)

type AccountID = string

func FromKey(prefix byte, key []byte) (AccountID, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("ids: expected key of length 32, got %d", len(key))
	}
	return hex.EncodeToString(append([]byte{prefix}, key...)), nil
}

func KeyBytes(id AccountID) ([]byte, error) {
	if len(id) != hexLen {
		return nil, fmt.Errorf("ids: expected id of length %d, got %d", hexLen, len(id))
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return nil, err
	}
	return b[1:], nil
}

func HasPrefix(id AccountID, prefix byte) bool {
	if len(id) != hexLen {
		return false
	}
	b, err := hex.DecodeString(id[0:2])
	if err != nil {
		return false
	}
	return b[0] == prefix
}

func IsBlinded(id AccountID) bool {
	return HasPrefix(id, PrefixBlinded)
}

func IsGroup(id AccountID) bool {
	return HasPrefix(id, PrefixGroup)
}

func Valid(id AccountID) bool {
	if len(id) != hexLen {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// A legacy group is addressed by its double-encoded id: the group's public key
// hex is wrapped in a marker string and the whole thing hex-encoded again.
// Both encode directions are kept so records written by either form match.
func DoubleEncodeGroupID(groupPublicKey string) string {
	return hex.EncodeToString([]byte(legacyGroupMarker + groupPublicKey))
}

func DoubleDecodeGroupID(groupID string) (string, error) {
	b, err := hex.DecodeString(groupID)
	if err != nil {
		return "", fmt.Errorf("ids: malformed group id: %w", err)
	}
	s := string(b)
	if !strings.HasPrefix(s, legacyGroupMarker) {
		return "", fmt.Errorf("ids: group id missing marker")
	}
	return strings.TrimPrefix(s, legacyGroupMarker), nil
}

func IsLegacyGroupID(id string) bool {
	_, err := DoubleDecodeGroupID(id)
	return err == nil
}
