package groups

import (
	"github.com/Oligofornet/session-android/bencode"
	"github.com/Oligofornet/session-android/crypto"
	"github.com/Oligofornet/session-android/ids"
	"github.com/Oligofornet/session-android/protocol"
)

func encodeKeyPair(kp *protocol.KeyPair) ([]byte, error) {
	return bencode.Serialize(kp)
}

func decodeKeyPair(b []byte, kp *protocol.KeyPair) error {
	return bencode.Deserialize(b, kp)
}

// wrapKeyPair seals one copy of the key pair per member.
func wrapKeyPair(kp *protocol.KeyPair, members []ids.AccountID) ([]protocol.KeyPairWrapper, error) {
	plaintext, err := encodeKeyPair(kp)
	if err != nil {
		return nil, err
	}
	wrappers := make([]protocol.KeyPairWrapper, 0, len(members))
	for _, member := range members {
		key, err := ids.KeyBytes(member)
		if err != nil {
			return nil, err
		}
		enc, err := crypto.WrapForMember(plaintext, key)
		if err != nil {
			return nil, err
		}
		wrappers = append(wrappers, protocol.KeyPairWrapper{PublicKey: member, EncryptedKeyPair: enc})
	}
	return wrappers, nil
}
