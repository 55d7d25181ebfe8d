package bencode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeShape(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Content   []byte `bencode:"c"`
		Hash      []byte `bencode:"h"`
		Timestamp uint64 `bencode:"ts"`
		Source    string `bencode:"src"`
	}{}
	buf := []byte("d1:c10:01234567891:h4:01233:src10:abcdefghij2:tsi1234ee")
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.Equal(uint64(1234), obj.Timestamp)
	require.Equal([]byte("0123456789"), obj.Content)
	require.Equal([]byte("0123"), obj.Hash)
	require.Equal("abcdefghij", obj.Source)
}

func TestDecodeMap(t *testing.T) {
	require := require.New(t)

	obj := make(map[string]string)
	buf := []byte("d10:abcdefghij10:abcdefghije")
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.Equal("abcdefghij", obj["abcdefghij"])
}

func TestOutOfOrderDictionary(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Content []byte `bencode:"c"`
		Hash    []byte `bencode:"h"`
		Source  string `bencode:"s"`
	}{}
	buf := []byte("d1:h4:01231:c10:01234567891:s4:1234e")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}

func TestMissingKey(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Content []byte `bencode:"c"`
		Hash    []byte `bencode:"h"`
		Source  string `bencode:"s"`
	}{}
	buf := []byte("d1:c10:01234567891:s4:1234e")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}

func TestDecodeListOfStruct(t *testing.T) {
	require := require.New(t)
	type wrapper struct {
		PublicKey string `bencode:"a"`
		Encrypted string `bencode:"b"`
	}
	obj := struct {
		Wrappers []wrapper `bencode:"w"`
	}{}
	buf := []byte(strings.Replace("d 1:w l d 1:a 5:abcde 1:b 6:abcabc e d 1:a 5:efghi 1:b 6:cbacba e e e", " ", "", -1))
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.Equal("abcde", obj.Wrappers[0].PublicKey)
	require.Equal("cbacba", obj.Wrappers[1].Encrypted)
}

func TestDecodeRoundTrip(t *testing.T) {
	require := require.New(t)
	type payload struct {
		Data     [][]byte `bencode:"d"`
		ServerID []int64  `bencode:"i"`
		Hashes   []string `bencode:"h"`
	}
	in := payload{
		Data:     [][]byte{[]byte("one"), []byte("two")},
		ServerID: []int64{-1, 42},
		Hashes:   []string{"", "abc"},
	}
	buf, err := Serialize(&in)
	require.Nil(err)
	out := payload{}
	require.Nil(Deserialize(buf, &out))
	require.Equal(in, out)
}

func TestNumberOverflow(t *testing.T) {
	require := require.New(t)
	obj := struct {
		Timestamp int64 `bencode:"t"`
	}{}
	buf := []byte("d1:ti9223372036854775808ee")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}
