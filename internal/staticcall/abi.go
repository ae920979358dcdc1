// Package staticcall builds and checks the byte layout the matching protocol
// uses to read a cached predicate result.
//
// The protocol calls a fixed entry point with a target address and inner
// calldata. The inner calldata selects the predicate read function with the
// predicate id as its only argument:
//
//	entry:  arbitraryStaticCall(address,bytes)   selector 0xbf15fcd8
//	read:   checkPredicate(bytes32) -> uint256    selector 0xb4b26c0f
//
// Both signatures are fixed for the lifetime of a deployment.
package staticcall

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/roach88/predcache/internal/ir"
)

// WordSize is the ABI word size.
const WordSize = 32

// Canonical function signatures.
const (
	EntrySignature = "arbitraryStaticCall(address,bytes)"
	ReadSignature  = "checkPredicate(bytes32)"
)

var (
	// EntrySelector selects the two-argument static-call entry point.
	EntrySelector = Selector(EntrySignature)

	// ReadSelector selects the predicate read function.
	ReadSelector = Selector(ReadSignature)
)

// ErrMalformedCalldata is wrapped by every decoding failure.
var ErrMalformedCalldata = errors.New("malformed calldata")

// Selector returns the first four bytes of the Keccak-256 of a signature.
func Selector(signature string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	var sel [4]byte
	copy(sel[:], h.Sum(nil))
	return sel
}

// EncodeReadCall returns the inner calldata reading predicate id.
func EncodeReadCall(id ir.PredicateID) []byte {
	out := make([]byte, 0, 4+WordSize)
	out = append(out, ReadSelector[:]...)
	return append(out, id[:]...)
}

// DecodeReadCall parses inner calldata produced by EncodeReadCall.
func DecodeReadCall(inner []byte) (ir.PredicateID, error) {
	var id ir.PredicateID
	if len(inner) != 4+WordSize {
		return id, fmt.Errorf("%w: read call is %d bytes, want %d", ErrMalformedCalldata, len(inner), 4+WordSize)
	}
	if !bytes.Equal(inner[:4], ReadSelector[:]) {
		return id, fmt.Errorf("%w: read selector 0x%x, want 0x%x", ErrMalformedCalldata, inner[:4], ReadSelector)
	}
	copy(id[:], inner[4:])
	return id, nil
}

// EncodeStaticCall returns the entry selector followed by the ABI tuple
// encoding of (target, inner) with its leading 32-byte offset word removed.
// The result is the standard calldata of arbitraryStaticCall(target, inner).
func EncodeStaticCall(target Address, inner []byte) []byte {
	tuple := encodeTuple(target, inner)
	out := make([]byte, 0, 4+len(tuple)-WordSize)
	out = append(out, EntrySelector[:]...)
	return append(out, tuple[WordSize:]...)
}

// encodeTuple is abi.encode((address,bytes)): an offset word pointing at the
// tuple, then the tuple head (address, offset of bytes) and tail (length,
// data right-padded to a word boundary).
func encodeTuple(target Address, inner []byte) []byte {
	padded := (len(inner) + WordSize - 1) / WordSize * WordSize
	out := make([]byte, 4*WordSize+padded)

	putUint(out[0:WordSize], WordSize)
	copy(out[2*WordSize-AddressLength:2*WordSize], target[:])
	putUint(out[2*WordSize:3*WordSize], 2*WordSize)
	putUint(out[3*WordSize:4*WordSize], uint64(len(inner)))
	copy(out[4*WordSize:], inner)
	return out
}

// DecodeStaticCall validates calldata for the entry point and returns its
// arguments. Address padding, the bytes offset, the length, and the zero
// padding after the data are all checked; trailing bytes are rejected.
func DecodeStaticCall(calldata []byte) (Address, []byte, error) {
	var target Address
	if len(calldata) < 4+3*WordSize {
		return target, nil, fmt.Errorf("%w: %d bytes is shorter than the minimum %d", ErrMalformedCalldata, len(calldata), 4+3*WordSize)
	}
	if !bytes.Equal(calldata[:4], EntrySelector[:]) {
		return target, nil, fmt.Errorf("%w: entry selector 0x%x, want 0x%x", ErrMalformedCalldata, calldata[:4], EntrySelector)
	}
	args := calldata[4:]
	if (len(args) % WordSize) != 0 {
		return target, nil, fmt.Errorf("%w: argument area is not word aligned", ErrMalformedCalldata)
	}

	addrWord := args[:WordSize]
	if !allZero(addrWord[:WordSize-AddressLength]) {
		return target, nil, fmt.Errorf("%w: address word has dirty high bytes", ErrMalformedCalldata)
	}
	copy(target[:], addrWord[WordSize-AddressLength:])

	offset, ok := readUint(args[WordSize : 2*WordSize])
	if !ok || offset != 2*WordSize {
		return target, nil, fmt.Errorf("%w: bytes offset must be 0x%x", ErrMalformedCalldata, 2*WordSize)
	}

	length, ok := readUint(args[2*WordSize : 3*WordSize])
	if !ok {
		return target, nil, fmt.Errorf("%w: bytes length overflows", ErrMalformedCalldata)
	}
	data := args[3*WordSize:]
	padded := (length + WordSize - 1) / WordSize * WordSize
	if uint64(len(data)) != padded {
		return target, nil, fmt.Errorf("%w: bytes length %d needs %d data bytes, have %d", ErrMalformedCalldata, length, padded, len(data))
	}
	if !allZero(data[length:]) {
		return target, nil, fmt.Errorf("%w: non-zero padding after bytes", ErrMalformedCalldata)
	}

	inner := make([]byte, length)
	copy(inner, data[:length])
	return target, inner, nil
}

// EncodeUint256 returns v as a big-endian 32-byte word.
func EncodeUint256(v uint64) [WordSize]byte {
	var w [WordSize]byte
	putUint(w[:], v)
	return w
}

func putUint(word []byte, v uint64) {
	binary.BigEndian.PutUint64(word[WordSize-8:], v)
}

// readUint reads a word that must fit in 32 bits.
func readUint(word []byte) (uint64, bool) {
	if !allZero(word[:WordSize-4]) {
		return 0, false
	}
	return uint64(binary.BigEndian.Uint32(word[WordSize-4:])), true
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
