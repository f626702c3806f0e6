// Package wallet verifies Ethereum-style wallet signatures used to
// authenticate users. A client signs a challenge message containing a unix
// millisecond timestamp; the server recovers the signer address and compares
// it to the claimed one.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// MaxChallengeAge is how old an embedded challenge timestamp may be before
// the signature is rejected as stale.
const MaxChallengeAge = 5 * time.Minute

var (
	// ErrInvalidSignature indicates the signature is malformed or was not
	// produced by the claimed address.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrChallengeExpired indicates the embedded challenge timestamp is
	// older than MaxChallengeAge. The signature must be re-signed; there
	// is no retry.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrMalformedChallenge indicates the challenge message carries no
	// parseable timestamp.
	ErrMalformedChallenge = errors.New("malformed challenge message")
)

// keccak256 returns the legacy Keccak-256 digest used by Ethereum.
func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// hashPersonalMessage applies the personal_sign envelope before hashing, so
// signatures over arbitrary text can never collide with transaction
// signatures.
func hashPersonalMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return keccak256([]byte(prefix), []byte(message))
}

// RecoverAddress recovers the 0x-prefixed signer address from a personal_sign
// signature. The signature is 65 hex-encoded bytes, r || s || v, with v in
// {0, 1, 27, 28}.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return "", ErrInvalidSignature
	}

	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", ErrInvalidSignature
	}

	// RecoverCompact wants the header byte first.
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hashPersonalMessage(message))
	if err != nil {
		return "", ErrInvalidSignature
	}

	// Address is the last 20 bytes of keccak256 over the uncompressed
	// public key without its 0x04 tag.
	digest := keccak256(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(digest[12:]), nil
}

// Verify reports whether signature over message was produced by address.
// Address comparison is case-insensitive; checksummed and lowercase forms
// of the same address both pass.
func Verify(address, message, signature string) bool {
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, address)
}

// ChallengeTimestamp extracts the unix millisecond timestamp embedded at the
// end of a challenge message of the form "<text>: <millis>".
func ChallengeTimestamp(message string) (int64, error) {
	idx := strings.LastIndex(message, ": ")
	if idx < 0 {
		return 0, ErrMalformedChallenge
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(message[idx+2:]), 10, 64)
	if err != nil {
		return 0, ErrMalformedChallenge
	}
	return ms, nil
}

// Fresh reports whether a challenge timestamp is within MaxChallengeAge of
// now.
func Fresh(challengeMillis int64, now time.Time) bool {
	age := now.UnixMilli() - challengeMillis
	return age <= MaxChallengeAge.Milliseconds()
}

// ShortName derives the display username for a wallet address: the first six
// and last four characters joined by an ellipsis, e.g. "0x1a2b...9f0e".
func ShortName(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}
