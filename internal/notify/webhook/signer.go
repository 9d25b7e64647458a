package webhook

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// sign computes the hex HMAC of the canonical JSON body. The signature
// always covers the JSON representation, even when the wire format is
// form or XML, so receivers verify against one stable byte sequence.
func sign(secret, algorithm string, canonicalJSON []byte) (string, error) {
	var constructor func() hash.Hash
	switch algorithm {
	case AlgSHA256:
		constructor = sha256.New
	case AlgSHA512:
		constructor = sha512.New
	case AlgMD5:
		constructor = md5.New
	default:
		return "", fmt.Errorf("webhook: unsupported signature algorithm %q", algorithm)
	}

	mac := hmac.New(constructor, []byte(secret))
	mac.Write(canonicalJSON)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
