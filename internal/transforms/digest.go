package transforms

import (
	"crypto/md5"
	"crypto/sha1"
)

// Digest transformations produce the raw digest bytes. Chain hexEncode
// after them for a printable form.

func md5Sum(b []byte) ([]byte, error) {
	sum := md5.Sum(b)
	return sum[:], nil
}

func sha1Sum(b []byte) ([]byte, error) {
	sum := sha1.Sum(b)
	return sum[:], nil
}
