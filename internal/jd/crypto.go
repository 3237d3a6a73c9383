package jd

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	domainServer = "server"
	domainDevice = "device"
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// secret derives the per-domain account secret:
// SHA-256(email + password + lower(domain)).
func secret(email, password, domain string) []byte {
	sum := sha256.Sum256([]byte(email + password + strings.ToLower(domain)))
	return sum[:]
}

// deriveToken rotates an encryption token for a new session token:
// SHA-256(prev || bytes(sessionToken)). The relay issues session tokens as hex;
// anything that is not valid hex is hashed as raw text.
func deriveToken(prev []byte, sessionToken string) []byte {
	tok, err := hex.DecodeString(sessionToken)
	if err != nil {
		tok = []byte(sessionToken)
	}
	h := sha256.New()
	h.Write(prev)
	h.Write(tok)
	return h.Sum(nil)
}

// encrypt is AES-128-CBC with IV token[0:16] and key token[16:32], PKCS#7
// padded and Base64 encoded.
func encrypt(plaintext string, token []byte) (string, error) {
	block, iv, err := splitToken(token)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// decrypt reverses encrypt. Malformed Base64, ciphertext or padding all fail
// with CodeDecryptFailed.
func decrypt(ciphertext string, token []byte) (string, error) {
	block, iv, err := splitToken(token)
	if err != nil {
		return "", newError(CodeDecryptFailed, "No se pudo descifrar la respuesta de My.JDownloader.", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", newError(CodeDecryptFailed, "No se pudo descifrar la respuesta de My.JDownloader.", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", newError(CodeDecryptFailed, "No se pudo descifrar la respuesta de My.JDownloader.", errors.New("ciphertext is not a whole number of blocks"))
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", newError(CodeDecryptFailed, "No se pudo descifrar la respuesta de My.JDownloader.", err)
	}
	return string(plain), nil
}

// sign returns hex(HMAC-SHA256(key, data)).
func sign(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func splitToken(token []byte) (cipher.Block, []byte, error) {
	if len(token) != 32 {
		return nil, nil, errors.New("encryption token must be 32 bytes")
	}
	block, err := aes.NewCipher(token[16:32])
	if err != nil {
		return nil, nil, err
	}
	return block, token[:16], nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
