package wecom

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Crypto verifies and decrypts WeCom webhook callbacks. Callback bodies are
// AES-256-CBC encrypted with a shared key and authenticated with a SHA-1
// signature over the callback token, timestamp, nonce, and ciphertext.
type Crypto struct {
	token     string
	aesKey    []byte
	receiveID string
}

// NewCrypto creates callback crypto from the callback token, the 43-char
// EncodingAESKey, and the corp id the callbacks are addressed to.
func NewCrypto(token, encodingAESKey, receiveID string) (*Crypto, error) {
	if token == "" {
		return nil, fmt.Errorf("callback token not set")
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("invalid encoding aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encoding aes key must decode to 32 bytes, got %d", len(key))
	}
	return &Crypto{token: token, aesKey: key, receiveID: receiveID}, nil
}

// Signature computes the callback signature over the token, timestamp,
// nonce, and ciphertext, sorted lexicographically as the platform requires.
func (c *Crypto) Signature(timestamp, nonce, encrypted string) string {
	parts := []string{c.token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return fmt.Sprintf("%x", sum)
}

// VerifyURL handles the callback-URL echo verification handshake, returning
// the decrypted echo string to hand back to the platform.
func (c *Crypto) VerifyURL(signature, timestamp, nonce, echostr string) (string, error) {
	plain, err := c.DecryptMessage(signature, timestamp, nonce, echostr)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// DecryptMessage checks the signature and decrypts a callback ciphertext,
// returning the inner plaintext payload.
func (c *Crypto) DecryptMessage(signature, timestamp, nonce, encrypted string) ([]byte, error) {
	want := c.Signature(timestamp, nonce, encrypted)
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return nil, fmt.Errorf("callback signature mismatch")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("invalid callback ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("callback ciphertext length %d not a block multiple", len(ciphertext))
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}

	// Layout: 16 random bytes | 4-byte big-endian length | payload | receive id.
	if len(plain) < 20 {
		return nil, fmt.Errorf("callback plaintext too short")
	}
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, fmt.Errorf("callback payload length out of range")
	}
	payload := plain[20 : 20+msgLen]
	gotID := string(plain[20+msgLen:])
	if c.receiveID != "" && gotID != c.receiveID {
		return nil, fmt.Errorf("callback addressed to %q, expected %q", gotID, c.receiveID)
	}
	return payload, nil
}

// EncryptMessage produces a callback-format ciphertext for the payload.
// The engine never sends encrypted callbacks; this exists for the echo
// handshake in tests and for exercising the decrypt path.
func (c *Crypto) EncryptMessage(payload []byte) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("failed to generate random prefix: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(random)
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf.Write(lenBytes[:])
	buf.Write(payload)
	buf.WriteString(c.receiveID)

	plain := pkcs7Pad(buf.Bytes(), aes.BlockSize)

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	ciphertext := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(ciphertext, plain)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > aes.BlockSize*2 || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	return data[:len(data)-pad], nil
}
