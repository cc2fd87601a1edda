// Package encryption seals blob bytes at rest. Every sealed stream starts
// with a random IV followed by the AES-256-CTR keystream XOR of the plaintext.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Method enumerates supported encryption algorithms.
type Method string

const (
	// MethodNone stores bytes as-is.
	MethodNone Method = "none"
	// MethodAES256CTR prefixes a random IV and streams AES-256 in CTR mode.
	MethodAES256CTR Method = "aes-256-ctr"
)

// Options describes how blobs are sealed.
type Options struct {
	Method Method
	Key    []byte
}

// AES256CTR returns options for the only supported cipher.
func AES256CTR(key []byte) Options {
	return Options{Method: MethodAES256CTR, Key: key}
}

// ParseKey decodes a hex-encoded 32-byte key.
func ParseKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, errors.New("encryption: key missing")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("encryption: key must be 32 bytes of hex")
	}
	return key, nil
}

// Enabled reports whether encryption should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256CTR:
		if len(o.Key) != 32 {
			return fmt.Errorf("encryption: aes-256-ctr requires 32-byte key, got %d", len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// Overhead returns the number of header bytes a sealed stream carries.
func (o Options) Overhead() int64 {
	if o.Method == MethodAES256CTR {
		return aes.BlockSize
	}
	return 0
}

// WrapWriter returns a writer that seals everything written to it into dst.
// The returned int64 is the number of header bytes already written to dst.
func (o Options) WrapWriter(dst io.Writer) (io.Writer, int64, error) {
	if err := o.Validate(); err != nil {
		return nil, 0, err
	}
	if !o.Enabled() {
		return dst, 0, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, 0, fmt.Errorf("encryption: iv: %w", err)
	}
	stream, err := newStream(o.Key, iv)
	if err != nil {
		return nil, 0, err
	}
	if _, err := dst.Write(iv); err != nil {
		return nil, 0, err
	}
	return &cipher.StreamWriter{S: stream, W: dst}, int64(len(iv)), nil
}

// WrapReader consumes the header from src and returns a reader of plaintext.
func (o Options) WrapReader(src io.Reader) (io.Reader, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if !o.Enabled() {
		return src, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, fmt.Errorf("encryption: sealed blob missing IV: %w", err)
	}
	stream, err := newStream(o.Key, iv)
	if err != nil {
		return nil, err
	}
	return &cipher.StreamReader{S: stream, R: src}, nil
}

func newStream(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}
