package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// cipherBody is the JSON object that replaces payload.body when the
// envelope is encrypted.
type cipherBody struct {
	Enc  string `json:"enc"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

const encScheme = "aes-256-cbc"

// EncryptBody replaces the payload body with an AES-256-CBC ciphertext
// object and sets payload.encrypted so the receiver knows to decrypt.
func EncryptBody(e *Envelope, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("encrypt body: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("encrypt body: generate iv: %w", err)
	}

	plain := pkcs7Pad([]byte(e.Payload.Body), aes.BlockSize)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)

	body, err := json.Marshal(cipherBody{
		Enc:  encScheme,
		IV:   hex.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(out),
	})
	if err != nil {
		return fmt.Errorf("encrypt body: %w", err)
	}
	e.Payload.Body = string(body)
	e.Payload.Encrypted = true
	return nil
}

// DecryptBody reverses EncryptBody in place. A no-op for envelopes that
// are not marked encrypted.
func DecryptBody(e *Envelope, key []byte) error {
	if !e.Payload.Encrypted {
		return nil
	}
	var cb cipherBody
	if err := json.Unmarshal([]byte(e.Payload.Body), &cb); err != nil {
		return fmt.Errorf("decrypt body: parse cipher object: %w", err)
	}
	if cb.Enc != encScheme {
		return fmt.Errorf("decrypt body: unsupported scheme %q", cb.Enc)
	}
	iv, err := hex.DecodeString(cb.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return fmt.Errorf("decrypt body: bad iv")
	}
	data, err := base64.StdEncoding.DecodeString(cb.Data)
	if err != nil {
		return fmt.Errorf("decrypt body: bad ciphertext: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return fmt.Errorf("decrypt body: ciphertext not block-aligned")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("decrypt body: %w", err)
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return fmt.Errorf("decrypt body: %w", err)
	}
	e.Payload.Body = string(plain)
	e.Payload.Encrypted = false
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
