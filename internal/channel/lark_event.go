package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const eventTypeMessageReceive = "im.message.receive_v1"

// encryptedEnvelope is the body Lark sends when an encrypt key is configured.
type encryptedEnvelope struct {
	Encrypt string `json:"encrypt"`
}

// eventEnvelope is the decoded callback body. Challenge fields are only set
// for url_verification handshakes; Header and Event only for real events.
type eventEnvelope struct {
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Type      string `json:"type"`

	Schema string       `json:"schema"`
	Header *eventHeader `json:"header"`
	Event  *messageBody `json:"event"`
}

type eventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	Token      string `json:"token"`
	CreateTime string `json:"create_time"`
	AppID      string `json:"app_id"`
}

type messageBody struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
		CreateTime  string `json:"create_time"`
	} `json:"message"`
}

// decryptEvent decrypts the base64 AES-256-CBC payload Lark wraps callbacks
// in. The cipher key is the SHA-256 of the configured encrypt key and the IV
// is the first block of the ciphertext.
func decryptEvent(encrypted, encryptKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted event: %w", err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted event has invalid length %d", len(raw))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := raw[:aes.BlockSize]
	data := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, raw[aes.BlockSize:])

	return pkcs7Unpad(data)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("corrupt padding")
		}
	}
	return data[:len(data)-pad], nil
}

// verifyEventSignature checks the X-Lark-Signature header:
// hex(sha256(timestamp + nonce + encryptKey + body)).
func verifyEventSignature(timestamp, nonce, encryptKey string, body []byte, signature string) bool {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// decodeEventBody turns a raw (possibly encrypted) callback body into an
// eventEnvelope.
func decodeEventBody(body []byte, encryptKey string) (*eventEnvelope, error) {
	var wrapper encryptedEnvelope
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Encrypt != "" {
		if encryptKey == "" {
			return nil, fmt.Errorf("received encrypted event but no encrypt key configured")
		}
		plain, err := decryptEvent(wrapper.Encrypt, encryptKey)
		if err != nil {
			return nil, err
		}
		body = plain
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &env, nil
}
