package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

// encryptEvent mirrors the platform side: PKCS7 pad, AES-256-CBC with a
// random IV prepended, base64 encode.
func encryptEvent(t *testing.T, plaintext, encryptKey string) string {
	t.Helper()
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		t.Fatal(err)
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append([]byte(plaintext), make([]byte, pad)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		t.Fatal(err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out)
}

func TestDecryptEvent_RoundTrip(t *testing.T) {
	const key = "test-encrypt-key"
	const plaintext = `{"challenge":"abc","type":"url_verification"}`

	got, err := decryptEvent(encryptEvent(t, plaintext, key), key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != plaintext {
		t.Errorf("decrypted %q, want %q", got, plaintext)
	}
}

func TestDecryptEvent_WrongKey(t *testing.T) {
	enc := encryptEvent(t, `{"ok":true}`, "right-key")
	if _, err := decryptEvent(enc, "wrong-key"); err == nil {
		t.Error("expected padding failure with wrong key")
	}
}

func TestDecryptEvent_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"unaligned", base64.StdEncoding.EncodeToString(make([]byte, aes.BlockSize+3))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decryptEvent(tt.in, "key"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPKCS7Unpad(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		want    string
		wantErr bool
	}{
		{"valid", []byte{'h', 'i', 2, 2}, "hi", false},
		{"full block pad", append([]byte("0123456789abcdef"), []byte{16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16, 16}...), "0123456789abcdef", false},
		{"empty", nil, "", true},
		{"zero pad", []byte{'h', 'i', 0}, "", true},
		{"pad too large", []byte{'h', 17}, "", true},
		{"corrupt pad", []byte{'h', 1, 2}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pkcs7Unpad(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVerifyEventSignature(t *testing.T) {
	const key = "encrypt-key"
	body := []byte(`{"encrypt":"..."}`)

	h := sha256.New()
	h.Write([]byte("1700000000"))
	h.Write([]byte("nonce123"))
	h.Write([]byte(key))
	h.Write(body)
	sig := hex.EncodeToString(h.Sum(nil))

	if !verifyEventSignature("1700000000", "nonce123", key, body, sig) {
		t.Error("valid signature rejected")
	}
	if verifyEventSignature("1700000001", "nonce123", key, body, sig) {
		t.Error("tampered timestamp accepted")
	}
	if verifyEventSignature("1700000000", "nonce123", key, []byte("other"), sig) {
		t.Error("tampered body accepted")
	}
}

func TestDecodeEventBody(t *testing.T) {
	const key = "k"

	plain := `{"schema":"2.0","header":{"event_id":"e1","event_type":"im.message.receive_v1","token":"t"},"event":{"message":{"message_id":"m1","chat_id":"oc_1","message_type":"text","content":"{\"text\":\"hi\"}"}}}`

	t.Run("plaintext", func(t *testing.T) {
		env, err := decodeEventBody([]byte(plain), "")
		if err != nil {
			t.Fatal(err)
		}
		if env.Header == nil || env.Header.EventID != "e1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		if env.Event.Message.MessageID != "m1" {
			t.Errorf("unexpected message: %+v", env.Event.Message)
		}
	})

	t.Run("encrypted", func(t *testing.T) {
		wrapped := `{"encrypt":"` + encryptEvent(t, plain, key) + `"}`
		env, err := decodeEventBody([]byte(wrapped), key)
		if err != nil {
			t.Fatal(err)
		}
		if env.Header == nil || env.Header.EventType != eventTypeMessageReceive {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	})

	t.Run("encrypted without key", func(t *testing.T) {
		wrapped := `{"encrypt":"` + encryptEvent(t, plain, key) + `"}`
		if _, err := decodeEventBody([]byte(wrapped), ""); err == nil {
			t.Error("expected error when no encrypt key is configured")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := decodeEventBody([]byte("not json"), ""); err == nil {
			t.Error("expected decode error")
		}
	})
}
