package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"payment-otp-service/internal/config"
)

var (
	ErrEncodeFailed  = errors.New("code encode failed")
	ErrDecodeFailed  = errors.New("code decode failed")
	ErrInvalidOpaque = errors.New("invalid opaque code format")
)

// Obfuscator transforms a clear verification code into the opaque form
// stored in the record store, and back. Decode(Encode(x)) == x for every
// valid code. Implementations must be safe for concurrent use.
type Obfuscator interface {
	Encode(ctx context.Context, code string) (string, error)
	Decode(ctx context.Context, opaque string) (string, error)
}

// CodeObfuscator is the production Obfuscator: AES-256-GCM envelope
// encryption. Each opaque value embeds its wrapped data key, so any
// process holding KMS access (or the local dev key encoding) can decode
// values written by another process. With KMS disabled the data key is
// only base64-wrapped; that mode is for development.
type CodeObfuscator struct {
	kmsClient *kms.Client
	config    *config.Config

	mu       sync.Mutex
	dek      []byte
	dekBlob  []byte
	keyCache sync.Map // wrapped-DEK (base64) -> plaintext key
}

const opaqueVersion = "v1"

func NewCodeObfuscator(cfg *config.Config, kmsClient *kms.Client) *CodeObfuscator {
	return &CodeObfuscator{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// Encode wraps the code with AES-GCM under the process data key.
// Output layout: v1.<b64 wrapped DEK>.<b64 nonce||ciphertext>.
func (o *CodeObfuscator) Encode(ctx context.Context, code string) (string, error) {
	key, blob, err := o.dataKey(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(code), nil)

	return strings.Join([]string{
		opaqueVersion,
		base64.RawURLEncoding.EncodeToString(blob),
		base64.RawURLEncoding.EncodeToString(sealed),
	}, "."), nil
}

// Decode unwraps the embedded data key and opens the ciphertext.
func (o *CodeObfuscator) Decode(ctx context.Context, opaque string) (string, error) {
	parts := strings.Split(opaque, ".")
	if len(parts) != 3 || parts[0] != opaqueVersion {
		return "", ErrInvalidOpaque
	}

	blob, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidOpaque
	}
	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidOpaque
	}

	key, err := o.unwrapKey(ctx, blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecodeFailed)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return string(plain), nil
}

// dataKey returns the per-process data key, generating it on first use.
func (o *CodeObfuscator) dataKey(ctx context.Context) ([]byte, []byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dek != nil {
		return o.dek, o.dekBlob, nil
	}

	if o.config.KMS.Enabled && o.kmsClient != nil {
		out, err := o.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(o.config.KMS.KeyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("kms generate data key: %w", err)
		}
		o.dek = out.Plaintext
		o.dekBlob = out.CiphertextBlob
	} else {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, fmt.Errorf("generate local data key: %w", err)
		}
		o.dek = key
		o.dekBlob = []byte(base64.StdEncoding.EncodeToString(key))
	}

	o.keyCache.Store(base64.RawURLEncoding.EncodeToString(o.dekBlob), o.dek)
	return o.dek, o.dekBlob, nil
}

func (o *CodeObfuscator) unwrapKey(ctx context.Context, blob []byte) ([]byte, error) {
	cacheKey := base64.RawURLEncoding.EncodeToString(blob)
	if cached, ok := o.keyCache.Load(cacheKey); ok {
		return cached.([]byte), nil
	}

	var key []byte
	if o.config.KMS.Enabled && o.kmsClient != nil {
		out, err := o.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("kms decrypt data key: %w", err)
		}
		key = out.Plaintext
	} else {
		decoded, err := base64.StdEncoding.DecodeString(string(blob))
		if err != nil {
			return nil, fmt.Errorf("invalid local data key encoding: %w", err)
		}
		key = decoded
	}

	o.keyCache.Store(cacheKey, key)
	return key, nil
}

// ClearCache drops all cached data keys.
func (o *CodeObfuscator) ClearCache() {
	o.keyCache.Range(func(key, _ interface{}) bool {
		o.keyCache.Delete(key)
		return true
	})
}
