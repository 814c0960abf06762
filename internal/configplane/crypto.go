package configplane

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// ParseRSAPrivateKeyPEM parses TENSORZERO_RSA_PRIVATE_KEY (PKCS#1 PEM). An
// empty input is not an error — it means secrets arrive unencrypted, which is
// the default for local/dev deployments.
func ParseRSAPrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return nil, nil
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("configplane: TENSORZERO_RSA_PRIVATE_KEY is not valid PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	// Fall back to PKCS#8 in case the operator generated a PKCS#8 key.
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("configplane: parse RSA private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("configplane: TENSORZERO_RSA_PRIVATE_KEY is not an RSA key")
	}
	return rsaKey, nil
}

// encryptedPrefix marks a StaticSecret value as RSA-OAEP ciphertext,
// base64-encoded. Values without this prefix are treated as plaintext.
const encryptedPrefix = "enc:"

// decryptSecrets resolves every StaticSecret credential on m, decrypting
// ciphertext payloads when a private key is configured, and stores the
// result in the Credential Store under the model's id. DynamicLookup,
// EnvVar, and FileRef locations are resolved lazily by C8 at dispatch time
// and are left untouched here.
func (p *Plane) decryptSecrets(m *ModelEntry) error {
	for name, pc := range m.Providers {
		ss, ok := pc.Credential.(StaticSecret)
		if !ok {
			continue
		}
		secret, err := p.resolveStatic(ss.Secret)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		p.creds.Put(m.ID, secret)
	}
	return nil
}

func (p *Plane) resolveStatic(value string) (string, error) {
	if len(value) <= len(encryptedPrefix) || value[:len(encryptedPrefix)] != encryptedPrefix {
		return value, nil
	}
	if p.rsa == nil {
		return "", fmt.Errorf("secret is encrypted but no TENSORZERO_RSA_PRIVATE_KEY is configured")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(value[len(encryptedPrefix):])
	if err != nil {
		return "", fmt.Errorf("decode encrypted secret: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, p.rsa, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plaintext), nil
}
