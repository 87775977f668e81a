package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

// KeyBits is the RSA modulus size used for actor keys.
const KeyBits = 2048

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent is sent with every outbound federation request.
func UserAgent() string {
	return fmt.Sprintf("%s/%s ActivityPub", Name, GetVersion())
}

// GeneratePemKeypair creates an actor keypair: PKCS#8 private key and PKIX public key,
// the encodings other ActivityPub servers expect in publicKeyPem.
func GeneratePemKeypair() (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// WebfingerFromURL derives a user@domain handle from an actor URL.
// Example: "https://mastodon.social/users/alice" -> "alice@mastodon.social"
func WebfingerFromURL(actorURL string) (string, error) {
	parsed, err := url.Parse(actorURL)
	if err != nil {
		return "", fmt.Errorf("invalid actor URL: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("actor URL has no host: %s", actorURL)
	}
	path := strings.TrimSuffix(parsed.Path, "/")
	idx := strings.LastIndex(path, "/")
	username := strings.TrimPrefix(path[idx+1:], "@")
	if username == "" {
		return "", fmt.Errorf("actor URL has no username: %s", actorURL)
	}
	return fmt.Sprintf("%s@%s", username, parsed.Host), nil
}

// CanonicalURL lowercases scheme and host and drops the fragment, so that
// "https://Example.com/users/a#main-key" and "https://example.com/users/a" compare equal.
func CanonicalURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String()
}
