package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/logging"
	"github.com/deemkeen/fedletic/telemetry"
)

// signedHeaderNames is the header list used for every outbound POST.
var signedHeaderNames = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignedHeaders are the headers that authenticate one outbound request.
type SignedHeaders struct {
	Host      string
	Date      string
	Digest    string
	Signature string
}

// Apply sets the headers on req. Host goes to req.Host, which is what net/http sends.
func (h SignedHeaders) Apply(req *http.Request) {
	req.Host = h.Host
	req.Header.Set("Date", h.Date)
	req.Header.Set("Digest", h.Digest)
	req.Header.Set("Signature", h.Signature)
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// digestMatches reports whether a Digest header carries the SHA-256 of body. The algorithm
// token is case-insensitive and other algorithms in a list are skipped.
func digestMatches(header string, body []byte) bool {
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	for _, entry := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if ok && strings.EqualFold(algo, "SHA-256") && value == want {
			return true
		}
	}
	return false
}

// Sign signs a POST of body to destinationURL as actor.
func Sign(actor *domain.Actor, destinationURL string, body []byte, now time.Time) (SignedHeaders, error) {
	if actor.PrivateKeyPem == "" {
		return SignedHeaders{}, fmt.Errorf("sign as %s: %w", actor.ActorURL, ErrMissingKey)
	}
	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return SignedHeaders{}, err
	}

	dest, err := url.Parse(destinationURL)
	if err != nil || dest.Host == "" {
		return SignedHeaders{}, fmt.Errorf("invalid destination %q", destinationURL)
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaderNames,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return SignedHeaders{}, fmt.Errorf("failed to create signer: %w", err)
	}

	// scratch request: the caller builds the real one and applies the headers
	req, err := http.NewRequest(http.MethodPost, dest.String(), nil)
	if err != nil {
		return SignedHeaders{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Host", dest.Host)
	req.Header.Set("Date", now.UTC().Format(http.TimeFormat))

	if err := signer.SignRequest(key, actor.KeyID(), req, body); err != nil {
		return SignedHeaders{}, fmt.Errorf("failed to sign request: %w", err)
	}

	return SignedHeaders{
		Host:      dest.Host,
		Date:      req.Header.Get("Date"),
		Digest:    req.Header.Get("Digest"),
		Signature: req.Header.Get("Signature"),
	}, nil
}

// signatureHeader returns the raw signature parameters of r from either the Signature
// header or an Authorization header using the Signature scheme.
func signatureHeader(r *http.Request) string {
	if header := r.Header.Get("Signature"); header != "" {
		return header
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
		return strings.TrimPrefix(auth, "Signature ")
	}
	return ""
}

// signatureParam returns one parameter of a `k1="v1",k2="v2"` signature header.
func signatureParam(header, name string) string {
	for _, part := range splitParams(header) {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.TrimSpace(k) == name {
			return strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return ""
}

// splitParams splits on commas outside quotes.
func splitParams(s string) []string {
	var (
		parts    []string
		inQuotes bool
		start    int
	)
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// coveredHeaders lists the headers a signature covers, in signed order.
func coveredHeaders(header string) []string {
	return strings.Fields(strings.ToLower(signatureParam(header, "headers")))
}

// checkPresent fails with ErrMissingHeader when a covered header is absent from r.
func checkPresent(r *http.Request, names []string) error {
	for _, name := range names {
		switch name {
		case httpsig.RequestTarget, "(created)", "(expires)":
		case "host":
			if r.Host == "" && r.Header.Get("Host") == "" {
				return fmt.Errorf("%w: host", ErrMissingHeader)
			}
		default:
			if _, ok := r.Header[http.CanonicalHeaderKey(name)]; !ok {
				return fmt.Errorf("%w: %s", ErrMissingHeader, name)
			}
		}
	}
	return nil
}

// KeyOwnerResolver finds the actor owning a keyId.
type KeyOwnerResolver interface {
	ResolveKeyOwner(ctx context.Context, keyID string) (*domain.Actor, error)
}

// Verification is the outcome of a signature check. Valid=false with a Reason is a
// rejected but well-formed request; errors are reserved for malformed input and
// unresolvable signers.
type Verification struct {
	Valid  bool
	Reason string
	Actor  *domain.Actor
	KeyID  string
}

type Verifier struct {
	keys    KeyOwnerResolver
	maxSkew time.Duration
	now     func() time.Time
	log     *zap.Logger
}

// NewVerifier builds a verifier. maxSkew <= 0 disables the Date window check.
func NewVerifier(keys KeyOwnerResolver, maxSkew time.Duration) *Verifier {
	return &Verifier{
		keys:    keys,
		maxSkew: maxSkew,
		now:     time.Now,
		log:     logging.WithComponent("httpsig"),
	}
}

// Verify checks the HTTP signature of r, whose body has already been read into body.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (Verification, error) {
	res, err := v.verify(ctx, r, body)
	if err == nil {
		telemetry.SignatureChecked(ctx, res.Valid)
		if !res.Valid {
			v.log.Info("Signature rejected", zap.String("key_id", res.KeyID), zap.String("reason", res.Reason))
		}
	}
	return res, err
}

func (v *Verifier) verify(ctx context.Context, r *http.Request, body []byte) (Verification, error) {
	// server requests carry the host in r.Host only
	if r.Header.Get("Host") == "" && r.Host != "" {
		r.Header.Set("Host", r.Host)
	}

	header := signatureHeader(r)
	for _, name := range []string{"keyId", "algorithm", "headers", "signature"} {
		if signatureParam(header, name) == "" {
			return Verification{}, fmt.Errorf("%w: missing %s", ErrMalformedSignature, name)
		}
	}

	sigVerifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	res := Verification{KeyID: sigVerifier.KeyId()}

	algorithm := strings.ToLower(signatureParam(header, "algorithm"))
	switch algorithm {
	case string(httpsig.RSA_SHA256), "hs2019":
	default:
		res.Reason = "unsupported algorithm " + algorithm
		return res, nil
	}

	covered := coveredHeaders(header)
	if err := checkPresent(r, covered); err != nil {
		return res, err
	}

	if signed(covered, "digest") {
		if !digestMatches(r.Header.Get("Digest"), body) {
			res.Reason = "digest mismatch"
			return res, nil
		}
	} else if len(body) > 0 {
		res.Reason = "digest not signed"
		return res, nil
	}

	if v.maxSkew > 0 && signed(covered, "date") {
		date, err := http.ParseTime(r.Header.Get("Date"))
		if err != nil {
			res.Reason = "unparseable date"
			return res, nil
		}
		if skew := v.now().Sub(date); skew > v.maxSkew || skew < -v.maxSkew {
			res.Reason = "date outside allowed window"
			return res, nil
		}
	}

	actor, err := v.keys.ResolveKeyOwner(ctx, res.KeyID)
	if err != nil {
		return res, err
	}
	res.Actor = actor

	pub, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		res.Reason = "unusable public key"
		return res, nil
	}

	// hs2019 from RSA keys is rsa-sha256 on the wire
	if err := sigVerifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		v.log.Debug("Signature check failed", zap.String("key_id", res.KeyID), zap.Error(err))
		res.Reason = "invalid signature"
		return res, nil
	}

	res.Valid = true
	return res, nil
}

func signed(headers []string, name string) bool {
	for _, h := range headers {
		if h == name {
			return true
		}
	}
	return false
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey. PKCS#8 and PKCS#1 are accepted.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
		return rsaKey, nil
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. PKIX and PKCS#1 are accepted.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if pubKey, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPubKey, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPubKey, nil
	}

	rsaPubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPubKey, nil
}
