package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"portal-auth/internal/config"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generator implements time-based one-time passwords per RFC 6238.
// Codes are 6 digits over 30-second steps; verification accepts one
// step of clock skew in either direction.
type Generator struct {
	issuer string
	digits int
	period int
	skew   int
}

func NewGenerator(cfg *config.Config) *Generator {
	return &Generator{
		issuer: cfg.TOTP.Issuer,
		digits: cfg.TOTP.Digits,
		period: cfg.TOTP.Period,
		skew:   cfg.TOTP.Skew,
	}
}

// GenerateSecret returns a fresh 160-bit shared secret, base32 encoded
// without padding for authenticator-app compatibility.
func (g *Generator) GenerateSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return b32.EncodeToString(raw), nil
}

// Verify checks a submitted code against the secret at the given time.
// Malformed input fails immediately; the digit comparison itself is
// constant time.
func (g *Generator) Verify(secret, code string, at time.Time) (bool, error) {
	if len(code) != g.digits {
		return false, nil
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return false, nil
		}
	}

	key, err := b32.DecodeString(secret)
	if err != nil {
		return false, fmt.Errorf("invalid TOTP secret: %w", err)
	}

	counter := at.Unix() / int64(g.period)
	for offset := -g.skew; offset <= g.skew; offset++ {
		expected := g.hotp(key, uint64(counter+int64(offset)))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true, nil
		}
	}

	return false, nil
}

// Code returns the current code for a secret. Used by enrollment tests
// and tooling, never by the verify path directly.
func (g *Generator) Code(secret string, at time.Time) (string, error) {
	key, err := b32.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("invalid TOTP secret: %w", err)
	}
	return g.hotp(key, uint64(at.Unix()/int64(g.period))), nil
}

func (g *Generator) hotp(key []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226
	offset := sum[len(sum)-1] & 0x0f
	value := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	mod := uint32(1)
	for i := 0; i < g.digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", g.digits, value%mod)
}

// ProvisioningURI builds the otpauth URI an authenticator app scans.
func (g *Generator) ProvisioningURI(secret, email string) string {
	label := url.PathEscape(g.issuer + ":" + email)

	params := url.Values{}
	params.Set("secret", secret)
	params.Set("issuer", g.issuer)
	params.Set("algorithm", "SHA1")
	params.Set("digits", fmt.Sprintf("%d", g.digits))
	params.Set("period", fmt.Sprintf("%d", g.period))

	return fmt.Sprintf("otpauth://totp/%s?%s", label, params.Encode())
}

// QRCodeDataURI renders the provisioning URI as an inline PNG suitable
// for an <img> src attribute.
func (g *Generator) QRCodeDataURI(secret, email string) (string, error) {
	png, err := qrcode.Encode(g.ProvisioningURI(secret, email), qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to render QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
