package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedToken = errors.New("unsupported token")

const (
	// HMAC-SHA256 output size in bytes.
	hmacSHA256SigLen = 32
	// base64url-no-pad encoding length for a 32-byte HMAC:
	// - 32 bytes => 44 chars with one '=' padding
	// - without padding => 43 chars
	hmacSHA256SigB64Len  = 43
	maxTokenHeaderB64Len = 4 * 1024
	maxTokenClaimsB64Len = 16 * 1024
	maxTokenLen          = maxTokenHeaderB64Len + 1 + maxTokenClaimsB64Len + 1 + hmacSHA256SigB64Len
)

// tokenVerifier validates the compact HS256 consultation tokens minted by
// the booking backend. Claims: sub (user ID, required), name (display name),
// exp/iat (required), nbf (optional).
type tokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func newTokenVerifier(secret string) tokenVerifier {
	return tokenVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v tokenVerifier) Verify(cred Credential) (Identity, error) {
	if cred.Token == "" {
		return Identity{}, ErrMissingCredentials
	}
	return v.verifyToken(cred.Token)
}

func (v tokenVerifier) verifyToken(token string) (Identity, error) {
	headerB64, claimsB64, sigB64, ok := splitTokenParts(token)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	algRaw, ok := header["alg"]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	alg, ok := algRaw.(string)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	if alg != "HS256" {
		return Identity{}, ErrUnsupportedToken
	}
	if typRaw, ok := header["typ"]; ok {
		if typRaw == nil {
			return Identity{}, ErrInvalidCredentials
		}
		if _, ok := typRaw.(string); !ok {
			return Identity{}, ErrInvalidCredentials
		}
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if len(gotSig) != hmacSHA256SigLen {
		return Identity{}, ErrInvalidCredentials
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(claimsB64))
	expectedSig := mac.Sum(nil)
	if !hmac.Equal(gotSig, expectedSig) {
		return Identity{}, ErrInvalidCredentials
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(claimsB64)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	dec := json.NewDecoder(bytes.NewReader(claimsJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	// json.Decoder allows trailing bytes after the first top-level value.
	// Require the claims section to be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Identity{}, ErrInvalidCredentials
	}

	now := v.now().Unix()

	exp, ok := claims["exp"]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	expUnix, err := parseUnixTimestamp(exp)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if now >= expUnix {
		return Identity{}, ErrInvalidCredentials
	}

	iat, ok := claims["iat"]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	if _, err := parseUnixTimestamp(iat); err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	if nbf, ok := claims["nbf"]; ok {
		nbfUnix, err := parseUnixTimestamp(nbf)
		if err != nil {
			return Identity{}, ErrInvalidCredentials
		}
		if now < nbfUnix {
			return Identity{}, ErrInvalidCredentials
		}
	}

	subRaw, ok := claims["sub"]
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}
	sub, ok := subRaw.(string)
	if !ok || sub == "" {
		return Identity{}, ErrInvalidCredentials
	}

	name := sub
	if nameRaw, ok := claims["name"]; ok {
		s, ok := nameRaw.(string)
		if !ok {
			return Identity{}, ErrInvalidCredentials
		}
		if s != "" {
			name = s
		}
	}

	return Identity{UserID: sub, DisplayName: name}, nil
}

func splitTokenParts(token string) (headerB64, claimsB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxTokenLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	claimsB64, sigB64, found = strings.Cut(rest, ".")
	if !found {
		return "", "", "", false
	}
	if strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || claimsB64 == "" || sigB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxTokenHeaderB64Len || len(claimsB64) > maxTokenClaimsB64Len {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if !isBase64urlNoPad(headerB64, maxTokenHeaderB64Len) ||
		!isBase64urlNoPad(claimsB64, maxTokenClaimsB64Len) ||
		!isBase64urlNoPad(sigB64, hmacSHA256SigB64Len) {
		return "", "", "", false
	}
	return headerB64, claimsB64, sigB64, true
}

func isBase64urlNoPad(raw string, maxLen int) bool {
	if raw == "" || len(raw) > maxLen {
		return false
	}
	// Base64url without padding cannot have length mod 4 == 1.
	if len(raw)%4 == 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if _, ok := b64urlValue(raw[i]); !ok {
			return false
		}
	}
	// Tighten validation to canonical base64url-no-pad. Even when the length
	// is syntactically valid (mod 4 != 1), the unused bits in the final
	// base64 quantum must be zero.
	//
	// - len % 4 == 2 => 4 unused bits (must be zero)
	// - len % 4 == 3 => 2 unused bits (must be zero)
	switch len(raw) % 4 {
	case 0:
		return true
	case 2:
		last, _ := b64urlValue(raw[len(raw)-1])
		return (last & 0x0f) == 0
	case 3:
		last, _ := b64urlValue(raw[len(raw)-1])
		return (last & 0x03) == 0
	default:
		// len%4==1 is rejected above.
		return false
	}
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	default:
		return 0, false
	}
}

func parseUnixTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
}
