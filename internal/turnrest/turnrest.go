// Package turnrest mints coturn-compatible TURN REST credentials for the
// /ice endpoint.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<user_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC. Credentials are short
// lived; clients re-fetch /ice before each reconnect attempt.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
)

var ErrInvalidUserID = errors.New("turnrest: user id must be non-empty and must not contain ':'")

type Generator struct {
	secret []byte
	ttl    time.Duration
	clk    clock.Clock
}

func NewGenerator(sharedSecret string, ttl time.Duration, clk clock.Clock) (*Generator, error) {
	if sharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("turnrest: ttl must be positive")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Generator{
		secret: []byte(sharedSecret),
		ttl:    ttl,
		clk:    clk,
	}, nil
}

// Credentials is shaped for direct inclusion in an RTCIceServer entry.
type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
	ExpiryUnix int64  `json:"expiry"`
}

// Generate mints credentials tied to userID. The TURN server only checks the
// HMAC and expiry; the user id makes relay allocations attributable in
// coturn's logs.
func (g *Generator) Generate(userID string) (Credentials, error) {
	if userID == "" || strings.ContainsRune(userID, ':') {
		return Credentials{}, ErrInvalidUserID
	}
	expiry := g.clk.Now().UTC().Unix() + int64(g.ttl/time.Second)
	username := fmt.Sprintf("%d:%s", expiry, userID)
	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}
