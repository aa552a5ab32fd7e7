package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/lawlink/consult-signaling/internal/clock"
)

func TestGenerator_MatchesCoturnScheme(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	g, err := NewGenerator("s3cret", 10*time.Minute, clk)
	if err != nil {
		t.Fatal(err)
	}

	creds, err := g.Generate("user-42")
	if err != nil {
		t.Fatal(err)
	}

	if creds.ExpiryUnix != 1700000000+600 {
		t.Fatalf("ExpiryUnix=%d", creds.ExpiryUnix)
	}
	wantUsername := "1700000600:user-42"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestGenerator_RejectsBadUserIDs(t *testing.T) {
	g, err := NewGenerator("s3cret", time.Minute, clock.NewFake(time.Unix(0, 0)))
	if err != nil {
		t.Fatal(err)
	}
	for _, userID := range []string{"", "a:b"} {
		if _, err := g.Generate(userID); !errors.Is(err, ErrInvalidUserID) {
			t.Errorf("Generate(%q) err=%v, want ErrInvalidUserID", userID, err)
		}
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	if _, err := NewGenerator("", time.Minute, nil); err == nil {
		t.Error("empty secret accepted")
	}
	if _, err := NewGenerator("s3cret", 0, nil); err == nil {
		t.Error("zero ttl accepted")
	}
}
