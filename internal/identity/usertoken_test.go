package identity_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jmerrifield20/RentLedger/internal/identity"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T, ttl time.Duration) *identity.UserTokenIssuer {
	t.Helper()
	ti, err := identity.NewUserTokenIssuer(testSecret, "rentledger", ttl)
	if err != nil {
		t.Fatalf("NewUserTokenIssuer() error: %v", err)
	}
	return ti
}

func TestUserTokenIssuer_WeakSecret(t *testing.T) {
	if _, err := identity.NewUserTokenIssuer([]byte("short"), "rentledger", time.Hour); err != identity.ErrWeakSecret {
		t.Errorf("got %v, want ErrWeakSecret", err)
	}
}

func TestUserTokenIssuer_RoundTrip(t *testing.T) {
	ti := newTestIssuer(t, time.Hour)
	userID := uuid.New()

	token, err := ti.Issue(userID)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	got, err := claims.UserUUID()
	if err != nil || got != userID {
		t.Errorf("UserUUID: got %v (%v), want %v", got, err, userID)
	}
	if claims.Issuer != "rentledger" {
		t.Errorf("Issuer: got %q", claims.Issuer)
	}
}

func TestUserTokenIssuer_Rejects(t *testing.T) {
	ti := newTestIssuer(t, time.Hour)
	valid, err := ti.Issue(uuid.New())
	if err != nil {
		t.Fatal(err)
	}

	expired, err := newTestIssuer(t, time.Nanosecond).Issue(uuid.New())
	if err != nil {
		t.Fatal(err)
	}

	otherSecret, err := identity.NewUserTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), "rentledger", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	forged, _ := otherSecret.Issue(uuid.New())

	otherIssuer, err := identity.NewUserTokenIssuer(testSecret, "someone-else", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wrongIss, _ := otherIssuer.Issue(uuid.New())

	notUUID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.UserTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "rentledger",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "alice",
		Type:   "user",
	}).SignedString(testSecret)

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.UserTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "rentledger"},
		UserID:           uuid.NewString(),
		Type:             "user",
	}).SignedString(testSecret)

	time.Sleep(2 * time.Millisecond)

	tests := map[string]string{
		"expired":      expired,
		"wrong secret": forged,
		"wrong issuer": wrongIss,
		"non-uuid":     notUUID,
		"no expiry":    noExpiry,
		"garbage":      "not.a.token",
		"tampered":     valid[:len(valid)-2] + "xx",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ti.Verify(token); err == nil {
				t.Error("Verify() succeeded, want error")
			}
		})
	}
}
