package session

import (
	"context"
	"testing"
	"time"
)

func TestCurrentServerKeyPairRotatesOnExpiry(t *testing.T) {
	c := NewCache(time.Minute, 50*time.Millisecond)
	ctx := context.Background()

	first, err := c.CurrentServerKeyPair(ctx)
	if err != nil {
		t.Fatalf("CurrentServerKeyPair: %v", err)
	}

	second, err := c.CurrentServerKeyPair(ctx)
	if err != nil {
		t.Fatalf("CurrentServerKeyPair: %v", err)
	}
	if string(first.KeyPair.Public) != string(second.KeyPair.Public) {
		t.Fatal("expected the same key pair to be reused before expiry")
	}

	time.Sleep(60 * time.Millisecond)

	third, err := c.CurrentServerKeyPair(ctx)
	if err != nil {
		t.Fatalf("CurrentServerKeyPair: %v", err)
	}
	if string(first.KeyPair.Public) == string(third.KeyPair.Public) {
		t.Fatal("expected a rotated key pair after expiry")
	}
}

func TestStoreAndGetSessionRoundTrip(t *testing.T) {
	c := NewCache(time.Minute, time.Hour)
	ctx := context.Background()

	sess := &SessionKey{
		MasterKey:           []byte("0123456789abcdef0123456789abcdef"),
		APIPublicIdent:      "pk_demo",
		ClientIP:            "203.0.113.5",
		DeviceFingerprintID: "fp-1",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Minute),
	}

	c.StoreSession(ctx, sess)

	got, ok := c.GetSession(ctx, "pk_demo", "203.0.113.5", "fp-1")
	if !ok {
		t.Fatal("expected session to be found")
	}
	if string(got.MasterKey) != string(sess.MasterKey) {
		t.Fatal("returned session does not match stored session")
	}
}

func TestGetSessionToleratesIPChurn(t *testing.T) {
	c := NewCache(time.Minute, time.Hour)
	ctx := context.Background()

	sess := &SessionKey{
		APIPublicIdent:      "pk_demo",
		ClientIP:            "203.0.113.5",
		DeviceFingerprintID: "fp-1",
		ExpiresAt:           time.Now().Add(time.Minute),
	}
	c.StoreSession(ctx, sess)

	got, ok := c.GetSession(ctx, "pk_demo", "198.51.100.9", "fp-1")
	if !ok {
		t.Fatal("IP mismatch should be tolerated, not cause a miss")
	}
	if got.APIPublicIdent != "pk_demo" {
		t.Fatal("unexpected session returned")
	}
}

func TestGetSessionRequiresMatchingBindings(t *testing.T) {
	c := NewCache(time.Minute, time.Hour)
	ctx := context.Background()

	sess := &SessionKey{
		APIPublicIdent:      "pk_demo",
		DeviceFingerprintID: "fp-1",
		ExpiresAt:           time.Now().Add(time.Minute),
	}
	c.StoreSession(ctx, sess)

	if _, ok := c.GetSession(ctx, "pk_demo", "", "fp-other"); ok {
		t.Fatal("mismatched device fingerprint must miss")
	}
	if _, ok := c.GetSession(ctx, "pk_other", "", "fp-1"); ok {
		t.Fatal("mismatched api public ident must miss")
	}
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	c := NewCache(time.Minute, time.Hour)
	ctx := context.Background()

	sess := &SessionKey{
		APIPublicIdent:      "pk_demo",
		DeviceFingerprintID: "fp-1",
		ExpiresAt:           time.Now().Add(10 * time.Millisecond),
	}
	c.StoreSession(ctx, sess)

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.GetSession(ctx, "pk_demo", "", "fp-1"); ok {
		t.Fatal("expired session should not be returned")
	}
}

func TestInvalidateSession(t *testing.T) {
	c := NewCache(time.Minute, time.Hour)
	ctx := context.Background()

	sess := &SessionKey{
		APIPublicIdent:      "pk_demo",
		DeviceFingerprintID: "fp-1",
		ExpiresAt:           time.Now().Add(time.Minute),
	}
	c.StoreSession(ctx, sess)
	c.InvalidateSession(ctx, "pk_demo", "fp-1")

	if _, ok := c.GetSession(ctx, "pk_demo", "", "fp-1"); ok {
		t.Fatal("invalidated session should not be returned")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c := NewCache(time.Minute, time.Hour)
	ctx := context.Background()

	c.StoreSession(ctx, &SessionKey{
		APIPublicIdent: "a", DeviceFingerprintID: "1",
		ExpiresAt: time.Now().Add(10 * time.Millisecond),
	})
	c.StoreSession(ctx, &SessionKey{
		APIPublicIdent: "b", DeviceFingerprintID: "2",
		ExpiresAt: time.Now().Add(time.Hour),
	})

	time.Sleep(20 * time.Millisecond)

	deleted := c.Sweep(ctx)
	if deleted != 1 {
		t.Fatalf("expected exactly 1 deletion, got %d", deleted)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 session remaining, got %d", c.Len())
	}
}
