package envelope

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testActor(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":   id,
		"type": "Person",
		"publicKey": map[string]interface{}{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": "PEM",
		},
	}
}

func TestCanonical(t *testing.T) {
	actor := testActor("https://a.example/u/alice")
	aux := map[string]interface{}{"webfinger": "acct:alice@a.example"}

	t.Run("exact byte layout", func(t *testing.T) {
		data, err := Canonical(actor, aux, 42)
		require.NoError(t, err)
		want := `{"actor_endpoints":null,"actor_followers":null,"actor_following":null,` +
			`"actor_id":"https://a.example/u/alice","actor_inbox":null,"actor_name":null,` +
			`"actor_outbox":null,"actor_published":null,"actor_type":"Person",` +
			`"actor_uri":null,"actor_url":null,` +
			`"key":{"id":"https://a.example/u/alice#main-key","owner":"https://a.example/u/alice","publicKeyPem":"PEM"},` +
			`"signature_time":42,"webfinger":"acct:alice@a.example"}`
		assert.Equal(t, want, string(data))
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := Canonical(actor, aux, 42)
		require.NoError(t, err)
		b, err := Canonical(actor, aux, 42)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("missing webfinger serializes as null", func(t *testing.T) {
		data, err := Canonical(actor, nil, 42)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"webfinger":null`)
	})

	t.Run("extra actor fields are ignored", func(t *testing.T) {
		base, err := Canonical(actor, aux, 42)
		require.NoError(t, err)
		noisy := testActor("https://a.example/u/alice")
		noisy["summary"] = "should not show up"
		noisy["icon"] = map[string]interface{}{"url": "x"}
		data, err := Canonical(noisy, aux, 42)
		require.NoError(t, err)
		assert.Equal(t, base, data)
	})

	t.Run("no public key", func(t *testing.T) {
		_, err := Canonical(map[string]interface{}{"id": "x"}, aux, 42)
		assert.ErrorIs(t, err, ErrNoPublicKey)

		_, err = Canonical(map[string]interface{}{"id": "x", "publicKey": "a string"}, aux, 42)
		assert.ErrorIs(t, err, ErrNoPublicKey)

		_, err = Canonical(nil, aux, 42)
		assert.ErrorIs(t, err, ErrNoPublicKey)
	})

	t.Run("sign time matters", func(t *testing.T) {
		a, err := Canonical(actor, aux, 42)
		require.NoError(t, err)
		b, err := Canonical(actor, aux, 43)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestSignAndVerify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pool := NewPool(2)
	defer pool.Shutdown()
	signer := NewSigner(pool, key)
	verifier := NewVerifier(pool)
	keyPEM := publicPEM(t, key)

	ctx := context.Background()
	actor := testActor("https://a.example/u/alice")
	aux := map[string]interface{}{"webfinger": "acct:alice@a.example"}

	sig, err := signer.Sign(ctx, actor, aux, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	t.Run("round trip", func(t *testing.T) {
		ok, err := verifier.Verify(ctx, actor, aux, keyPEM, sig, 1000)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("perturbed actor fails", func(t *testing.T) {
		changed := testActor("https://a.example/u/alice")
		changed["name"] = "impostor"
		ok, err := verifier.Verify(ctx, changed, aux, keyPEM, sig, 1000)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("perturbed webfinger fails", func(t *testing.T) {
		ok, err := verifier.Verify(ctx, actor,
			map[string]interface{}{"webfinger": "acct:mallory@a.example"}, keyPEM, sig, 1000)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong sign time fails", func(t *testing.T) {
		ok, err := verifier.Verify(ctx, actor, aux, keyPEM, sig, 1001)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		ok, err := verifier.Verify(ctx, actor, aux, publicPEM(t, other), sig, 1000)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed inputs verify false without error", func(t *testing.T) {
		ok, err := verifier.Verify(ctx, actor, aux, "not a pem", sig, 1000)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = verifier.Verify(ctx, actor, aux, keyPEM, "!!! not base64", 1000)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = verifier.Verify(ctx, map[string]interface{}{}, aux, keyPEM, sig, 1000)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCompareAndSign(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pool := NewPool(1)
	defer pool.Shutdown()
	signer := NewSigner(pool, key)
	verifier := NewVerifier(pool)
	keyPEM := publicPEM(t, key)

	ctx := context.Background()
	aux := map[string]interface{}{"webfinger": "acct:alice@a.example"}

	t.Run("identical documents sign", func(t *testing.T) {
		sig, err := signer.CompareAndSign(ctx,
			testActor("https://a.example/u/alice"),
			testActor("https://a.example/u/alice"), aux, 7)
		require.NoError(t, err)
		ok, err := verifier.Verify(ctx, testActor("https://a.example/u/alice"), aux, keyPEM, sig, 7)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("diverged documents refuse", func(t *testing.T) {
		changed := testActor("https://a.example/u/alice")
		changed["inbox"] = "https://a.example/u/alice/inbox2"
		_, err := signer.CompareAndSign(ctx,
			testActor("https://a.example/u/alice"), changed, aux, 7)
		assert.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("divergence only in untracked fields still signs", func(t *testing.T) {
		changed := testActor("https://a.example/u/alice")
		changed["summary"] = "new bio"
		_, err := signer.CompareAndSign(ctx,
			testActor("https://a.example/u/alice"), changed, aux, 7)
		assert.NoError(t, err)
	})
}

func TestPoolShutdown(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pool := NewPool(1)
	signer := NewSigner(pool, key)
	pool.Shutdown()

	_, err = signer.Sign(context.Background(),
		testActor("https://a.example/u/alice"), nil, 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
}
