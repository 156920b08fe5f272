package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// signContent signs a request payload with the account key. An empty kid
// embeds the JWK instead (new-account requests).
func signContent(url, kid string, content []byte, privKey *ecdsa.PrivateKey, nonceURL string) (*jose.JSONWebSignature, error) {
	signKey := jose.SigningKey{
		Algorithm: jose.ES256,
		Key:       jose.JSONWebKey{Key: privKey, KeyID: kid},
	}

	options := jose.SignerOptions{
		NonceSource: &nonceSource{NonceURL: nonceURL},
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}
	if kid == "" {
		options.EmbedJWK = true
	}

	signer, err := jose.NewSigner(signKey, &options)
	if err != nil {
		return nil, fmt.Errorf("failed to create jose signer: %w", err)
	}

	signed, err := signer.Sign(content)
	if err != nil {
		return nil, fmt.Errorf("failed to sign content: %w", err)
	}
	return signed, nil
}

// SignEABContent builds the external account binding JWS for CAs that
// require one (kid + HMAC issued out of band).
func SignEABContent(url, kid string, hmac []byte, privKey *ecdsa.PrivateKey) (*jose.JSONWebSignature, error) {
	jwk := jose.JSONWebKey{Key: privKey}
	jwkJSON, err := jwk.Public().MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("error encoding eab jwk key: %w", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: hmac},
		&jose.SignerOptions{
			EmbedJWK: false,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				"kid": kid,
				"url": url,
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create EAB jose signer: %w", err)
	}

	signed, err := signer.Sign(jwkJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to sign EAB content: %w", err)
	}
	return signed, nil
}

// KeyAuthorization builds the HTTP-01 response for a token:
// token.base64url(thumbprint(accountKey)).
func KeyAuthorization(token string, privKey *ecdsa.PrivateKey) (string, error) {
	jwk := &jose.JSONWebKey{Key: privKey.Public()}

	thumbBytes, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("error in jwk.Thumbprint: %w", err)
	}

	keyThumb := base64.RawURLEncoding.EncodeToString(thumbBytes)
	return token + "." + keyThumb, nil
}

type nonceSource struct {
	NonceURL string
}

func (ns *nonceSource) Nonce() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "HEAD", ns.NonceURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating nonce request: %w", err)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error doing nonce request: %w", err)
	}
	defer res.Body.Close()

	nonce := res.Header.Get("replay-nonce")
	if nonce == "" {
		return "", fmt.Errorf("CA did not return a replay-nonce header (status %d)", res.StatusCode)
	}
	return nonce, nil
}
