// Copyright 2026 fanjia1024

package keychain

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2/jwt"
)

const (
	googleTokenURL     = "https://oauth2.googleapis.com/token"
	defaultGoogleScope = "https://www.googleapis.com/auth/cloud-platform"
)

// mintServiceAccountToken 用 service-account key 走标准 JWT-bearer 授权换 access token。
// scopes 是 OAuth 授权域，来自条目的 scopes 字段，与缓存域 scope 是两回事。
func mintServiceAccountToken(ctx context.Context, key map[string]interface{}, scopes []string) (map[string]interface{}, time.Time, error) {
	email, _ := key["client_email"].(string)
	privateKey, _ := key["private_key"].(string)
	if email == "" || privateKey == "" {
		return nil, time.Time{}, fmt.Errorf("service account key missing client_email or private_key")
	}
	tokenURL, _ := key["token_uri"].(string)
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	if len(scopes) == 0 {
		scopes = []string{defaultGoogleScope}
	}
	keyID, _ := key["private_key_id"].(string)

	conf := &jwt.Config{
		Email:        email,
		PrivateKey:   []byte(privateKey),
		PrivateKeyID: keyID,
		Scopes:       scopes,
		TokenURL:     tokenURL,
	}
	tok, err := conf.TokenSource(ctx).Token()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("mint service account token: %w", err)
	}
	return map[string]interface{}{
		"access_token": tok.AccessToken,
		"token_type":   tok.TokenType,
	}, tok.Expiry, nil
}
