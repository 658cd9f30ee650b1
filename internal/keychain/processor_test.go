// Copyright 2026 fanjia1024

package keychain

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-platform/internal/playbook"
	"playbook-platform/pkg/secrets"
)

func newTestProcessor(t *testing.T) (*Processor, Store, secrets.Store) {
	t.Helper()
	store := NewMemoryStore()
	sec, err := secrets.NewStore(secrets.Config{Provider: "memory"})
	require.NoError(t, err)
	return NewProcessor(store, sec, 5*time.Second), store, sec
}

func TestProcessStatic(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	specs := []playbook.KeychainSpec{{
		Name: "api",
		Kind: "static",
		Map:  map[string]string{"key": "{{ workload.api_key }}", "region": "eu"},
	}}
	tplCtx := map[string]interface{}{
		"workload": map[string]interface{}{"api_key": "k-123"},
	}
	require.NoError(t, p.Process(ctx, specs, 10, 100, tplCtx))

	e, err := store.Get(ctx, 10, "api", 100)
	require.NoError(t, err)
	assert.Equal(t, "k-123", e.TokenData["key"])
	assert.Equal(t, "eu", e.TokenData["region"])
	assert.Equal(t, ScopeLocal, e.ScopeType)
	assert.Equal(t, int64(100), e.ExecutionID)
}

func TestProcessBearer(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	specs := []playbook.KeychainSpec{{
		Name:  "svc",
		Kind:  "bearer",
		Token: "tok-{{ workload.env }}",
		Scope: ScopeCatalog,
	}}
	tplCtx := map[string]interface{}{"workload": map[string]interface{}{"env": "prod"}}
	require.NoError(t, p.Process(ctx, specs, 10, 100, tplCtx))

	// catalog scope 不绑定 execution
	e, err := store.Get(ctx, 10, "svc", 0)
	require.NoError(t, err)
	assert.Equal(t, "tok-prod", e.TokenData["access_token"])
	assert.Equal(t, "Bearer", e.TokenData["token_type"])
}

func TestProcessOAuth2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("client_secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	specs := []playbook.KeychainSpec{{
		Name:     "idp",
		Kind:     "oauth2",
		Endpoint: srv.URL,
		Data: map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     "cid",
			"client_secret": "{{ workload.secret }}",
		},
	}}
	tplCtx := map[string]interface{}{"workload": map[string]interface{}{"secret": "s3cret"}}
	require.NoError(t, p.Process(ctx, specs, 10, 100, tplCtx))

	e, err := store.Get(ctx, 10, "idp", 100)
	require.NoError(t, err)
	assert.Equal(t, "at-1", e.TokenData["access_token"])
	assert.WithinDuration(t, time.Now().Add(time.Hour), e.ExpiresAt, time.Minute)
}

func TestProcessOAuth2Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _, _ := newTestProcessor(t)
	specs := []playbook.KeychainSpec{{Name: "idp", Kind: "oauth2", Endpoint: srv.URL}}
	err := p.Process(context.Background(), specs, 10, 100, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idp")
}

func TestProcessSecretManager(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("db-password"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"payload": map[string]interface{}{"data": payload},
		})
	}))
	defer srv.Close()

	p, store, _ := newTestProcessor(t)
	p.SetSecretManagerBase(srv.URL)
	ctx := context.Background()

	// auth 引用同一批里先解析的 bearer 条目
	specs := []playbook.KeychainSpec{
		{Name: "gcp", Kind: "bearer", Token: "provider-token"},
		{Name: "db", Kind: "secret_manager", Auth: "gcp",
			Map: map[string]string{"password": "projects/p/secrets/db/versions/latest"}},
	}
	require.NoError(t, p.Process(ctx, specs, 10, 100, map[string]interface{}{}))

	e, err := store.Get(ctx, 10, "db", 100)
	require.NoError(t, err)
	assert.Equal(t, "db-password", e.TokenData["password"])
	assert.Equal(t, CacheSecret, e.CacheType)
}

func TestProcessCredential(t *testing.T) {
	p, store, sec := newTestProcessor(t)
	ctx := context.Background()

	doc := `{"client_id": "x", "client_secret": "y"}`
	require.NoError(t, sec.Set(ctx, "warehouse", doc))

	specs := []playbook.KeychainSpec{{Name: "warehouse", Kind: "credential"}}
	require.NoError(t, p.Process(ctx, specs, 10, 100, map[string]interface{}{}))

	e, err := store.Get(ctx, 10, "warehouse", 100)
	require.NoError(t, err)
	assert.Equal(t, "x", e.TokenData["client_id"])
}

func TestProcessGoogleServiceAccount(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	var grantedScope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		parts := strings.Split(r.Form.Get("assertion"), ".")
		require.Len(t, parts, 3)
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		require.NoError(t, err)
		var claims struct {
			Scope string `json:"scope"`
		}
		require.NoError(t, json.Unmarshal(payload, &claims))
		grantedScope = claims.Scope

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "sa-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p, store, sec := newTestProcessor(t)
	ctx := context.Background()

	doc, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": "robot@example.iam.gserviceaccount.com",
		"private_key":  string(keyPEM),
		"token_uri":    srv.URL,
	})
	require.NoError(t, err)
	require.NoError(t, sec.Set(ctx, "robot", string(doc)))

	// 缓存域走 scope，OAuth 授权域走 scopes，二者互不串扰
	specs := []playbook.KeychainSpec{{
		Name:   "robot",
		Kind:   "google_service_account",
		Scope:  ScopeCatalog,
		Scopes: []string{"https://www.googleapis.com/auth/bigquery"},
	}}
	require.NoError(t, p.Process(ctx, specs, 10, 100, map[string]interface{}{}))
	assert.Equal(t, "https://www.googleapis.com/auth/bigquery", grantedScope)

	e, err := store.Get(ctx, 10, "robot", 0)
	require.NoError(t, err)
	assert.Equal(t, "sa-token", e.TokenData["access_token"])
	assert.Equal(t, ScopeCatalog, e.ScopeType)

	// scopes 缺省时用 cloud-platform，而不是缓存域的值
	specs = []playbook.KeychainSpec{{
		Name:  "robot_default",
		Kind:  "google_service_account",
		Ref:   "robot",
		Scope: ScopeCatalog,
	}}
	require.NoError(t, p.Process(ctx, specs, 10, 100, map[string]interface{}{}))
	assert.Equal(t, "https://www.googleapis.com/auth/cloud-platform", grantedScope)
}

func TestProcessCredentialMissing(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	specs := []playbook.KeychainSpec{{Name: "ghost", Kind: "credential"}}
	err := p.Process(context.Background(), specs, 10, 100, map[string]interface{}{})
	require.Error(t, err)
}

func TestProcessUnknownKind(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	specs := []playbook.KeychainSpec{{Name: "x", Kind: "telepathy"}}
	err := p.Process(context.Background(), specs, 10, 100, map[string]interface{}{})
	require.Error(t, err)
}

func TestRenewDue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	specs := []playbook.KeychainSpec{{
		Name:      "idp",
		Kind:      "oauth2",
		Endpoint:  srv.URL,
		AutoRenew: true,
		Scope:     ScopeCatalog,
	}}
	require.NoError(t, p.Process(ctx, specs, 10, 0, map[string]interface{}{}))

	// 把条目改成即将过期，触发续期
	e, err := store.Get(ctx, 10, "idp", 0)
	require.NoError(t, err)
	e.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, store.Put(ctx, e))

	renewed, errs := p.RenewDue(ctx, time.Now().Add(10*time.Minute))
	assert.Empty(t, errs)
	assert.Equal(t, 1, renewed)

	after, err := store.Get(ctx, 10, "idp", 0)
	require.NoError(t, err)
	assert.Equal(t, "fresh", after.TokenData["access_token"])
	assert.True(t, after.ExpiresAt.After(time.Now().Add(30*time.Minute)))
}

func TestMemoryStoreScopeFallback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Entry{CatalogID: 1, Name: "tok", ExecutionID: 0,
		TokenData: map[string]interface{}{"v": "catalog-level"}}))

	// execution 级查询落回 catalog 级
	e, err := store.Get(ctx, 1, "tok", 999)
	require.NoError(t, err)
	assert.Equal(t, "catalog-level", e.TokenData["v"])

	// execution 级条目优先
	require.NoError(t, store.Put(ctx, &Entry{CatalogID: 1, Name: "tok", ExecutionID: 999,
		TokenData: map[string]interface{}{"v": "exec-level"}}))
	e, err = store.Get(ctx, 1, "tok", 999)
	require.NoError(t, err)
	assert.Equal(t, "exec-level", e.TokenData["v"])
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Entry{CatalogID: 1, Name: "old",
		ExpiresAt: time.Now().Add(-time.Minute)}))
	_, err := store.Get(ctx, 1, "old", 0)
	assert.Error(t, err)
}
