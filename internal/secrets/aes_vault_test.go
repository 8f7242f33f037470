package secrets

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqchain/pkg/schema"
)

// mapStore is an in-memory SecretStore for vault tests.
type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_StoreAndResolve(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "API_KEY", []byte("sk-secret-123")))

	val, err := v.Resolve(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-secret-123"), val)

	raw := s.data["API_KEY"]
	assert.False(t, bytes.Contains(raw, []byte("sk-secret-123")))
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	s := newMapStore()
	cfg := VaultConfig{Passphrase: "correct horse", Salt: []byte("0123456789abcdef"), Iterations: 1000}
	v, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "k", []byte("value")))

	again, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	val, err := again.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)

	cfg.Passphrase = "wrong horse"
	wrong, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	_, err = wrong.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_NameIsBound(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "A", []byte("alpha")))

	s.data["B"] = s.data["A"]
	_, err := v.Resolve(ctx, "B")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestAESVault_RejectsBadNames(t *testing.T) {
	v, _ := testVault(t)
	for _, key := range []string{"", "1abc", "has-dash", "a.b", "sp ace"} {
		err := v.Store(context.Background(), key, []byte("x"))
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), key)
	}
	assert.True(t, ValidKey("_token2"))
}

func TestAESVault_DeleteAndList(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "b_key", []byte("2")))
	require.NoError(t, v.Store(ctx, "a_key", []byte("1")))
	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_key", "b_key"}, keys)

	require.NoError(t, v.Delete(ctx, "a_key"))
	_, err = v.Resolve(ctx, "a_key")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_OverwriteAndEmpty(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "key", []byte("v1")))
	require.NoError(t, v.Store(ctx, "key", []byte{}))
	val, err := v.Resolve(ctx, "key")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("same-value")))
	first := bytes.Clone(s.data["k"])
	require.NoError(t, v.Store(ctx, "k", []byte("same-value")))

	assert.False(t, bytes.Equal(first, s.data["k"]))
}

func TestAESVault_Config(t *testing.T) {
	_, err := NewAESVault(newMapStore(), VaultConfig{MasterKey: []byte("too-short")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(newMapStore(), VaultConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(newMapStore(), VaultConfig{Passphrase: "pass"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}
