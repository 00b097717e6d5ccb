package vault

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

// memStore is a map-backed VaultStore that counts writes.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*domain.VaultEntry
	puts    int
	failPut error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*domain.VaultEntry)}
}

func (s *memStore) PutVaultEntry(_ context.Context, e *domain.VaultEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	s.puts++
	cp := *e
	cp.Ciphertext = append([]byte(nil), e.Ciphertext...)
	s.entries[e.Token] = &cp
	return nil
}

func (s *memStore) GetVaultEntry(_ context.Context, token string) (*domain.VaultEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.Ciphertext = append([]byte(nil), e.Ciphertext...)
	return &cp, nil
}

func (s *memStore) DeleteVaultEntry(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	vault *Vault
	store *memStore
	sink  *audit.MemorySink
	clock *testClock
}

func newFixture(t *testing.T, mutate func(*domain.VaultConfig), opts ...Option) *fixture {
	t.Helper()
	cfg := domain.DefaultConfig().Vault
	cfg.MasterKey = testMasterKey
	if mutate != nil {
		mutate(&cfg)
	}

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	sink := audit.NewMemorySink()
	logger := audit.NewLogger(sink, audit.WithHashSalt("test"), audit.WithClock(clock.Now))

	v, err := New(cfg, store, logger, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return &fixture{vault: v, store: store, sink: sink, clock: clock}
}

func validCard() *domain.CardData {
	return &domain.CardData{
		PAN:         "4111111111111111",
		ExpiryMonth: "12",
		ExpiryYear:  "2030",
		CVV:         "123",
	}
}

func TestLuhnValid(t *testing.T) {
	valid := []string{
		"4111111111111111",
		"4222222222222",
		"5555555555554444",
		"378282246310005",
		"6011111111111117",
		"2223003122003222",
		"4012888888881881",
		"6304000000000000000",
		"4000000000000000006",
	}
	for _, pan := range valid {
		assert.True(t, LuhnValid(pan), pan)
	}

	for _, pan := range []string{"4111111111111112", "", "4111-1111", "abcd"} {
		assert.False(t, LuhnValid(pan), pan)
	}
}

func TestBrandOf(t *testing.T) {
	tests := map[string]domain.CardBrand{
		"4111111111111111":    domain.BrandVisa,
		"5555555555554444":    domain.BrandMastercard,
		"2223003122003222":    domain.BrandMastercard,
		"378282246310005":     domain.BrandAmex,
		"6011111111111117":    domain.BrandDiscover,
		"6304000000000000000": domain.BrandDiscover,
		"9999999999999995":    domain.BrandUnknown,
		"":                    domain.BrandUnknown,
	}
	for pan, want := range tests {
		assert.Equal(t, want, BrandOf(pan), pan)
	}
}

func TestValidateCardData(t *testing.T) {
	tests := []struct {
		name  string
		card  *domain.CardData
		field string
	}{
		{"nil", nil, "card"},
		{"non-digit", &domain.CardData{PAN: "4111x11111111111", ExpiryMonth: "12", ExpiryYear: "2030"}, "pan"},
		{"too short", &domain.CardData{PAN: "411111111111", ExpiryMonth: "12", ExpiryYear: "2030"}, "pan"},
		{"too long", &domain.CardData{PAN: "41111111111111111111", ExpiryMonth: "12", ExpiryYear: "2030"}, "pan"},
		{"luhn", &domain.CardData{PAN: "4111111111111112", ExpiryMonth: "12", ExpiryYear: "2030"}, "pan"},
		{"month 13", &domain.CardData{PAN: "4111111111111111", ExpiryMonth: "13", ExpiryYear: "2030"}, "expiryMonth"},
		{"month 00", &domain.CardData{PAN: "4111111111111111", ExpiryMonth: "00", ExpiryYear: "2030"}, "expiryMonth"},
		{"short year", &domain.CardData{PAN: "4111111111111111", ExpiryMonth: "12", ExpiryYear: "30"}, "expiryYear"},
		{"cvv", &domain.CardData{PAN: "4111111111111111", ExpiryMonth: "12", ExpiryYear: "2030", CVV: "12"}, "cvv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCardData(tt.card)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))

			var de *domain.Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.field, de.Field)
			if tt.card != nil && tt.card.PAN != "" {
				assert.NotContains(t, err.Error(), tt.card.PAN)
			}
		})
	}

	assert.NoError(t, ValidateCardData(validCard()))
	assert.NoError(t, ValidateCardData(&domain.CardData{PAN: "4111 1111 1111 1111", ExpiryMonth: "01", ExpiryYear: "2031"}))
}

func TestValidateCardPayload(t *testing.T) {
	ok := &domain.CardPayload{PAN: "4111111111111111", Expiry: "12/30"}
	assert.NoError(t, ValidateCardPayload(ok))

	assert.Error(t, ValidateCardPayload(nil))
	assert.Error(t, ValidateCardPayload(&domain.CardPayload{PAN: "4111", Expiry: "12/30"}))
	assert.Error(t, ValidateCardPayload(&domain.CardPayload{PAN: "4111111111111111", Expiry: "1230"}))
	assert.Error(t, ValidateCardPayload(&domain.CardPayload{PAN: "4111111111111111", Expiry: "13/30"}))

	tagged := &domain.CardPayload{
		PAN:    "4111111111111111",
		Expiry: "12/30",
		EMVTags: map[string]string{
			domain.EMVTagCurrencyCode:       "0840",
			domain.EMVTagApplicationProfile: "1980",
		},
	}
	err := ValidateCardPayload(tagged)
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.EMVTagTransactionCounter)

	tagged.EMVTags[domain.EMVTagTransactionCounter] = "0001"
	assert.NoError(t, ValidateCardPayload(tagged))
}

func TestNewRejectsShortKey(t *testing.T) {
	cfg := domain.DefaultConfig().Vault
	cfg.MasterKey = "short"
	_, err := New(cfg, newMemStore(), audit.NewLogger(audit.NewMemorySink(), audit.WithHashSalt("x")))
	assert.Error(t, err)
}

func TestNewRejectsUnknownCipher(t *testing.T) {
	cfg := domain.DefaultConfig().Vault
	cfg.MasterKey = testMasterKey
	cfg.Cipher = "rot13"
	_, err := New(cfg, newMemStore(), audit.NewLogger(audit.NewMemorySink(), audit.WithHashSalt("x")))
	assert.Error(t, err)
}

func TestTokenizeRoundTrip(t *testing.T) {
	for _, cipherName := range []string{domain.CipherXChaCha20Poly1305, domain.CipherAES256GCM} {
		t.Run(cipherName, func(t *testing.T) {
			f := newFixture(t, func(c *domain.VaultConfig) { c.Cipher = cipherName })
			ctx := context.Background()
			card := validCard()

			tc, err := f.vault.Tokenize(ctx, card, "req-1")
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(tc.Token, TokenPrefix))
			assert.Equal(t, "************1111", tc.MaskedPAN)
			assert.Equal(t, domain.BrandVisa, tc.Brand)
			assert.Equal(t, "12", tc.ExpiryMonth)
			assert.Equal(t, "2030", tc.ExpiryYear)
			assert.Equal(t, tc.CreatedAt.Add(365*24*time.Hour), tc.ExpiresAt)
			assert.Empty(t, card.CVV)

			entry, err := f.store.GetVaultEntry(ctx, tc.Token)
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.NotContains(t, string(entry.Ciphertext), "4111111111111111")
			assert.Equal(t, "k1", entry.KeyID)

			pan, err := f.vault.DetokenizeForPayment(ctx, tc.Token, "req-2")
			require.NoError(t, err)
			assert.Equal(t, "4111111111111111", pan)
		})
	}
}

func TestTokenizeMaskProperty(t *testing.T) {
	f := newFixture(t, nil)
	for _, pan := range []string{"4222222222222", "378282246310005", "6304000000000000000"} {
		tc, err := f.vault.Tokenize(context.Background(), &domain.CardData{
			PAN: pan, ExpiryMonth: "06", ExpiryYear: "2029",
		}, "req")
		require.NoError(t, err)
		assert.Len(t, tc.MaskedPAN, len(pan))
		assert.Equal(t, pan[len(pan)-4:], tc.MaskedPAN[len(pan)-4:])
		assert.Equal(t, strings.Repeat("*", len(pan)-4), tc.MaskedPAN[:len(pan)-4])
	}
}

func TestTokenizeMintsNewTokenPerCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.vault.Tokenize(ctx, validCard(), "req")
	require.NoError(t, err)
	b, err := f.vault.Tokenize(ctx, validCard(), "req")
	require.NoError(t, err)

	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, 2, f.store.puts)
}

func TestTokenizeInvalidStoresNothing(t *testing.T) {
	f := newFixture(t, nil)
	card := &domain.CardData{PAN: "4111111111111112", ExpiryMonth: "12", ExpiryYear: "2030", CVV: "999"}

	_, err := f.vault.Tokenize(context.Background(), card, "req-bad")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Zero(t, f.store.puts)
	assert.Empty(t, card.CVV)

	payments := f.sink.ByType(domain.EventPayment)
	require.Len(t, payments, 1)
	assert.False(t, payments[0].Success)
}

func TestTokenizeCipherFailure(t *testing.T) {
	f := newFixture(t, nil, WithRandom(failingReader{}))

	_, err := f.vault.Tokenize(context.Background(), validCard(), "req")
	require.Error(t, err)
	assert.Equal(t, domain.KindEncryption, domain.KindOf(err))
	assert.Zero(t, f.store.puts)

	errs := f.sink.ByType(domain.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.SeverityCritical, errs[0].Severity)
}

func TestTokenizeStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.failPut = errors.New("disk full")

	_, err := f.vault.Tokenize(context.Background(), validCard(), "req")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, f.sink.ByType(domain.EventError), 1)
}

func TestDetokenizeUnknown(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.vault.DetokenizeForPayment(context.Background(), "tok_missing", "req")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = f.vault.DetokenizeForPayment(context.Background(), "", "req")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	access := f.sink.ByType(domain.EventDataAccess)
	require.Len(t, access, 1)
	assert.False(t, access[0].Success)
}

func TestDetokenizeExpired(t *testing.T) {
	f := newFixture(t, func(c *domain.VaultConfig) { c.TokenTTL = time.Hour })
	ctx := context.Background()

	tc, err := f.vault.Tokenize(ctx, validCard(), "req")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.vault.DetokenizeForPayment(ctx, tc.Token, "req")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	entry, err := f.store.GetVaultEntry(ctx, tc.Token)
	require.NoError(t, err)
	assert.Nil(t, entry, "expired entry should be removed")
}

func TestDetokenizeTampered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tc, err := f.vault.Tokenize(ctx, validCard(), "req")
	require.NoError(t, err)

	entry, _ := f.store.GetVaultEntry(ctx, tc.Token)
	entry.Ciphertext[len(entry.Ciphertext)-1] ^= 0xFF
	require.NoError(t, f.store.PutVaultEntry(ctx, entry))

	_, err = f.vault.DetokenizeForPayment(ctx, tc.Token, "req")
	require.Error(t, err)
	assert.Equal(t, domain.KindEncryption, domain.KindOf(err))

	errs := f.sink.ByType(domain.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.SeverityCritical, errs[0].Severity)
}

func TestDetokenizeRejectsCiphertextMovedToOtherToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tc, err := f.vault.Tokenize(ctx, validCard(), "req")
	require.NoError(t, err)

	entry, _ := f.store.GetVaultEntry(ctx, tc.Token)
	entry.Token = "tok_other"
	require.NoError(t, f.store.PutVaultEntry(ctx, entry))

	_, err = f.vault.DetokenizeForPayment(ctx, "tok_other", "req")
	assert.Equal(t, domain.KindEncryption, domain.KindOf(err))
}

func TestDetokenizeAcrossCipherSwitch(t *testing.T) {
	f := newFixture(t, func(c *domain.VaultConfig) { c.Cipher = domain.CipherAES256GCM })
	ctx := context.Background()

	tc, err := f.vault.Tokenize(ctx, validCard(), "req")
	require.NoError(t, err)

	cfg := domain.DefaultConfig().Vault
	cfg.MasterKey = testMasterKey
	cfg.Cipher = domain.CipherXChaCha20Poly1305
	switched, err := New(cfg, f.store, audit.NewLogger(f.sink, audit.WithHashSalt("test")), WithClock(f.clock.Now))
	require.NoError(t, err)

	pan, err := switched.DetokenizeForPayment(ctx, tc.Token, "req")
	require.NoError(t, err)
	assert.Equal(t, "4111111111111111", pan)
}

func TestFingerprint(t *testing.T) {
	f := newFixture(t, nil)

	a := f.vault.Fingerprint("4111111111111111", "12", "2030")
	b := f.vault.Fingerprint("4111 1111 1111 1111", "12", "2030")
	c := f.vault.Fingerprint("4111111111111111", "11", "2030")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.NotContains(t, a, "4111111111111111")

	other := newFixture(t, func(cfg *domain.VaultConfig) {
		cfg.MasterKey = "fedcba9876543210fedcba9876543210"
	})
	assert.NotEqual(t, a, other.vault.Fingerprint("4111111111111111", "12", "2030"))
}

func TestCryptogram(t *testing.T) {
	f := newFixture(t, nil)
	a := f.vault.Cryptogram("A0000000031010", "0001", "12345678")
	assert.Len(t, a, 16)
	assert.Equal(t, a, f.vault.Cryptogram("A0000000031010", "0001", "12345678"))
	assert.NotEqual(t, a, f.vault.Cryptogram("A0000000031010", "0002", "12345678"))
}

func TestCacheStore(t *testing.T) {
	ctx := context.Background()
	store := NewCacheStore(cache.NewLRUCache(100))

	now := time.Now()
	entry := &domain.VaultEntry{
		Token:      "tok_1",
		Ciphertext: []byte{1, 2, 3},
		KeyID:      "k1",
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, store.PutVaultEntry(ctx, entry))

	got, err := store.GetVaultEntry(ctx, "tok_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Ciphertext, got.Ciphertext)
	assert.Equal(t, "k1", got.KeyID)

	require.NoError(t, store.DeleteVaultEntry(ctx, "tok_1"))
	got, err = store.GetVaultEntry(ctx, "tok_1")
	require.NoError(t, err)
	assert.Nil(t, got)

	expired := *entry
	expired.ExpiresAt = now.Add(-time.Second)
	assert.Error(t, store.PutVaultEntry(ctx, &expired))
}

func TestVaultOverCacheStore(t *testing.T) {
	cfg := domain.DefaultConfig().Vault
	cfg.MasterKey = testMasterKey
	v, err := New(cfg, NewCacheStore(cache.NewLRUCache(100)), audit.NewLogger(audit.NewMemorySink(), audit.WithHashSalt("x")))
	require.NoError(t, err)

	tc, err := v.Tokenize(context.Background(), validCard(), "req")
	require.NoError(t, err)
	pan, err := v.DetokenizeForPayment(context.Background(), tc.Token, "req")
	require.NoError(t, err)
	assert.Equal(t, "4111111111111111", pan)
}
