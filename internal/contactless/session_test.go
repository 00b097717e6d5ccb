package contactless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestReadPaymentCardTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.Present(nil)

	s := f.terminal.NewSession("req")
	_, err := s.ReadPaymentCard(context.Background(), time.Millisecond)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDevice))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, domain.StateTimedOut, s.State())
	assert.Equal(t, 1, f.reader.Resets())

	s.Close(context.Background())
	assert.Equal(t, 1, f.reader.Resets(), "reset must run exactly once")
	assert.Empty(t, s.ID())
}

func TestReadPaymentCardDetected(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.SetDelay(5 * time.Millisecond)

	s := f.terminal.NewSession("req")
	p, err := s.ReadPaymentCard(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "12/30", p.Expiry)
	assert.Equal(t, domain.StateCardPresent, s.State())

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, domain.StateIdle, history[0].From)
	assert.Equal(t, domain.StateDetecting, history[0].To)
	assert.Equal(t, domain.StateCardPresent, history[1].To)

	s.Close(context.Background())
	assert.Empty(t, p.PAN, "card data is cleared on teardown")
	assert.Equal(t, 1, f.reader.Resets())
}

func TestReadPaymentCardCancelled(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.Present(nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := f.terminal.NewSession("req")

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := s.ReadPaymentCard(ctx, time.Minute)
	require.Error(t, err)
	assert.Equal(t, domain.StateCancelled, s.State())
	assert.Equal(t, 1, f.reader.Resets())
}

func TestReadPaymentCardDetectError(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.FailDetect(errors.New("antenna fault"))

	s := f.terminal.NewSession("req")
	_, err := s.ReadPaymentCard(context.Background(), time.Second)
	assert.True(t, errors.Is(err, domain.ErrDevice))
	assert.Equal(t, domain.StateFailed, s.State())
}

func TestReadPaymentCardMissingEMVTag(t *testing.T) {
	f := newFixture(t, nil)
	p := testPayload()
	delete(p.EMVTags, domain.EMVTagApplicationProfile)
	f.reader.Present(p)

	s := f.terminal.NewSession("req")
	_, err := s.ReadPaymentCard(context.Background(), time.Second)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Equal(t, domain.StateFailed, s.State())
}

func TestReadPaymentCardRejectsReuse(t *testing.T) {
	f := newFixture(t, nil)

	s := f.terminal.NewSession("req")
	_, err := s.ReadPaymentCard(context.Background(), time.Second)
	require.NoError(t, err)

	_, err = s.ReadPaymentCard(context.Background(), time.Second)
	assert.True(t, errors.Is(err, domain.ErrDevice))
}

func TestReadPaymentCardRequiresPositiveTimeout(t *testing.T) {
	f := newFixture(t, nil)
	s := f.terminal.NewSession("req")
	_, err := s.ReadPaymentCard(context.Background(), 0)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Equal(t, domain.StateIdle, s.State())
}

func TestTeardownWithoutReadSkipsReset(t *testing.T) {
	f := newFixture(t, nil)
	s := f.terminal.NewSession("req")
	s.Close(context.Background())
	assert.Zero(t, f.reader.Resets())
}

func TestInitializeNFC(t *testing.T) {
	f := newFixture(t, func(c *domain.ContactlessConfig) {
		c.EnableHCE = true
		c.HCEServiceName = "kestrel-hce"
	})
	ctx := context.Background()

	require.NoError(t, f.terminal.InitializeNFC(ctx))
	require.NoError(t, f.terminal.InitializeNFC(ctx))
	assert.Equal(t, 1, f.reader.Initializations())

	params := f.reader.Params()
	assert.Equal(t, 250.0, params.TransactionLimit)
	assert.Equal(t, 100.0, params.CVMRequiredLimit)
	assert.Equal(t, "USD", params.Currency)
	assert.ElementsMatch(t, []string{domain.AIDVisa, domain.AIDMastercard, domain.AIDAmex, domain.AIDDiscover}, params.AIDs)

	services := f.reader.Services()
	require.Len(t, services, 1)
	assert.Equal(t, "kestrel-hce", services[0].Name)
}

func TestInitializeNFCFailureIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.FailInitialize(errors.New("usb disconnected"))

	err := f.terminal.InitializeNFC(context.Background())
	assert.True(t, errors.Is(err, domain.ErrDevice))

	f.reader.FailInitialize(nil)
	require.NoError(t, f.terminal.InitializeNFC(context.Background()))
	assert.Equal(t, 1, f.reader.Initializations())
}

func TestInitializeNFCWithoutReader(t *testing.T) {
	f := newFixture(t, nil)
	f.terminal.reader = nil

	err := f.terminal.InitializeNFC(context.Background())
	assert.True(t, errors.Is(err, domain.ErrDevice))

	res, err := f.terminal.ProcessContactlessPayment(context.Background(), domain.PaymentRequest{Amount: 10})
	assert.True(t, errors.Is(err, domain.ErrDevice))
	assert.Equal(t, domain.StateFailed, res.State)
}

func TestNewReader(t *testing.T) {
	r, err := NewReader(domain.ContactlessConfig{Reader: ReaderNone})
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = NewReader(domain.ContactlessConfig{Reader: ReaderSimulated})
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = NewReader(domain.ContactlessConfig{Reader: "pcsc"})
	assert.Error(t, err)
}
