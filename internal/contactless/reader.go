package contactless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Reader drivers.
const (
	ReaderNone      = "none"
	ReaderSimulated = "simulated"
)

// EMVParameters configure the reader's contactless kernel.
type EMVParameters struct {
	TransactionLimit float64
	CVMRequiredLimit float64
	FloorLimit       float64
	Currency         string
	AIDs             []string
}

// HCEService is a host card emulation registration.
type HCEService struct {
	Name string
	AIDs []string
}

// Reader is the NFC hardware boundary.
type Reader interface {
	// Initialize configures the contactless kernel.
	Initialize(ctx context.Context, params EMVParameters) error

	// DetectCard blocks until a card is presented or ctx is done.
	DetectCard(ctx context.Context) (*domain.CardPayload, error)

	// Reset returns the reader to its idle field state.
	Reset(ctx context.Context) error

	WriteNDEF(ctx context.Context, records []NDEFRecord) error
	RegisterHCEService(ctx context.Context, svc HCEService) error
}

// NewReader returns the reader driver named by cfg.Reader. The "none"
// driver returns a nil Reader; payments then fail at initialization.
func NewReader(cfg domain.ContactlessConfig) (Reader, error) {
	switch cfg.Reader {
	case "", ReaderNone:
		return nil, nil
	case ReaderSimulated:
		return NewSimulatedReader(&domain.CardPayload{
			PAN:    "4111111111111111",
			Expiry: "12/30",
			AID:    domain.AIDVisa,
			EMVTags: map[string]string{
				domain.EMVTagCurrencyCode:       "0840",
				domain.EMVTagApplicationProfile: "1980",
				domain.EMVTagTransactionCounter: "0001",
			},
		}), nil
	default:
		return nil, fmt.Errorf("unsupported reader: %s", cfg.Reader)
	}
}

// SimulatedReader is an in-memory reader. A nil payload never presents a
// card: DetectCard blocks until its context is done.
type SimulatedReader struct {
	mu       sync.Mutex
	payload  *domain.CardPayload
	delay    time.Duration
	initErr  error
	detErr   error
	params   EMVParameters
	inits    int
	resets   int
	ndef     [][]NDEFRecord
	services []HCEService
}

// NewSimulatedReader returns a reader that presents payload on every read.
func NewSimulatedReader(payload *domain.CardPayload) *SimulatedReader {
	return &SimulatedReader{payload: payload}
}

// Present sets the card presented by later reads.
func (r *SimulatedReader) Present(payload *domain.CardPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload = payload
}

// SetDelay makes each read wait d before presenting the card.
func (r *SimulatedReader) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// FailInitialize makes Initialize return err.
func (r *SimulatedReader) FailInitialize(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initErr = err
}

// FailDetect makes DetectCard return err.
func (r *SimulatedReader) FailDetect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detErr = err
}

func (r *SimulatedReader) Initialize(_ context.Context, params EMVParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initErr != nil {
		return r.initErr
	}
	r.inits++
	r.params = params
	return nil
}

func (r *SimulatedReader) DetectCard(ctx context.Context) (*domain.CardPayload, error) {
	r.mu.Lock()
	payload, delay, detErr := r.payload, r.delay, r.detErr
	r.mu.Unlock()

	if detErr != nil {
		return nil, detErr
	}
	if payload == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cp := *payload
	if payload.EMVTags != nil {
		cp.EMVTags = make(map[string]string, len(payload.EMVTags))
		for k, v := range payload.EMVTags {
			cp.EMVTags[k] = v
		}
	}
	return &cp, nil
}

func (r *SimulatedReader) Reset(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	return nil
}

func (r *SimulatedReader) WriteNDEF(_ context.Context, records []NDEFRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ndef = append(r.ndef, records)
	return nil
}

func (r *SimulatedReader) RegisterHCEService(_ context.Context, svc HCEService) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, svc)
	return nil
}

// Initializations returns how many times Initialize succeeded.
func (r *SimulatedReader) Initializations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inits
}

// Resets returns how many times Reset was called.
func (r *SimulatedReader) Resets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}

// Params returns the last EMV parameters applied.
func (r *SimulatedReader) Params() EMVParameters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// Written returns every NDEF message written.
func (r *SimulatedReader) Written() [][]NDEFRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]NDEFRecord(nil), r.ndef...)
}

// Services returns every registered HCE service.
func (r *SimulatedReader) Services() []HCEService {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HCEService(nil), r.services...)
}
