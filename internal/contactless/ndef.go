package contactless

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Type name formats of an NDEF record header.
const (
	TNFEmpty       byte = 0x00
	TNFWellKnown   byte = 0x01
	TNFMedia       byte = 0x02
	TNFAbsoluteURI byte = 0x03
	TNFExternal    byte = 0x04
	TNFUnknown     byte = 0x05
	TNFUnchanged   byte = 0x06
)

// MaxNDEFPayload is the largest accepted record payload.
const MaxNDEFPayload = 8 * 1024

// NDEFRecord is a single NDEF record.
type NDEFRecord struct {
	TNF     byte   `json:"tnf"`
	Type    []byte `json:"type,omitempty"`
	ID      []byte `json:"id,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// ValidateNDEF checks a message before it is written to a tag.
func ValidateNDEF(records []NDEFRecord) error {
	if len(records) == 0 {
		return domain.NewValidationError("records", "at least one NDEF record is required")
	}
	for i, rec := range records {
		field := fmt.Sprintf("records[%d]", i)
		if rec.TNF > TNFUnchanged {
			return domain.NewValidationError(field, "type name format must be between 0 and 6")
		}
		switch rec.TNF {
		case TNFEmpty:
			if len(rec.Type) > 0 || len(rec.ID) > 0 || len(rec.Payload) > 0 {
				return domain.NewValidationError(field, "empty record must not carry type, id or payload")
			}
		case TNFWellKnown, TNFMedia, TNFAbsoluteURI, TNFExternal:
			if len(rec.Type) == 0 {
				return domain.NewValidationError(field, "record type is required")
			}
		case TNFUnknown, TNFUnchanged:
			if len(rec.Type) > 0 {
				return domain.NewValidationError(field, "record type must be empty")
			}
		}
		if len(rec.Payload) > MaxNDEFPayload {
			return domain.NewValidationError(field, "record payload exceeds 8 KiB")
		}
	}
	return nil
}

// WriteNDEF validates records and writes them through the reader. It does
// not touch any payment session.
func (t *Terminal) WriteNDEF(ctx context.Context, records []NDEFRecord) error {
	if err := ValidateNDEF(records); err != nil {
		return err
	}
	if err := t.InitializeNFC(ctx); err != nil {
		return err
	}
	if err := t.reader.WriteNDEF(ctx, records); err != nil {
		return domain.NewDeviceError("failed to write NDEF message", err)
	}
	return nil
}

// SetupHostCardEmulation registers the configured HCE service.
func (t *Terminal) SetupHostCardEmulation(ctx context.Context) error {
	if err := t.InitializeNFC(ctx); err != nil {
		return err
	}
	return t.registerHCE(ctx)
}

func (t *Terminal) registerHCE(ctx context.Context) error {
	if t.cfg.HCEServiceName == "" {
		return domain.NewValidationError("hceServiceName", "card emulation service name is required")
	}
	if len(t.cfg.SupportedAIDs) == 0 {
		return domain.NewValidationError("supportedAids", "card emulation requires at least one AID")
	}
	err := t.reader.RegisterHCEService(ctx, HCEService{
		Name: t.cfg.HCEServiceName,
		AIDs: append([]string(nil), t.cfg.SupportedAIDs...),
	})
	if err != nil {
		return domain.NewDeviceError("failed to register card emulation service", err)
	}
	return nil
}
