// Package ticket resolves and patches the title-key tickets carried
// alongside rights-id NCAs: building one Record per .tik/.cert pair in a
// container's collection, decrypting the ticket's title key under the key
// store's title-kek chain, and (when converting an NCA to standard crypto,
// or raising/lowering its key generation) re-wrapping that title key for a
// different master-key generation.
//
// Grounded on _examples/original_source/sphaira/source/yati/yati.cpp's
// ParseTicketsIntoCollection/GetTicketCollection/HasRequiredTicket and
// es::PatchTicket/es::GetTitleKeyDecrypted call sites, and the common
// ticket layout documented for the platform (signature type 0x000,
// signature 0x004-0x104, title-key block at 0x180, key generation at
// 0x285, rights id at 0x2A0 — a 0x2C0-byte common ticket).
package ticket

import (
	"context"
	"fmt"
	"strings"

	"github.com/nxinstall/yati/pkg/container"
	"github.com/nxinstall/yati/pkg/keys"
	"github.com/nxinstall/yati/pkg/source"
	"github.com/nxinstall/yati/pkg/yatierr"
)

// Store is the consumed ticket-store interface: importing a ticket/cert
// pair into the device's persistent ticket database.
type Store interface {
	ImportTicket(ctx context.Context, ticketBytes, certBytes []byte) error
}

const (
	structSize       = 0x2C0
	titleKeyBlockOff = 0x180
	keyGenOff        = 0x285
	rightsIDOff      = 0x2A0
)

// Record is one resolved ticket: its rights id, the raw ticket and cert
// bytes, the key generation it declares, and whether the installer decided
// it is actually required (only set once an installed NCA's rights id
// matches it, or in ticket-only mode).
type Record struct {
	RightsID      [0x10]byte
	Ticket        []byte
	Cert          []byte
	KeyGeneration int
	Required      bool
	Patched       bool

	titleKey []byte // decrypted title key, lazily populated by Decrypt
}

// RightsIDHex returns the rights id as a lowercase hex string, the form
// NCA/ticket filenames encode it in.
func (r *Record) RightsIDHex() string {
	return fmt.Sprintf("%x", r.RightsID[:])
}

// Resolve builds one Record per .tik file in col, pairing it with its
// sibling .cert. A .tik with no matching .cert is a cert-not-found error.
func Resolve(src source.Source, col *container.Collection) ([]*Record, error) {
	var records []*Record

	for _, e := range col.Entries {
		if !strings.HasSuffix(e.Name, ".tik") {
			continue
		}
		base := strings.TrimSuffix(e.Name, ".tik")

		certEntry, ok := col.Find(base + ".cert")
		if !ok {
			return nil, fmt.Errorf("ticket: no cert for %s: %w", e.Name, yatierr.ErrCertNotFound)
		}

		tikBuf := make([]byte, e.Size)
		if _, err := src.ReadAt(tikBuf, e.Offset); err != nil {
			return nil, fmt.Errorf("ticket: read %s: %w", e.Name, err)
		}
		certBuf := make([]byte, certEntry.Size)
		if _, err := src.ReadAt(certBuf, certEntry.Offset); err != nil {
			return nil, fmt.Errorf("ticket: read %s: %w", certEntry.Name, err)
		}

		rec, err := parse(tikBuf, certBuf)
		if err != nil {
			return nil, fmt.Errorf("ticket: parse %s: %w", e.Name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parse(tik, cert []byte) (*Record, error) {
	if len(tik) < structSize {
		return nil, fmt.Errorf("ticket too short: %d bytes", len(tik))
	}

	var r Record
	copy(r.RightsID[:], tik[rightsIDOff:rightsIDOff+0x10])
	r.KeyGeneration = int(tik[keyGenOff])
	r.Ticket = append([]byte(nil), tik...)
	r.Cert = append([]byte(nil), cert...)
	return &r, nil
}

// FindByRightsID looks up the ticket matching an NCA's rights id within a
// resolved set.
func FindByRightsID(records []*Record, rightsID [0x10]byte) (*Record, bool) {
	for _, r := range records {
		if r.RightsID == rightsID {
			return r, true
		}
	}
	return nil, false
}

// Decrypt returns the ticket's plaintext title key, decrypting and caching
// it on first call.
func (r *Record) Decrypt(store *keys.Store) ([]byte, error) {
	if r.titleKey != nil {
		return r.titleKey, nil
	}
	encrypted := r.Ticket[titleKeyBlockOff : titleKeyBlockOff+0x10]
	tk, err := store.DecryptTitleKey(encrypted, r.KeyGeneration)
	if err != nil {
		return nil, fmt.Errorf("ticket: decrypt title key: %w", err)
	}
	r.titleKey = tk
	return tk, nil
}

// Patch re-wraps the ticket's title key block for targetGeneration and
// rewrites the declared key generation byte, used when importing a ticket
// whose generation must be lowered to match the device's key chain.
func (r *Record) Patch(store *keys.Store, targetGeneration int) error {
	tk, err := r.Decrypt(store)
	if err != nil {
		return err
	}
	wrapped, err := store.EncryptTitleKey(tk, targetGeneration)
	if err != nil {
		return fmt.Errorf("ticket: re-wrap title key: %w", err)
	}

	copy(r.Ticket[titleKeyBlockOff:titleKeyBlockOff+0x10], wrapped)
	r.Ticket[keyGenOff] = byte(targetGeneration)
	r.KeyGeneration = targetGeneration
	r.Patched = true
	return nil
}
