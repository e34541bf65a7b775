// Package yatierr defines the stable error taxonomy surfaced by the yati
// installer. Every exported sentinel corresponds to one "kind" from the
// installer's error surface; callers use errors.Is against these sentinels
// rather than matching on formatted strings.
package yatierr

import "errors"

var (
	// ErrSourceError wraps a failure reading from the byte source (short
	// read, read past EOF, underlying I/O error).
	ErrSourceError = errors.New("yati: source read error")

	// ErrContainerNotFound is returned when a path's extension does not
	// match any supported container kind (NSP/NSZ/XCI/XCZ).
	ErrContainerNotFound = errors.New("yati: container not found")

	// ErrCertNotFound is returned when a .tik entry has no matching .cert
	// sibling in the collection.
	ErrCertNotFound = errors.New("yati: cert not found")

	// ErrTicketNotFound is returned when an NCA's rights id has no
	// resolvable ticket record.
	ErrTicketNotFound = errors.New("yati: ticket not found")

	// ErrNcaNotFound is returned when a CNMT references a content id that
	// is not present in the container's collection.
	ErrNcaNotFound = errors.New("yati: nca not found")

	// ErrInvalidNcaMagic is returned when a decrypted NCA header does not
	// carry the "NCA3" magic.
	ErrInvalidNcaMagic = errors.New("yati: invalid nca magic")

	// ErrInvalidNcaSha256 is returned when the running hash of produced
	// bytes does not match the declared content id.
	ErrInvalidNcaSha256 = errors.New("yati: invalid nca sha256")

	// ErrInvalidFixedKeySignature is returned when the fixed-key RSA-PSS
	// signature over the header body fails to verify.
	ErrInvalidFixedKeySignature = errors.New("yati: invalid fixed key signature")

	// ErrInvalidNczSectionCount is returned when an NCZ section header
	// declares zero sections.
	ErrInvalidNczSectionCount = errors.New("yati: invalid ncz section count")

	// ErrNczSectionNotFound is returned when a decompressed output offset
	// cannot be matched to any NCZ section.
	ErrNczSectionNotFound = errors.New("yati: ncz section not found")

	// ErrNczBlockNotFound is returned when a read offset cannot be matched
	// to any NCZ block.
	ErrNczBlockNotFound = errors.New("yati: ncz block not found")

	// ErrInvalidNczZstdError is returned when the zstd decoder reports an
	// error decompressing an NCZ block.
	ErrInvalidNczZstdError = errors.New("yati: invalid ncz zstd error")

	// ErrNcmDbCorruptHeader is returned when a meta-db record's header
	// blob size does not match the expected struct size.
	ErrNcmDbCorruptHeader = errors.New("yati: ncm db corrupt header")

	// ErrNcmDbCorruptInfos is returned when a meta-db record's content-info
	// count does not match what was listed.
	ErrNcmDbCorruptInfos = errors.New("yati: ncm db corrupt infos")

	// ErrCancelled is returned when the caller-supplied context was
	// cancelled before or during an install.
	ErrCancelled = errors.New("yati: cancelled")

	// ErrStoreError wraps a failure from the content store or meta DB.
	ErrStoreError = errors.New("yati: store error")
)
