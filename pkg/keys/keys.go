// Package keys implements the installer's key store: the raw key material
// loaded from a prod.keys-style file, and the derivation of the per-
// generation title-keks and key-area-keys needed to unwrap/rewrap NCA
// key areas and ticket title keys.
//
// Unlike the teacher (which kept keys in package-level globals, acceptable
// for a single-shot CLI), the installer core is meant to be driven
// concurrently by pipeline workers across many installs in one process, so
// key material lives on a Store value handed to workers by reference —
// the "Installer context acquired at scope start" shape the spec's design
// notes call for.
package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nxinstall/yati/pkg/crypto"
)

const maxKeyGeneration = 32

// KeyAreaKeyApplication, KeyAreaKeyOcean and KeyAreaKeySystem index the
// three key-area-key slots carried per generation.
const (
	KeyAreaKeyApplication = 0
	KeyAreaKeyOcean       = 1
	KeyAreaKeySystem      = 2
)

// Store holds raw and derived key material for one installer session.
type Store struct {
	mu   sync.RWMutex
	raw  map[string][]byte
	keks [maxKeyGeneration][3][]byte
	tkek [maxKeyGeneration][]byte
}

// NewStore returns an empty key store; Load or LoadDefault populate it.
func NewStore() *Store {
	return &Store{raw: make(map[string][]byte)}
}

// Load reads keys from a file formatted as "key_name = HEXVALUE" per line,
// then derives the generation-indexed key chains.
func (s *Store) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		name := strings.TrimSpace(parts[0])
		valHex := strings.TrimSpace(parts[1])

		val, err := hex.DecodeString(valHex)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.raw[name] = val
		s.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	s.deriveKeys()
	return nil
}

// LoadDefault tries to load keys from standard locations (the current
// directory, then ~/.switch).
func (s *Store) LoadDefault() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	paths := []string{
		"prod.keys",
		"keys.txt",
		filepath.Join(home, ".switch", "prod.keys"),
		filepath.Join(home, ".switch", "keys.txt"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return s.Load(p)
		}
	}
	return fmt.Errorf("no keys file found")
}

// Get retrieves a raw key by name. Returns nil if not found.
func (s *Store) Get(name string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.raw[name]
	if !ok {
		return nil
	}
	dest := make([]byte, len(k))
	copy(dest, k)
	return dest
}

// HeaderKey returns the 32-byte AES-XTS key used to decrypt/encrypt NCA
// headers.
func (s *Store) HeaderKey() []byte {
	return s.Get("header_key")
}

// FixedKeyModulus returns the public RSA-2048 modulus used to verify the
// NCA's fixed-key signature. index 0 is the default (non-NPDM) fixed key.
func (s *Store) FixedKeyModulus(index int) []byte {
	return s.Get(fmt.Sprintf("nca_header_fixed_key_modulus_%02x", index))
}

func (s *Store) deriveKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()

	aesKekGen := s.raw["aes_kek_generation_source"]
	aesKeyGen := s.raw["aes_key_generation_source"]
	titleKekSource := s.raw["titlekek_source"]

	keyAreaSources := [3][]byte{
		s.raw["key_area_key_application_source"],
		s.raw["key_area_key_ocean_source"],
		s.raw["key_area_key_system_source"],
	}

	if aesKekGen == nil || aesKeyGen == nil {
		return
	}

	for i := 0; i < maxKeyGeneration; i++ {
		masterKey := s.raw[fmt.Sprintf("master_key_%02x", i)]
		if masterKey == nil {
			continue
		}

		if titleKekSource != nil {
			if tk, err := crypto.ECBDecrypt(titleKekSource, masterKey); err == nil {
				s.tkek[i] = tk
			}
		}

		for typeIdx := 0; typeIdx < 3; typeIdx++ {
			if keyAreaSources[typeIdx] == nil {
				continue
			}
			if kak, err := generateKek(keyAreaSources[typeIdx], masterKey, aesKekGen, aesKeyGen); err == nil {
				s.keks[i][typeIdx] = kak
			}
		}
	}
}

func generateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := crypto.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}

	srcKek, err := crypto.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}

	if keySeed != nil {
		return crypto.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

// TitleKek returns the title-key-encryption-key for the given generation.
func (s *Store) TitleKek(gen int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if gen < 0 || gen >= maxKeyGeneration {
		return nil
	}
	return s.tkek[gen]
}

// KeyAreaKey returns the key-area-key for the given generation and slot
// (KeyAreaKeyApplication/Ocean/System).
func (s *Store) KeyAreaKey(gen, slot int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if gen < 0 || gen >= maxKeyGeneration || slot < 0 || slot > 2 {
		return nil
	}
	return s.keks[gen][slot]
}

// DecryptTitleKey decrypts a ticket's encrypted title key using the
// title-kek at the given master key generation.
func (s *Store) DecryptTitleKey(encryptedKey []byte, gen int) ([]byte, error) {
	kek := s.TitleKek(gen)
	if kek == nil {
		return nil, fmt.Errorf("title_kek_%02x not derived", gen)
	}
	return crypto.ECBDecrypt(encryptedKey, kek)
}

// EncryptTitleKey re-wraps a plaintext title key under the title-kek at the
// given generation (used when a ticket is patched to a new key generation).
func (s *Store) EncryptTitleKey(titleKey []byte, gen int) ([]byte, error) {
	kek := s.TitleKek(gen)
	if kek == nil {
		return nil, fmt.Errorf("title_kek_%02x not derived", gen)
	}
	return crypto.ECBEncrypt(titleKey, kek)
}

// UnwrapAesWrappedTitleKey unwraps the title key stored in an NCA's key
// area, wrapped under the Application key-area-key.
func (s *Store) UnwrapAesWrappedTitleKey(wrappedKey []byte, gen int) ([]byte, error) {
	kak := s.KeyAreaKey(gen, KeyAreaKeyApplication)
	if kak == nil {
		return nil, fmt.Errorf("key_area_key_application_%02x not derived", gen)
	}
	return crypto.ECBDecrypt(wrappedKey, kak)
}

// DecryptKeyArea unwraps all four 16-byte entries of an NCA key area using
// the Application key-area-key at the given generation.
func (s *Store) DecryptKeyArea(keyArea [0x40]byte, gen int) ([0x40]byte, error) {
	return s.cryptKeyArea(keyArea, gen, crypto.ECBDecrypt)
}

// EncryptKeyArea re-wraps all four 16-byte entries of an NCA key area using
// the Application key-area-key at the given generation.
func (s *Store) EncryptKeyArea(keyArea [0x40]byte, gen int) ([0x40]byte, error) {
	return s.cryptKeyArea(keyArea, gen, crypto.ECBEncrypt)
}

func (s *Store) cryptKeyArea(keyArea [0x40]byte, gen int, fn func(data, key []byte) ([]byte, error)) ([0x40]byte, error) {
	var out [0x40]byte
	kak := s.KeyAreaKey(gen, KeyAreaKeyApplication)
	if kak == nil {
		return out, fmt.Errorf("key_area_key_application_%02x not derived", gen)
	}

	result, err := fn(keyArea[:], kak)
	if err != nil {
		return out, err
	}
	copy(out[:], result)
	return out, nil
}
