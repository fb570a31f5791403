// Package backup writes and restores full storage snapshots. A backup is a
// gzipped tar holding manifest.json and snapshot.json, optionally sealed in
// a JSON envelope encrypted by crypto.Service.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/classroll/classroll/internal/crypto"
	"github.com/classroll/classroll/internal/storage"
)

const (
	FormatVersion = 1

	manifestFileName = "manifest.json"
	snapshotFileName = "snapshot.json"
	envelopeCipher   = "aes-256-gcm/pbkdf2-sha256"

	// maxBackupSize caps how much is read from a destination.
	maxBackupSize = 512 << 20
	// maxEntrySize caps a single archive entry.
	maxEntrySize = 256 << 20
)

var (
	ErrInvalidBackup = errors.New("backup: invalid backup")
	ErrKeyRequired   = errors.New("backup: backup is encrypted and no key is configured")
)

type Manifest struct {
	Version        int            `json:"version"`
	CreatedAt      string         `json:"created_at"`
	Mode           storage.Mode   `json:"mode"`
	StorageKey     string         `json:"storage_key"`
	Tables         map[string]int `json:"tables"`
	SnapshotSHA256 string         `json:"snapshot_sha256"`
	Encrypted      bool           `json:"encrypted"`
}

// Rows is the total row count across tables.
func (m Manifest) Rows() int {
	total := 0
	for _, n := range m.Tables {
		total += n
	}
	return total
}

type envelope struct {
	Version    int    `json:"version"`
	Cipher     string `json:"cipher"`
	Ciphertext string `json:"ciphertext"`
}

type Options struct {
	// Crypto seals the archive when set.
	Crypto     *crypto.Service
	StorageKey string
	Now        func() time.Time
}

// Export snapshots backend and writes it to dst.
func Export(ctx context.Context, backend storage.Backend, dst Destination, opts Options) (*Manifest, error) {
	if backend == nil || dst == nil {
		return nil, fmt.Errorf("create backup: backend and destination are required")
	}
	snapshot, err := backend.ExportData(ctx)
	if err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}
	data, manifest, err := Encode(snapshot, backend.Mode(), opts)
	if err != nil {
		return nil, err
	}
	if err := dst.Write(ctx, data); err != nil {
		return nil, fmt.Errorf("create backup: write %s: %w", dst, err)
	}
	return manifest, nil
}

// Restore reads a backup from src and replaces the contents of backend with
// it. svc may be nil for unencrypted backups.
func Restore(ctx context.Context, backend storage.Backend, src Destination, svc *crypto.Service) (*Manifest, error) {
	if backend == nil || src == nil {
		return nil, fmt.Errorf("restore backup: backend and source are required")
	}
	raw, err := src.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore backup: read %s: %w", src, err)
	}
	snapshot, manifest, err := Decode(raw, svc)
	if err != nil {
		return nil, err
	}
	if err := backend.ImportData(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("restore backup: %w", err)
	}
	return manifest, nil
}

// Encode packs snapshot into the backup format.
func Encode(snapshot storage.Snapshot, mode storage.Mode, opts Options) ([]byte, *Manifest, error) {
	snapshotBytes, err := json.Marshal(snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("create backup: marshal snapshot: %w", err)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	manifest := &Manifest{
		Version:        FormatVersion,
		CreatedAt:      now().UTC().Format(time.RFC3339Nano),
		Mode:           mode,
		StorageKey:     opts.StorageKey,
		Tables:         make(map[string]int, len(snapshot)),
		SnapshotSHA256: sha256Hex(snapshotBytes),
		Encrypted:      opts.Crypto != nil,
	}
	for table, rows := range snapshot {
		manifest.Tables[table] = len(rows)
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("create backup: marshal manifest: %w", err)
	}

	payload, err := createTarGzEntries([]tarEntry{
		{name: manifestFileName, data: manifestBytes},
		{name: snapshotFileName, data: snapshotBytes},
	})
	if err != nil {
		return nil, nil, err
	}
	if opts.Crypto == nil {
		return payload, manifest, nil
	}

	sealed, err := opts.Crypto.Encrypt(base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("create backup: encrypt payload: %w", err)
	}
	out, err := json.Marshal(envelope{Version: FormatVersion, Cipher: envelopeCipher, Ciphertext: sealed})
	if err != nil {
		return nil, nil, fmt.Errorf("create backup: encode envelope: %w", err)
	}
	return out, manifest, nil
}

// Decode unpacks and verifies a backup produced by Encode.
func Decode(raw []byte, svc *crypto.Service) (storage.Snapshot, *Manifest, error) {
	payload, err := openPayload(raw, svc)
	if err != nil {
		return nil, nil, err
	}
	entries, err := extractTarGzEntries(payload)
	if err != nil {
		return nil, nil, err
	}

	manifestRaw, ok := entries[manifestFileName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: manifest missing", ErrInvalidBackup)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, nil, fmt.Errorf("%w: decode manifest: %w", ErrInvalidBackup, err)
	}
	if manifest.Version != FormatVersion {
		return nil, nil, fmt.Errorf("%w: unsupported backup version %d", ErrInvalidBackup, manifest.Version)
	}

	snapshotRaw, ok := entries[snapshotFileName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: snapshot missing", ErrInvalidBackup)
	}
	if got := sha256Hex(snapshotRaw); !strings.EqualFold(got, manifest.SnapshotSHA256) {
		return nil, nil, fmt.Errorf("%w: snapshot checksum mismatch", ErrInvalidBackup)
	}
	var snapshot storage.Snapshot
	if err := json.Unmarshal(snapshotRaw, &snapshot); err != nil {
		return nil, nil, fmt.Errorf("%w: decode snapshot: %w", ErrInvalidBackup, err)
	}
	for table, rows := range snapshot {
		if manifest.Tables[table] != len(rows) {
			return nil, nil, fmt.Errorf("%w: row count mismatch for %s", ErrInvalidBackup, table)
		}
	}
	return snapshot, &manifest, nil
}

func openPayload(raw []byte, svc *crypto.Service) ([]byte, error) {
	if len(raw) > maxBackupSize {
		return nil, fmt.Errorf("%w: exceeds %d MiB limit", ErrInvalidBackup, maxBackupSize>>20)
	}
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		return raw, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %w", ErrInvalidBackup, err)
	}
	if env.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrInvalidBackup, env.Version)
	}
	if env.Cipher != envelopeCipher {
		return nil, fmt.Errorf("%w: unsupported cipher %q", ErrInvalidBackup, env.Cipher)
	}
	if svc == nil {
		return nil, ErrKeyRequired
	}
	plain, err := svc.Decrypt(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("restore backup: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", ErrInvalidBackup, err)
	}
	return payload, nil
}

type tarEntry struct {
	name string
	data []byte
}

func createTarGzEntries(entries []tarEntry) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, entry := range entries {
		hdr := &tar.Header{
			Name:    entry.name,
			Mode:    0o600,
			Size:    int64(len(entry.data)),
			ModTime: time.Unix(0, 0).UTC(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("create backup: write tar header %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return nil, fmt.Errorf("create backup: write tar entry %s: %w", entry.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("create backup: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("create backup: close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func extractTarGzEntries(payload []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: open gzip: %w", ErrInvalidBackup, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	entries := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read tar: %w", ErrInvalidBackup, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxEntrySize {
			return nil, fmt.Errorf("%w: entry %s too large", ErrInvalidBackup, hdr.Name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxEntrySize))
		if err != nil {
			return nil, fmt.Errorf("%w: read entry %s: %w", ErrInvalidBackup, hdr.Name, err)
		}
		entries[hdr.Name] = data
	}
	return entries, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
