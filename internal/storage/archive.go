// Package storage archives raw listing records to a blob store.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/jobstream/internal/listing"
)

// DefaultPrefix is the object prefix used when none is configured.
const DefaultPrefix = "listings"

const contentTypeJSON = "application/json"

// Archiver writes one JSON object per unique listing.
type Archiver struct {
	blobs  listing.BlobStore
	hasher listing.Hasher
	prefix string
}

// NewArchiver wires a blob store and hasher. An empty prefix falls back to DefaultPrefix.
func NewArchiver(blobs listing.BlobStore, hasher listing.Hasher, prefix string) (*Archiver, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archiver{blobs: blobs, hasher: hasher, prefix: prefix}, nil
}

// ObjectPath returns "<prefix>/<first two hex chars>/<sha256(fingerprint)>.json".
func (a *Archiver) ObjectPath(fingerprint string) (string, error) {
	digest, err := a.hasher.Hash([]byte(fingerprint))
	if err != nil {
		return "", fmt.Errorf("hash fingerprint: %w", err)
	}
	if len(digest) < 2 {
		return "", fmt.Errorf("digest %q too short", digest)
	}
	return path.Join(a.prefix, digest[:2], digest+".json"), nil
}

// Archive stores record as JSON and returns the object URI.
func (a *Archiver) Archive(ctx context.Context, record listing.Record) (string, error) {
	if record.Fingerprint == "" {
		return "", errors.New("record fingerprint is required")
	}
	objectPath, err := a.ObjectPath(record.Fingerprint)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	uri, err := a.blobs.PutObject(ctx, objectPath, contentTypeJSON, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", objectPath, err)
	}
	return uri, nil
}
