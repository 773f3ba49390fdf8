// Package batchhash computes the canonical SHA-256 digest of a change
// batch, used for end-to-end integrity checks between peers.
package batchhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/rowsync/rowsync/internal/syncerr"
	"github.com/rowsync/rowsync/internal/synclog"
)

// fieldSep and recordSep are fixed so the encoding is identical on every
// platform for byte-identical inputs.
const (
	fieldSep  = "|"
	recordSep = "\n"
)

// Compute returns the hex SHA-256 of the canonical batch encoding: per
// entry, (version | table | pk_value | operation | payload | origin |
// timestamp) with pk and payload canonicalized, records joined by newline.
func Compute(entries []synclog.Entry) (string, error) {
	h := sha256.New()
	for i, e := range entries {
		if i > 0 {
			h.Write([]byte(recordSep))
		}
		pk, err := synclog.Canonicalize(e.PKValue)
		if err != nil {
			return "", fmt.Errorf("hash entry %d: pk_value: %w", e.Version, err)
		}
		payload := "null"
		if e.Payload != nil {
			canon, err := synclog.Canonicalize(e.Payload)
			if err != nil {
				return "", fmt.Errorf("hash entry %d: payload: %w", e.Version, err)
			}
			payload = string(canon)
		}
		h.Write([]byte(strconv.FormatInt(e.Version, 10)))
		h.Write([]byte(fieldSep))
		h.Write([]byte(e.TableName))
		h.Write([]byte(fieldSep))
		h.Write(pk)
		h.Write([]byte(fieldSep))
		h.Write([]byte(e.Operation))
		h.Write([]byte(fieldSep))
		h.Write([]byte(payload))
		h.Write([]byte(fieldSep))
		h.Write([]byte(e.Origin))
		h.Write([]byte(fieldSep))
		h.Write([]byte(synclog.FormatTime(e.Timestamp)))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the batch hash and returns a HashMismatchError when it
// differs from expected.
func Verify(entries []synclog.Entry, expected string) error {
	actual, err := Compute(entries)
	if err != nil {
		return err
	}
	if actual != expected {
		return &syncerr.HashMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
