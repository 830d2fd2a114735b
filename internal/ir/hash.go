package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashes.
// The version suffix leaves room for algorithm migration.
const (
	DomainInput   = "nyx/input/v1"
	DomainAction  = "nyx/action/v1"
	DomainReceipt = "nyx/receipt/v1"
	DomainState   = "nyx/state/v1"
)

// HashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
// The null separator removes domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue canonicalizes v and hashes it under domain.
func HashValue(domain string, v Value) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return HashWithDomain(domain, data), nil
}

// InputHash identifies everything a caller submitted under a run_id.
// Two submissions with the same run_id are the same run iff their input
// hashes match. The sponsor is part of the inputs; an empty sponsor is omitted.
func InputHash(runID string, seed int64, desc ActionDescriptor, sponsor string) (string, error) {
	obj := Object{
		"action": desc.Object(),
		"run_id": String(runID),
		"seed":   Int(seed),
	}
	if sponsor != "" {
		obj["sponsor"] = String(sponsor)
	}
	return HashValue(DomainInput, obj)
}

// ActionHash binds a receipt to one run: descriptor + seed + run_id.
// Identical payloads under different run ids hash differently.
// The sponsor is deliberately absent so that sponsored and unsponsored
// receipts of the same run differ only in payer.
func ActionHash(runID string, seed int64, desc ActionDescriptor) (string, error) {
	return HashValue(DomainAction, Object{
		"action": desc.Object(),
		"run_id": String(runID),
		"seed":   Int(seed),
	})
}

// MustActionHash is like ActionHash but panics on error.
// Use only in tests.
func MustActionHash(runID string, seed int64, desc ActionDescriptor) string {
	h, err := ActionHash(runID, seed, desc)
	if err != nil {
		panic(err)
	}
	return h
}
