package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// fingerprintInput is the canonical identity of a cacheable request. Struct
// field order is fixed, slices are pre-sorted, so the JSON encoding is stable.
type fingerprintInput struct {
	Profile    CompanyProfile `json:"profile"`
	Frameworks []string       `json:"frameworks"`
	Snapshot   int64          `json:"snapshot_version"`
}

// Fingerprint derives the stable hash identifying a request: normalized
// profile + sorted framework ids + graph snapshot version.
func Fingerprint(profile CompanyProfile, frameworkIDs []string, snapshotVersion int64) string {
	fws := make([]string, len(frameworkIDs))
	copy(fws, frameworkIDs)
	sort.Strings(fws)

	in := fingerprintInput{
		Profile:    profile.Normalized(),
		Frameworks: fws,
		Snapshot:   snapshotVersion,
	}
	data, err := json.Marshal(in)
	if err != nil {
		// Marshal of plain structs and strings cannot fail; keep the
		// signature clean and hash the error text if it ever does.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
