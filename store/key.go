package store

import (
	"encoding/base64"
	"strings"

	"github.com/dancesWithCycles/anshar/siri"
)

// StorageKey is the composite identity of a stored entity: the dataset the
// record arrived from, plus the record's own (possibly derived) identifier.
// Keys are immutable values compared by structural equality.
type StorageKey struct {
	DatasetID string
	ID        string
}

// NewKey builds the storage key for a record within a dataset.
func NewKey(datasetID string, rec siri.Record) StorageKey {
	return StorageKey{DatasetID: datasetID, ID: rec.NaturalID()}
}

// String renders the key in the datasetId:naturalId form used in logs.
func (k StorageKey) String() string {
	return k.DatasetID + ":" + k.ID
}

// Encode renders the key as a JetStream KV key. Both parts are base64url
// encoded because natural identifiers routinely contain characters (":",
// among others) that KV keys do not allow; the dataset part comes first so
// per-dataset scans are a prefix match.
func (k StorageKey) Encode() string {
	return encodeKeyPart(k.DatasetID) + "." + encodeKeyPart(k.ID)
}

// DecodeKey parses a KV key produced by Encode.
func DecodeKey(s string) (StorageKey, bool) {
	dataset, id, found := strings.Cut(s, ".")
	if !found {
		return StorageKey{}, false
	}
	datasetRaw, err := base64.RawURLEncoding.DecodeString(dataset)
	if err != nil {
		return StorageKey{}, false
	}
	idRaw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return StorageKey{}, false
	}
	return StorageKey{DatasetID: string(datasetRaw), ID: string(idRaw)}, true
}

// DatasetPrefix returns the KV key prefix shared by all keys of a dataset.
func DatasetPrefix(datasetID string) string {
	return encodeKeyPart(datasetID) + "."
}

func encodeKeyPart(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}
