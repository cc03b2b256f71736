package instance

import (
	"fmt"

	"github.com/maxpert/gradm/encoding"
)

// EncodeMetadata seals metadata into the checksummed document stored on instances
func EncodeMetadata(md *Metadata) ([]byte, error) {
	doc, err := encoding.Seal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for %s: %w", md.ClusterName, err)
	}
	return doc, nil
}

// DecodeMetadata verifies and decodes a stored metadata document
func DecodeMetadata(doc []byte) (*Metadata, error) {
	md := &Metadata{}
	if err := encoding.Open(doc, md); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
	}
	if md.ClusterName == "" || md.GroupName == "" {
		return nil, fmt.Errorf("%w: missing cluster or group name", ErrMetadataCorrupt)
	}
	return md, nil
}
