package engine

import (
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// IDKind tells how a torrent identifier was written.
type IDKind int

const (
	KindMagnet IDKind = iota + 1
	KindInfoHash
	KindFile
)

// TorrentID is a parsed torrent identifier.
type TorrentID struct {
	Kind IDKind
	Raw  string
	Hash metainfo.Hash // zero for KindFile until the file is loaded
}

// ParseTorrentID classifies id as a magnet URI, a 40-char hex info hash, or
// a path to a .torrent file.
func ParseTorrentID(id string) (TorrentID, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return TorrentID{}, fmt.Errorf("empty torrent identifier")

	case strings.HasPrefix(id, "magnet:"):
		m, err := metainfo.ParseMagnetUri(id)
		if err != nil {
			return TorrentID{}, fmt.Errorf("invalid magnet uri: %w", err)
		}
		if m.InfoHash == (metainfo.Hash{}) {
			return TorrentID{}, fmt.Errorf("magnet uri has no btih info hash")
		}
		return TorrentID{Kind: KindMagnet, Raw: id, Hash: m.InfoHash}, nil

	case len(id) == 40 && isHex(id):
		var h metainfo.Hash
		if err := h.FromHexString(id); err != nil {
			return TorrentID{}, fmt.Errorf("invalid info hash: %w", err)
		}
		return TorrentID{Kind: KindInfoHash, Raw: id, Hash: h}, nil

	case strings.HasSuffix(strings.ToLower(id), ".torrent"):
		return TorrentID{Kind: KindFile, Raw: id}, nil
	}

	return TorrentID{}, fmt.Errorf("unrecognized torrent identifier %q", id)
}

// resolveHash fills in the hash of a .torrent file identifier.
func (id TorrentID) resolveHash() (metainfo.Hash, *metainfo.MetaInfo, error) {
	if id.Kind != KindFile {
		return id.Hash, nil, nil
	}
	mi, err := metainfo.LoadFromFile(id.Raw)
	if err != nil {
		return metainfo.Hash{}, nil, fmt.Errorf("load %s: %w", id.Raw, err)
	}
	return mi.HashInfoBytes(), mi, nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
