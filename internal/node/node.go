package node

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"os"

	"github.com/raulk/clock"

	"tradenet/internal/crypto"
	"tradenet/internal/peer"
	"tradenet/internal/proto"
)

// Node is the local identity: long-lived keys, the advertised address and
// the book of peers learned through exchanges.
type Node struct {
	ID    [32]byte
	Addr  proto.NodeAddress
	Keys  *crypto.KeyRing
	Peers *peer.Book
}

type Options struct {
	// PeerStore persists the peer book. Nil keeps it in memory.
	PeerStore peer.Persistence
	PeerCap   int
	Clock     clock.Clock
	Logger    *slog.Logger
}

// NewNode loads the key ring from home, generating and saving a fresh one on
// first start, and restores the persisted peer book.
func NewNode(home string, addr proto.NodeAddress, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	keys, err := LoadOrCreateKeys(home)
	if err != nil {
		return nil, err
	}
	book := peer.NewBook(addr, peer.BookOptions{
		Cap:         opts.PeerCap,
		Clock:       opts.Clock,
		Persistence: opts.PeerStore,
		Logger:      opts.Logger,
	})
	if err := book.Load(); err != nil {
		return nil, err
	}
	return &Node{
		ID:    DeriveNodeID(keys.SigPub),
		Addr:  addr,
		Keys:  keys,
		Peers: book,
	}, nil
}

func LoadOrCreateKeys(home string) (*crypto.KeyRing, error) {
	keys, err := crypto.LoadKeyRing(home)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	keys, err = crypto.NewKeyRing()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyRing(home, keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (n *Node) PubKeyRing() proto.PubKeyRing {
	return proto.PubKeyRing{SigPub: n.Keys.SigPub, EncPub: n.Keys.EncPub}
}

func (n *Node) IDHex() string {
	return hex.EncodeToString(n.ID[:])
}

func DeriveNodeID(sigPub []byte) [32]byte {
	buf := make([]byte, 0, len("tradenet:nodeid:v1")+len(sigPub))
	buf = append(buf, []byte("tradenet:nodeid:v1")...)
	buf = append(buf, sigPub...)
	sum := crypto.SHA3_256(buf)
	var id [32]byte
	copy(id[:], sum)
	return id
}
