package evidence

import (
	"context"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

var ErrBlockNotFound = errors.New("block not found")

// Content-addressed storage boundary. The core does not care what backs it
// (IPFS node, S3 with hash keys, local disk) beyond these three operations;
// refs are CIDs computed from the stored bytes, which makes any out-of-band
// mutation detectable on read.
type BlockStore interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, ref cid.Cid) ([]byte, error)
	// Durability hint: ask the backend to retain this block.
	Pin(ctx context.Context, ref cid.Cid) error
}

// Computes the canonical ref for a blob: CIDv1, raw codec, sha2-256.
func ComputeRef(data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// In-process block store, for tests and single-node deployments.
type MemBlockStore struct {
	mu     sync.RWMutex
	blocks map[string][]byte
	pinned map[string]bool
}

func NewMemBlockStore() *MemBlockStore {
	return &MemBlockStore{
		blocks: make(map[string][]byte),
		pinned: make(map[string]bool),
	}
}

var _ BlockStore = (*MemBlockStore)(nil)

func (s *MemBlockStore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	ref, err := ComputeRef(data)
	if err != nil {
		return cid.Undef, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.blocks[ref.String()] = cp
	s.mu.Unlock()
	return ref, nil
}

// Returns stored bytes without verification; callers re-hash against the
// ref for tamper detection.
func (s *MemBlockStore) Get(ctx context.Context, ref cid.Cid) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[ref.String()]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return data, nil
}

func (s *MemBlockStore) Pin(ctx context.Context, ref cid.Cid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[ref.String()]; !ok {
		return ErrBlockNotFound
	}
	s.pinned[ref.String()] = true
	return nil
}

// Overwrites stored bytes under an existing ref without recomputing it,
// simulating out-of-band tampering. Test helper.
func (s *MemBlockStore) Corrupt(ref cid.Cid, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[ref.String()] = data
}
