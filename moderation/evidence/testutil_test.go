package evidence

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ipfs/go-cid"
)

func parseRef(s string) (cid.Cid, error) {
	return cid.Parse(s)
}

// block store that fails the Nth Put, for batch-isolation tests
type flakyBlockStore struct {
	inner  *MemBlockStore
	failOn int64
	puts   atomic.Int64
}

func (f *flakyBlockStore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if f.puts.Add(1) == f.failOn {
		return cid.Undef, fmt.Errorf("simulated storage outage")
	}
	return f.inner.Put(ctx, data)
}

func (f *flakyBlockStore) Get(ctx context.Context, ref cid.Cid) ([]byte, error) {
	return f.inner.Get(ctx, ref)
}

func (f *flakyBlockStore) Pin(ctx context.Context, ref cid.Cid) error {
	return f.inner.Pin(ctx, ref)
}
