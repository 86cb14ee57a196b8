package lfs

import (
	"context"
	"log/slog"
	"time"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/objstore"
	"github.com/onexay/modelhub/internal/registry"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/types"
)

// DedupIndex answers whether a large object is already stored anywhere in the
// hub. Rows live in the registry; the object store is the fallback and
// missing rows are back-filled.
type DedupIndex struct {
	reg   registry.Registry
	gw    *objstore.Gateway
	clock func() time.Time
}

// NewDedupIndex returns an index over reg backed by gw.
func NewDedupIndex(reg registry.Registry, gw *objstore.Gateway) *DedupIndex {
	return &DedupIndex{reg: reg, gw: gw, clock: time.Now}
}

// Lookup returns the object row for oid and whether the object exists.
func (d *DedupIndex) Lookup(ctx context.Context, oid string) (types.LargeObject, bool, error) {
	obj, err := d.reg.GetObject(ctx, oid)
	if err == nil {
		return obj, true, nil
	}
	if !storage.IsNotFound(err) {
		return types.LargeObject{}, false, err
	}
	size, ok, err := d.gw.Stat(ctx, oid)
	if err != nil || !ok {
		return types.LargeObject{}, false, err
	}
	// Objects that never went through verify are hashed before they count.
	if err := d.gw.VerifyContent(ctx, oid, size); err != nil {
		if apierr.Is(err, apierr.KindValidation) {
			return types.LargeObject{}, false, nil
		}
		return types.LargeObject{}, false, err
	}
	obj, err = d.reg.PutObject(ctx, types.LargeObject{OID: oid, Size: size, CreatedAt: d.clock().UTC()})
	if err != nil {
		slog.WarnContext(ctx, "back-fill object row", "oid", oid, "err", err)
		return types.LargeObject{OID: oid, Size: size}, true, nil
	}
	return obj, true, nil
}

// Record stores the index row for a verified object. The first repository to
// verify an object is kept.
func (d *DedupIndex) Record(ctx context.Context, repo, oid string, size int64) error {
	_, err := d.reg.PutObject(ctx, types.LargeObject{OID: oid, Size: size, FirstRepo: repo, CreatedAt: d.clock().UTC()})
	return err
}
