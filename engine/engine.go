// Package engine ties the variable store, the authenticator and the
// admission policy into the four variable-service operations. One
// engine serves one guest; nothing here is safe for concurrent use
// because the I/O ring delivers one command at a time.
package engine

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/signature"
	"github.com/varstored/go-varstored/efi/status"
	"github.com/varstored/go-varstored/efi/util"
	"github.com/varstored/go-varstored/efivar"
	"github.com/varstored/go-varstored/varstore"
)

type Engine struct {
	log   logr.Logger
	store *varstore.Store
	blobs varstore.BlobStore

	// runtime flips once, on ExitBootServices. Afterwards records
	// without RUNTIME_ACCESS disappear from reads and enumeration.
	runtime bool

	// stalled marks a failed persistence save. In-memory state keeps
	// the committed mutation; further mutations are refused until a
	// save succeeds again, so the blob never skips a committed write.
	stalled bool
}

// New restores the store from the persistence backend and materializes
// the derived variables.
func New(ctx context.Context, log logr.Logger, store *varstore.Store, blobs varstore.BlobStore) (*Engine, error) {
	e := &Engine{log: log, store: store, blobs: blobs}
	blob, ok, err := blobs.Get(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load variable blob")
	}
	if ok {
		if err := store.Restore(blob); err != nil {
			return nil, errors.Wrapf(err, "could not restore variable snapshot")
		}
		log.V(1).Info("restored variable store", "bytes", len(blob), "used", store.Used())
	}
	e.materializeSignatureSupport()
	e.refreshModes()
	return e, nil
}

// Runtime reports whether ExitBootServices has happened this boot.
func (e *Engine) Runtime() bool {
	return e.runtime
}

// ExitBootServices moves the engine to the runtime phase. The
// transition is one-way per VM boot.
func (e *Engine) ExitBootServices() {
	if !e.runtime {
		e.log.Info("guest exited boot services")
		e.runtime = true
	}
}

// visible applies the runtime-phase read filter.
func (e *Engine) visible(rec *varstore.Record) bool {
	if rec == nil {
		return false
	}
	if e.runtime && !rec.Attrs.Has(attributes.EFI_VARIABLE_RUNTIME_ACCESS) {
		return false
	}
	return true
}

// Get returns the attributes and data of a variable. When the
// caller's buffer is too small the required size comes back with
// EFI_BUFFER_TOO_SMALL and no data.
func (e *Engine) Get(name string, guid util.EFIGUID, size int) (attributes.Attributes, []byte, int, status.Status) {
	if name == "" {
		return 0, nil, 0, status.InvalidParameter
	}
	rec := e.store.Get(name, guid)
	if !e.visible(rec) {
		return 0, nil, 0, status.NotFound
	}
	if len(rec.Data) > size {
		return rec.Attrs, nil, len(rec.Data), status.BufferTooSmall
	}
	return rec.Attrs, rec.Data, len(rec.Data), status.Success
}

// Next enumerates variable identities in the store's stable order,
// skipping records the runtime phase hides.
func (e *Engine) Next(prevName string, prevGUID util.EFIGUID) (string, util.EFIGUID, status.Status) {
	name, guid := prevName, prevGUID
	for {
		rec, err := e.store.Next(name, guid)
		if err != nil {
			return "", util.EFIGUID{}, status.NotFound
		}
		name, guid = rec.Name, rec.GUID
		if e.visible(rec) {
			return name, guid, status.Success
		}
	}
}

// Query reports the storage figures for the attribute class.
func (e *Engine) Query(mask attributes.Attributes) (uint64, uint64, uint64, status.Status) {
	if mask == 0 {
		return 0, 0, 0, status.InvalidParameter
	}
	if mask.Has(attributes.EFI_VARIABLE_AUTHENTICATED_WRITE_ACCESS) ||
		mask.Has(attributes.EFI_VARIABLE_ENHANCED_AUTHENTICATED_ACCESS) {
		return 0, 0, 0, status.Unsupported
	}
	if mask.Has(attributes.EFI_VARIABLE_RUNTIME_ACCESS) && !mask.Has(attributes.EFI_VARIABLE_BOOTSERVICE_ACCESS) {
		return 0, 0, 0, status.InvalidParameter
	}
	max, remaining, maxVar := e.store.Query(mask)
	return max, remaining, maxVar, status.Success
}

// persist writes the snapshot through the blob store. A failure
// leaves the engine stalled; the committed in-memory state stands and
// later writes retry the save before touching anything.
func (e *Engine) persist(ctx context.Context) {
	if err := e.blobs.Put(ctx, e.store.Snapshot()); err != nil {
		e.log.Error(err, "persistence save failed, refusing writes until it recovers")
		e.stalled = true
		return
	}
	e.stalled = false
}

// catchUp retries a previously failed save.
func (e *Engine) catchUp(ctx context.Context) bool {
	if !e.stalled {
		return true
	}
	e.persist(ctx)
	return !e.stalled
}

// materializeSignatureSupport publishes the signature types the
// service understands. The variable is read-only and volatile.
func (e *Engine) materializeSignatureSupport() {
	b := make([]byte, 0, 4*16)
	for _, g := range []util.EFIGUID{
		signature.CERT_SHA256_GUID,
		signature.CERT_SHA384_GUID,
		signature.CERT_SHA512_GUID,
		signature.CERT_X509_GUID,
	} {
		b = append(b, g.Bytes()...)
	}
	e.mustSet(&varstore.Record{
		Name:  efivar.SignatureSupport.Name,
		GUID:  efivar.SignatureSupport.GUID,
		Attrs: efivar.SignatureSupport.Attributes,
		Data:  b,
	})
}

func (e *Engine) mustSet(rec *varstore.Record) {
	if err := e.store.Set(rec); err != nil {
		// The derived variables are a few bytes; if they do not fit
		// the store is misconfigured beyond use.
		panic(err)
	}
}
