package engine

import (
	"context"

	"github.com/varstored/go-varstored/authenticate"
	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/signature"
	"github.com/varstored/go-varstored/efi/status"
	"github.com/varstored/go-varstored/efi/util"
	"github.com/varstored/go-varstored/efivar"
	"github.com/varstored/go-varstored/varstore"
)

// Set is the full SetVariable admission path: attribute policy first,
// then phase policy, then authentication, then quota; the store
// commits only after every check has passed, so a failure leaves no
// partial mutation behind.
func (e *Engine) Set(ctx context.Context, name string, guid util.EFIGUID, attrs attributes.Attributes, data []byte) status.Status {
	if name == "" {
		return status.InvalidParameter
	}
	if !e.catchUp(ctx) {
		return status.DeviceError
	}

	if attrs.Has(attributes.EFI_VARIABLE_AUTHENTICATED_WRITE_ACCESS) {
		// Deprecated counter-based authentication.
		return status.Unsupported
	}
	if attrs.Has(attributes.EFI_VARIABLE_ENHANCED_AUTHENTICATED_ACCESS) {
		return status.Unsupported
	}
	if !attrs.Has(attributes.EFI_VARIABLE_BOOTSERVICE_ACCESS) {
		return status.InvalidParameter
	}
	if e.runtime {
		if !attrs.Has(attributes.EFI_VARIABLE_RUNTIME_ACCESS) {
			return status.WriteProtected
		}
		if !attrs.Has(attributes.EFI_VARIABLE_NON_VOLATILE) {
			return status.WriteProtected
		}
	}

	// The derived variables are read-only; the persisted mode
	// booleans only move through their defined transitions.
	for _, ro := range []efivar.Efivar{efivar.SetupMode, efivar.SecureBoot, efivar.SignatureSupport} {
		if ro.Is(name, guid) {
			return status.WriteProtected
		}
	}
	for _, mv := range []efivar.Efivar{efivar.AuditMode, efivar.DeployedMode} {
		if mv.Is(name, guid) {
			return e.setModeBool(ctx, mv, attrs, data)
		}
	}

	hierarchy := efivar.IsHierarchy(name, guid)
	if hierarchy {
		if !attrs.Has(attributes.EFI_VARIABLE_TIME_BASED_AUTHENTICATED_WRITE_ACCESS) {
			return status.SecurityViolation
		}
		if !attrs.StripWriteOnly().Equal(efivar.PK.Attributes) {
			return status.InvalidParameter
		}
	}

	existing := e.store.Get(name, guid)
	if e.runtime && existing != nil && !e.visible(existing) {
		return status.WriteProtected
	}
	if existing != nil && !attrs.StripWriteOnly().Equal(existing.Attrs) {
		return status.InvalidParameter
	}

	payload := data
	var timestamp util.EFITime
	if attrs.Has(attributes.EFI_VARIABLE_TIME_BASED_AUTHENTICATED_WRITE_ACCESS) {
		roots, unverified := e.trustRoots(name, guid)
		req := &authenticate.Request{
			Name:       name,
			GUID:       guid,
			Attrs:      attrs,
			Data:       data,
			Roots:      roots,
			Unverified: unverified,
		}
		if existing != nil {
			t := existing.Timestamp
			req.Existing = &t
		}
		res, err := authenticate.Verify(req)
		if err != nil {
			e.log.V(1).Info("rejected authenticated write", "variable", name, "reason", err.Error())
			return status.SecurityViolation
		}
		payload, timestamp = res.Payload, res.Timestamp
	}

	appendWrite := attrs.Has(attributes.EFI_VARIABLE_APPEND_WRITE)

	if len(payload) == 0 {
		if appendWrite {
			// Appending nothing leaves the record alone.
			return status.Success
		}
		return e.delete(ctx, name, guid, existing)
	}

	if hierarchy {
		if st := validateHierarchyPayload(name, guid, payload); st != status.Success {
			return st
		}
	}

	newData := payload
	if appendWrite && existing != nil {
		merged, st := mergeAppend(name, guid, existing.Data, payload)
		if st != status.Success {
			return st
		}
		newData = merged
	}

	if err := e.store.Fits(name, guid, attrs, newData); err != nil {
		return status.OutOfResources
	}
	e.mustSet(&varstore.Record{
		Name:      name,
		GUID:      guid,
		Attrs:     attrs.StripWriteOnly(),
		Data:      newData,
		Timestamp: timestamp,
	})
	if efivar.PK.Is(name, guid) {
		e.refreshModes()
		e.log.Info("platform key enrolled", "mode", e.Mode().String())
	}
	e.persist(ctx)
	return status.Success
}

// delete removes a record once the write has already cleared policy
// and authentication.
func (e *Engine) delete(ctx context.Context, name string, guid util.EFIGUID, existing *varstore.Record) status.Status {
	if existing == nil {
		return status.NotFound
	}
	if efivar.PK.Is(name, guid) && e.Mode() == Deployed {
		// Deployed Mode pins the platform key; clearing it needs a
		// platform-specific reset, not a variable write.
		return status.SecurityViolation
	}
	if err := e.store.Delete(name, guid); err != nil {
		return status.NotFound
	}
	if efivar.PK.Is(name, guid) {
		e.refreshModes()
		e.log.Info("platform key cleared", "mode", e.Mode().String())
	}
	e.persist(ctx)
	return status.Success
}

// validateHierarchyPayload requires the Secure Boot variables to carry
// well-formed signature databases, and PK to hold exactly one X.509
// certificate.
func validateHierarchyPayload(name string, guid util.EFIGUID, payload []byte) status.Status {
	sigdb, err := signature.ParseSignatureDatabase(payload)
	if err != nil {
		return status.InvalidParameter
	}
	if efivar.PK.Is(name, guid) && len(sigdb.Certificates()) != 1 {
		return status.InvalidParameter
	}
	return status.Success
}

// mergeAppend combines an existing value with an appended payload.
// Signature-list variables merge at list granularity with duplicate
// entries dropped; anything else concatenates.
func mergeAppend(name string, guid util.EFIGUID, existing, payload []byte) ([]byte, status.Status) {
	if !efivar.IsHierarchy(name, guid) && !efivar.IsSecurityDatabase(name, guid) {
		return append(append([]byte{}, existing...), payload...), status.Success
	}
	base, err := signature.ParseSignatureDatabase(existing)
	if err != nil {
		return nil, status.InvalidParameter
	}
	in, err := signature.ParseSignatureDatabase(payload)
	if err != nil {
		return nil, status.InvalidParameter
	}
	base.AppendDatabase(in)
	return base.Bytes(), status.Success
}
