package engine

import (
	"context"
	"crypto/x509"

	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/signature"
	"github.com/varstored/go-varstored/efi/status"
	"github.com/varstored/go-varstored/efi/util"
	"github.com/varstored/go-varstored/efivar"
	"github.com/varstored/go-varstored/varstore"
)

// Mode is the Secure Boot policy phase. It is derived from the
// presence of PK and the two persisted mode booleans, never stored
// directly.
type Mode int

const (
	Setup Mode = iota
	User
	Audit
	Deployed
)

func (m Mode) String() string {
	switch m {
	case Setup:
		return "SetupMode"
	case User:
		return "UserMode"
	case Audit:
		return "AuditMode"
	case Deployed:
		return "DeployedMode"
	}
	return "unknown"
}

func (e *Engine) boolVar(v efivar.Efivar) bool {
	rec := e.store.Get(v.Name, v.GUID)
	return rec != nil && len(rec.Data) == 1 && rec.Data[0] == 1
}

func (e *Engine) pkPresent() bool {
	return e.store.Get(efivar.PK.Name, efivar.PK.GUID) != nil
}

// Mode derives the current phase.
func (e *Engine) Mode() Mode {
	switch {
	case e.boolVar(efivar.AuditMode):
		return Audit
	case !e.pkPresent():
		return Setup
	case e.boolVar(efivar.DeployedMode):
		return Deployed
	default:
		return User
	}
}

// setupMode reports whether SetupMode reads as 1, which is also the
// condition under which PK accepts an unverified write.
func (e *Engine) setupMode() bool {
	m := e.Mode()
	return m == Setup || m == Audit
}

// refreshModes rewrites the derived SetupMode/SecureBoot variables and
// makes sure the persisted booleans exist. SecureBoot asserts only in
// User and Deployed mode.
func (e *Engine) refreshModes() {
	m := e.Mode()
	b := func(cond bool) []byte {
		if cond {
			return []byte{1}
		}
		return []byte{0}
	}
	for _, mv := range []struct {
		v    efivar.Efivar
		data []byte
	}{
		{efivar.SetupMode, b(m == Setup || m == Audit)},
		{efivar.SecureBoot, b(m == User || m == Deployed)},
		{efivar.AuditMode, b(m == Audit)},
		{efivar.DeployedMode, b(m == Deployed)},
	} {
		e.mustSet(&varstore.Record{
			Name:  mv.v.Name,
			GUID:  mv.v.GUID,
			Attrs: mv.v.Attributes,
			Data:  mv.data,
		})
	}
}

// setModeBool handles guest writes to AuditMode and DeployedMode. Only
// the two defined 0 -> 1 transitions go through; everything else about
// these variables is read-only.
func (e *Engine) setModeBool(ctx context.Context, v efivar.Efivar, attrs attributes.Attributes, data []byte) status.Status {
	if len(data) == 0 {
		return status.WriteProtected
	}
	if !attrs.StripWriteOnly().Equal(v.Attributes) || len(data) != 1 {
		return status.InvalidParameter
	}
	if data[0] == 0 {
		// Writing the current value back is a no-op, clearing is not
		// a defined transition.
		if !e.boolVar(v) {
			return status.Success
		}
		return status.WriteProtected
	}
	m := e.Mode()
	switch {
	case v.Is(efivar.AuditMode.Name, efivar.AuditMode.GUID) && m == Setup:
	case v.Is(efivar.DeployedMode.Name, efivar.DeployedMode.GUID) && m == User:
	default:
		return status.WriteProtected
	}
	e.mustSet(&varstore.Record{Name: v.Name, GUID: v.GUID, Attrs: v.Attributes, Data: []byte{1}})
	e.refreshModes()
	e.log.Info("secure boot mode transition", "mode", e.Mode().String())
	e.persist(ctx)
	return status.Success
}

// trustRoots selects the certificate set a time-authenticated write to
// (name, guid) must verify against, and whether the Setup Mode escape
// hatch applies.
func (e *Engine) trustRoots(name string, guid util.EFIGUID) (roots []*x509.Certificate, unverified bool) {
	pk := e.hierarchyCerts(efivar.PK)
	switch {
	case efivar.PK.Is(name, guid):
		// PK updates are self-signed; enrollment from Setup Mode is
		// accepted without verification.
		return pk, e.setupMode()
	case efivar.KEK.Is(name, guid):
		return pk, false
	default:
		// The security databases and any other time-authenticated
		// variable accept PK or any KEK member.
		return append(pk, e.hierarchyCerts(efivar.KEK)...), false
	}
}

// hierarchyCerts parses the X.509 entries of a stored signature
// database variable.
func (e *Engine) hierarchyCerts(v efivar.Efivar) []*x509.Certificate {
	rec := e.store.Get(v.Name, v.GUID)
	if rec == nil {
		return nil
	}
	sigdb, err := signature.ParseSignatureDatabase(rec.Data)
	if err != nil {
		e.log.Error(err, "stored signature database failed to parse", "variable", v.Name)
		return nil
	}
	return sigdb.Certificates()
}
