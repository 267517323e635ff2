// Package efivar describes the well-known variables the service
// recognizes: the Secure Boot hierarchy and the mode variables the
// engine materializes itself.
package efivar

import (
	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/util"
)

type Efivar struct {
	Name       string
	GUID       util.EFIGUID
	Attributes attributes.Attributes
}

func (e Efivar) Is(name string, guid util.EFIGUID) bool {
	return e.Name == name && util.CmpEFIGUID(e.GUID, guid)
}

const hierarchyAttrs = attributes.EFI_VARIABLE_NON_VOLATILE |
	attributes.EFI_VARIABLE_BOOTSERVICE_ACCESS |
	attributes.EFI_VARIABLE_RUNTIME_ACCESS |
	attributes.EFI_VARIABLE_TIME_BASED_AUTHENTICATED_WRITE_ACCESS

const modeAttrs = attributes.EFI_VARIABLE_BOOTSERVICE_ACCESS |
	attributes.EFI_VARIABLE_RUNTIME_ACCESS

// Definitions for standard EFI variables
var (
	// The public Platform Key.
	PK = Efivar{"PK", attributes.EFI_GLOBAL_VARIABLE, hierarchyAttrs}

	// The Key Exchange Key Signature Database.
	KEK = Efivar{"KEK", attributes.EFI_GLOBAL_VARIABLE, hierarchyAttrs}

	// The authorized signature database.
	Db = Efivar{"db", attributes.EFI_IMAGE_SECURITY_DATABASE_GUID, hierarchyAttrs}

	// The forbidden signature database.
	Dbx = Efivar{"dbx", attributes.EFI_IMAGE_SECURITY_DATABASE_GUID, hierarchyAttrs}

	// The authorized timestamp signature database.
	Dbt = Efivar{"dbt", attributes.EFI_IMAGE_SECURITY_DATABASE_GUID, hierarchyAttrs}

	// The authorized recovery signature database.
	Dbr = Efivar{"dbr", attributes.EFI_IMAGE_SECURITY_DATABASE_GUID, hierarchyAttrs}

	// Whether the platform firmware is operating in Secure boot mode
	// (1) or not (0). Should be treated as read-only.
	SecureBoot = Efivar{"SecureBoot", attributes.EFI_GLOBAL_VARIABLE, modeAttrs}

	// The system is in "Setup Mode" when SetupMode==1, AuditMode==0,
	// and DeployedMode==0. Should be treated as read-only.
	SetupMode = Efivar{"SetupMode", attributes.EFI_GLOBAL_VARIABLE, modeAttrs}

	// Whether the system is in Audit Mode. Writable 0 -> 1 from Setup
	// Mode only. Persisted like any other NV record.
	AuditMode = Efivar{"AuditMode", attributes.EFI_GLOBAL_VARIABLE, modeAttrs | attributes.EFI_VARIABLE_NON_VOLATILE}

	// Whether the system is in Deployed Mode. Writable 0 -> 1 from
	// User Mode only; the transition does not reverse by variable
	// write.
	DeployedMode = Efivar{"DeployedMode", attributes.EFI_GLOBAL_VARIABLE, modeAttrs | attributes.EFI_VARIABLE_NON_VOLATILE}

	// Array of GUIDs for the signature types the firmware supports.
	// Read-only.
	SignatureSupport = Efivar{"SignatureSupport", attributes.EFI_GLOBAL_VARIABLE, modeAttrs}
)

// Hierarchy lists the Secure Boot policy variables in enrollment
// order: PK roots the chain, KEK vouches for the databases.
var Hierarchy = []Efivar{PK, KEK, Db, Dbx, Dbt, Dbr}

// IsHierarchy reports whether (name, guid) addresses a Secure Boot
// policy variable. Writes to these always take the authenticated
// path, whatever mode the platform is in.
func IsHierarchy(name string, guid util.EFIGUID) bool {
	for _, v := range Hierarchy {
		if v.Is(name, guid) {
			return true
		}
	}
	return false
}

// IsSecurityDatabase reports whether (name, guid) is one of the
// db-family databases, which accept KEK-signed updates in addition to
// PK-signed ones.
func IsSecurityDatabase(name string, guid util.EFIGUID) bool {
	if !util.CmpEFIGUID(guid, attributes.EFI_IMAGE_SECURITY_DATABASE_GUID) {
		return false
	}
	return attributes.ImageSecurityDatabases[name]
}
