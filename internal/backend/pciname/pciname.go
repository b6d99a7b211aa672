// Package pciname resolves marketing names for PCI display devices using
// the system pci.ids database.
package pciname

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// Lookup returns the product (or subsystem) name for the given PCI ids, or
// "" when the database is missing or has no entry.
func Lookup(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = Normalize(vendorID)
	deviceID = Normalize(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = Normalize(subVendorID)
	subDeviceID = Normalize(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) && subsystem.Name != "" {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

// VendorName returns the vendor name for a PCI vendor id.
func VendorName(vendorID string) string {
	vendorID = Normalize(vendorID)
	if vendorID == "" {
		return ""
	}
	db := loadDatabase()
	if db == nil {
		return ""
	}
	if vendor, ok := db.Vendors[vendorID]; ok && vendor != nil {
		return vendor.Name
	}
	return ""
}

func loadDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

// Normalize lower-cases a hex id, strips any 0x prefix and pads it to four digits.
func Normalize(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

// Split breaks a "vendor:device" pair apart.
func Split(pciID string) (vendorID string, deviceID string) {
	parts := strings.SplitN(pciID, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// ShouldReplace reports whether a database name is better than the name a
// driver reported. Driver names, raw hex ids and placeholders lose.
func ShouldReplace(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	if lower == "" {
		return true
	}
	switch lower {
	case "amdgpu", "radeon", "nvidia", "nouveau", "i915", "xe", "unknown":
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}
