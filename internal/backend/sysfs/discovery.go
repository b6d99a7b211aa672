package sysfs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skobkin/gputune/internal/backend"
	"github.com/skobkin/gputune/internal/backend/pciname"
)

const drmClassPath = "class/drm"

// Discover enumerates DRM cards exposed via sysfs under root. Cards whose
// identity cannot be read are skipped.
func Discover(root string, logger *slog.Logger) ([]backend.Identity, error) {
	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var ids []backend.Identity
	for _, entry := range entries {
		name := entry.Name()
		if !isCardDevice(name) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		cardRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name))
		if err != nil {
			logger.Warn("failed to open card root", "card", name, "err", err)
			continue
		}

		id, err := loadCardIdentity(name, cardRoot, sysRoot)
		if err := cardRoot.Close(); err != nil {
			logger.Debug("failed to close card root", "card", name, "err", err)
		}
		if err != nil {
			logger.Warn("failed to load card identity", "card", name, "err", err)
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func loadCardIdentity(cardID string, cardRoot, sysRoot *os.Root) (backend.Identity, error) {
	deviceRoot, err := cardRoot.OpenRoot("device")
	if err != nil {
		return backend.Identity{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	var (
		pciSlot   string
		pciID     string
		name      string
		driver    string
		subVendor string
		subDevice string
	)

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		pciSlot = parseKeyValue(text, "PCI_SLOT_NAME")
		pciID = strings.ToLower(parseKeyValue(text, "PCI_ID"))
		driver = parseKeyValue(text, "DRIVER")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			subVendor, subDevice = pciname.Split(subsys)
		}
		name = parseKeyValue(text, "PCI_ID_NAME")
	}

	if pciID == "" {
		if vendor, err := readTrim(deviceRoot, "vendor"); err == nil {
			if device, err := readTrim(deviceRoot, "device"); err == nil {
				pciID = pciname.Normalize(vendor) + ":" + pciname.Normalize(device)
			}
		}
	}
	if pciID == "" && pciSlot == "" {
		return backend.Identity{}, fmt.Errorf("no pci identity for %s", cardID)
	}

	if name == "" {
		name, _ = readTrim(deviceRoot, "product_name")
	}
	if name == "" {
		name = driver
	}
	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	vendorID, deviceID := pciname.Split(pciID)
	if resolved := pciname.Lookup(vendorID, deviceID, subVendor, subDevice); pciname.ShouldReplace(name, resolved) {
		name = resolved
	}
	if name == "" {
		name = cardID
	}

	uniqueID := pciSlot
	if uniqueID == "" {
		uniqueID = cardID
	}

	return backend.Identity{
		Handle:        cardID,
		UniqueID:      uniqueID,
		Name:          name,
		Driver:        driver,
		DriverVersion: driverVersion(sysRoot, driver),
		PCI:           pciSlot,
		PCIID:         pciID,
	}, nil
}

// driverVersion reports the loaded kernel module version, falling back to
// the bare driver name for in-tree drivers that do not export one.
func driverVersion(sysRoot *os.Root, driver string) string {
	if driver == "" {
		return ""
	}
	if version, err := readTrim(sysRoot, filepath.Join("module", driver, "version")); err == nil && version != "" {
		return driver + " " + version
	}
	return driver
}

// isCardDevice accepts card0, card1, ... but not connectors such as card0-DP-1.
func isCardDevice(name string) bool {
	if !strings.HasPrefix(name, "card") || len(name) == len("card") {
		return false
	}
	for _, r := range name[len("card"):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
