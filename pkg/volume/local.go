package volume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/types"
)

const (
	// DriverLocal is the name of the local directory driver
	DriverLocal = "local"

	metadataFile = ".hutch-volume.json"
	dataDir      = "_data"
)

// ErrNotFound is returned when a volume does not exist
var ErrNotFound = errors.New("volume not found")

// VolumeDriver defines the interface for volume drivers
type VolumeDriver interface {
	// Create creates a new volume, filling in its mount path
	Create(volume *types.Volume) error

	// Find looks a volume up by namespace and alias
	Find(namespace, alias string) (*types.Volume, error)

	// Delete removes a volume and its data
	Delete(volume *types.Volume) error

	// GetPath returns the host path for a volume
	GetPath(volume *types.Volume) string
}

// LocalDriver stores volumes as directories under basePath/<namespace>/<alias>.
// Volume metadata lives next to the data directory.
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a new local volume driver
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		return nil, fmt.Errorf("volume base path is required")
	}

	// Ensure base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalDriver{
		basePath: basePath,
	}, nil
}

// Create creates the volume directory. Creating an existing volume returns
// the stored one.
func (d *LocalDriver) Create(volume *types.Volume) error {
	if existing, err := d.Find(volume.Namespace, volume.Name); err == nil {
		*volume = *existing
		return nil
	}

	if volume.ID == "" {
		volume.ID = uuid.New().String()
	}
	if volume.Driver == "" {
		volume.Driver = DriverLocal
	}
	if volume.CreatedAt.IsZero() {
		volume.CreatedAt = time.Now()
	}

	dir := d.dir(volume.Namespace, volume.Name)
	if err := os.MkdirAll(filepath.Join(dir, dataDir), 0755); err != nil {
		return fmt.Errorf("failed to create volume directory: %w", err)
	}

	// Update volume with actual mount path
	volume.MountPath = d.GetPath(volume)

	data, err := json.Marshal(volume)
	if err != nil {
		return fmt.Errorf("failed to marshal volume: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write volume metadata: %w", err)
	}

	return nil
}

// Find returns the volume with the given alias in a namespace
func (d *LocalDriver) Find(namespace, alias string) (*types.Volume, error) {
	data, err := os.ReadFile(filepath.Join(d.dir(namespace, alias), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", namespace, alias, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read volume metadata: %w", err)
	}

	var volume types.Volume
	if err := json.Unmarshal(data, &volume); err != nil {
		return nil, fmt.Errorf("failed to unmarshal volume: %w", err)
	}
	return &volume, nil
}

// Delete removes a local volume directory
func (d *LocalDriver) Delete(volume *types.Volume) error {
	dir := d.dir(volume.Namespace, volume.Name)

	// Check if volume exists
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil // Already deleted
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}

	return nil
}

// GetPath returns the host path mounted into containers
func (d *LocalDriver) GetPath(volume *types.Volume) string {
	return filepath.Join(d.dir(volume.Namespace, volume.Name), dataDir)
}

func (d *LocalDriver) dir(namespace, alias string) string {
	return filepath.Join(d.basePath, namespace, alias)
}

// VolumeManager routes volume operations to drivers
type VolumeManager struct {
	drivers map[string]VolumeDriver
	def     string
}

// NewVolumeManager creates a volume manager with a local driver rooted at basePath
func NewVolumeManager(basePath string) (*VolumeManager, error) {
	localDriver, err := NewLocalDriver(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create local driver: %w", err)
	}

	return &VolumeManager{
		drivers: map[string]VolumeDriver{
			DriverLocal: localDriver,
		},
		def: DriverLocal,
	}, nil
}

// GetDriver returns the driver for a volume
func (vm *VolumeManager) GetDriver(driverName string) (VolumeDriver, error) {
	if driverName == "" {
		driverName = vm.def
	}
	driver, ok := vm.drivers[driverName]
	if !ok {
		return nil, fmt.Errorf("unknown volume driver: %s", driverName)
	}
	return driver, nil
}

// Ensure returns the volume with the given alias, creating it on first use
func (vm *VolumeManager) Ensure(namespace, alias string, labels map[string]string) (*types.Volume, error) {
	driver, err := vm.GetDriver("")
	if err != nil {
		return nil, err
	}

	volume := &types.Volume{
		Name:      alias,
		Namespace: namespace,
		Driver:    vm.def,
		Labels:    labels,
	}
	if err := driver.Create(volume); err != nil {
		return nil, err
	}
	return volume, nil
}

// Find looks a volume up with the default driver
func (vm *VolumeManager) Find(namespace, alias string) (*types.Volume, error) {
	driver, err := vm.GetDriver("")
	if err != nil {
		return nil, err
	}
	return driver.Find(namespace, alias)
}

// DeleteVolume deletes a volume using the appropriate driver
func (vm *VolumeManager) DeleteVolume(volume *types.Volume) error {
	driver, err := vm.GetDriver(volume.Driver)
	if err != nil {
		return err
	}

	return driver.Delete(volume)
}
