package spaceInformations

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

var ErrInsufficientSpace = errors.New("insufficient free disk space")

// CalculateDirectorySize calculates the total size of files within a directory
func CalculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// existingParent returns path or its closest existing ancestor.
func existingParent(path string) (string, error) {
	current, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(current); err == nil {
			return current, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("path does not exist: %s", path)
		}
		current = parent
	}
}

func GetDeviceAndMountPoint(path string) (string, string, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return "", "", err
	}

	matchPath, err := existingParent(path)
	if err != nil {
		return "", "", err
	}
	if resolved, err := filepath.EvalSymlinks(matchPath); err == nil {
		matchPath = resolved
	}

	best := -1
	for i, partition := range partitions {
		if contains(matchPath, partition.Mountpoint) && (best < 0 || len(partition.Mountpoint) > len(partitions[best].Mountpoint)) {
			best = i
		}
	}
	if best < 0 {
		return "", "", fmt.Errorf("mount point not found for path: %s", path)
	}
	return partitions[best].Mountpoint, partitions[best].Device, nil
}

// contains checks if a path is within the mount point.
func contains(path, mountpoint string) bool {
	if mountpoint == "" {
		return false
	}

	p := filepath.Clean(path)
	m := filepath.Clean(mountpoint)

	if m == string(os.PathSeparator) || p == m {
		return true
	}
	m = strings.TrimSuffix(m, string(os.PathSeparator))
	return strings.HasPrefix(p, m+string(os.PathSeparator))
}

// FreeBytes returns the free space of the filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	existing, err := existingParent(path)
	if err != nil {
		return 0, err
	}
	usage, err := disk.Usage(existing)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage of %s: %w", existing, err)
	}
	return usage.Free, nil
}

// CheckFreeSpace fails with ErrInsufficientSpace when the filesystem holding
// path has less than minimumGB gigabytes free.
func CheckFreeSpace(path string, minimumGB int) error {
	if minimumGB <= 0 {
		return nil
	}
	free, err := FreeBytes(path)
	if err != nil {
		return err
	}
	if free < uint64(minimumGB)*1e9 {
		return fmt.Errorf("%w: %s has %.2f GB free, %d GB required", ErrInsufficientSpace, path, float64(free)/1e9, minimumGB)
	}
	return nil
}

// DisplayDiskUsage logs the disk usage of every path
func DisplayDiskUsage(log *logrus.Logger, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no path provided in configuration")
	}

	for _, path := range paths {
		existing, err := existingParent(path)
		if err != nil {
			return err
		}
		usage, err := disk.Usage(existing)
		if err != nil {
			log.WithFields(logrus.Fields{"path": path, "error": err}).Error("Error retrieving disk usage stats")
			return err
		}

		mountPoint, device, err := GetDeviceAndMountPoint(path)
		if err != nil {
			log.WithFields(logrus.Fields{"path": path, "error": err}).Warn("Error finding device and mount point")
		}

		var pathSize int64
		if _, statErr := os.Stat(path); statErr == nil {
			pathSize, err = CalculateDirectorySize(path)
			if err != nil {
				log.WithFields(logrus.Fields{"path": path, "error": err}).Error("Error calculating directory size")
				return err
			}
		}

		log.WithFields(logrus.Fields{
			"path":        path,
			"device":      device,
			"mount_point": mountPoint,
			"total_gb":    fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			"used_gb":     fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
			"free_gb":     fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
			"repo_gb":     fmt.Sprintf("%.2f", float64(pathSize)/1e9),
		}).Debug("Disk usage for path")
	}

	return nil
}
