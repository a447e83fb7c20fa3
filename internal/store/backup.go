package store

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// BackupDatabase writes a consistent snapshot of the live database to destPath
// using VACUUM INTO. The target must not exist.
func (s *Store) BackupDatabase(destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("backup mkdir: %w", err)
	}
	if _, err := s.db.Exec(`VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

// BackupArchive produces a tar.gz under backupDir holding a database snapshot
// plus the shared directory's current artifacts, and returns the archive path.
func (s *Store) BackupArchive(backupDir, sharedDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("backup mkdir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	dbSnapshot := filepath.Join(backupDir, fmt.Sprintf(".db-%s.tmp", stamp))
	if err := s.BackupDatabase(dbSnapshot); err != nil {
		return "", err
	}
	defer os.Remove(dbSnapshot)

	archivePath := filepath.Join(backupDir, fmt.Sprintf("powerblockade-backup-%s.tar.gz", stamp))
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	if err := addFileToTar(tw, dbSnapshot, DBFileName); err != nil {
		tw.Close()
		gw.Close()
		os.Remove(archivePath)
		return "", err
	}

	if sharedDir != "" {
		err = filepath.WalkDir(sharedDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(sharedDir, path)
			if err != nil {
				return err
			}
			return addFileToTar(tw, path, filepath.Join("shared", rel))
		})
		if err != nil && !os.IsNotExist(err) {
			tw.Close()
			gw.Close()
			os.Remove(archivePath)
			return "", fmt.Errorf("archive shared dir: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("close gzip: %w", err)
	}
	return archivePath, nil
}

func addFileToTar(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
