package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfo/vigil/internal/chain"
	"github.com/meridianfo/vigil/internal/events"
	"github.com/meridianfo/vigil/internal/metrics"
)

const (
	archivePrefix   = "vigil-backup-"
	archiveSuffix   = ".tar.gz"
	timestampLayout = "2006-01-02-150405"

	snapshotFilename = "chain-snapshot.json"
	metadataFilename = "backup-metadata.json"

	// Rotation never deletes below this many archives, whatever the
	// configured retention says.
	minBackupsToKeep = 3
)

// Options configures the backup service
type Options struct {
	Store   ObjectStore
	Chain   *chain.Chain
	Bus     *events.Bus      // optional
	Metrics *metrics.Metrics // optional
	DataDir string           // staging space for archive assembly
}

// R2BackupService snapshots the audit chain and ships compressed archives
// to the object store
type R2BackupService struct {
	opts Options
	log  zerolog.Logger
}

// BackupMetadata describes the contents of one uploaded archive
type BackupMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Blocks    int            `json:"blocks"`
	RootHash  string         `json:"root_hash"`
	Intact    bool           `json:"intact"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata describes a single file inside the archive
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo represents information about an archive in the object store
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewR2BackupService creates a backup service for the audit chain
func NewR2BackupService(opts Options, log zerolog.Logger) *R2BackupService {
	return &R2BackupService{
		opts: opts,
		log:  log.With().Str("component", "r2_backup").Logger(),
	}
}

// CreateAndUploadBackup snapshots the chain, packs it with metadata into a
// tar.gz archive and uploads it
func (s *R2BackupService) CreateAndUploadBackup(ctx context.Context) error {
	if err := s.createAndUpload(ctx); err != nil {
		s.countBackup("failure")
		return err
	}
	s.countBackup("success")
	return nil
}

func (s *R2BackupService) createAndUpload(ctx context.Context) error {
	s.log.Info().Msg("Starting chain backup")
	startTime := time.Now()

	stagingDir := filepath.Join(s.opts.DataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	// Export gives a point-in-time copy under the chain's lock, so blocks
	// appended mid-backup land in the next snapshot.
	blocks := s.opts.Chain.Export()
	intact := s.opts.Chain.VerifyIntegrity()
	if !intact {
		s.log.Error().Msg("Chain failed integrity check, backing up anyway for forensics")
	}

	snapshotPath := filepath.Join(stagingDir, snapshotFilename)
	if err := writeJSONFile(snapshotPath, blocks); err != nil {
		return fmt.Errorf("failed to write chain snapshot: %w", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to stat chain snapshot: %w", err)
	}
	checksum, err := calculateChecksum(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to calculate snapshot checksum: %w", err)
	}

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
		Blocks:    len(blocks),
		RootHash:  s.opts.Chain.RootHash(),
		Intact:    intact,
		Files: []FileMetadata{
			{
				Name:      snapshotFilename,
				SizeBytes: info.Size(),
				Checksum:  checksum,
			},
		},
	}

	metadataPath := filepath.Join(stagingDir, metadataFilename)
	if err := writeJSONFile(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := fmt.Sprintf("%s%s%s", archivePrefix, time.Now().Format(timestampLayout), archiveSuffix)
	archivePath := filepath.Join(stagingDir, archiveName)

	if err := createArchive(archivePath, stagingDir, []string{snapshotFilename, metadataFilename}); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.opts.Store.Upload(ctx, archiveName, archiveFile, archiveInfo.Size()); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}

	duration := time.Since(startTime)
	s.log.Info().
		Dur("duration_ms", duration).
		Str("archive", archiveName).
		Int("blocks", len(blocks)).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("Chain backup completed")

	if s.opts.Bus != nil {
		s.opts.Bus.Emit(events.NotificationBackupCompleted, "backup", map[string]any{
			"archive":    archiveName,
			"blocks":     len(blocks),
			"size_bytes": archiveInfo.Size(),
			"intact":     intact,
		})
	}

	return nil
}

// ListBackups lists all chain archives in the object store, newest first
func (s *R2BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.opts.Store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, archiveSuffix) {
			continue
		}

		timestampStr := strings.TrimPrefix(obj.Key, archivePrefix)
		timestampStr = strings.TrimSuffix(timestampStr, archiveSuffix)

		timestamp, err := time.Parse(timestampLayout, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", obj.Key).Msg("Failed to parse timestamp from filename")
			continue
		}

		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	// Newest first
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// RotateOldBackups deletes the oldest archives beyond keep. At least
// minBackupsToKeep archives survive rotation whatever the setting says.
func (s *R2BackupService) RotateOldBackups(ctx context.Context, keep int) error {
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}

	s.log.Info().Int("keep", keep).Msg("Starting backup rotation")

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}

	if len(backups) <= keep {
		s.log.Info().Int("count", len(backups)).Msg("Too few backups to rotate")
		return nil
	}

	deletedCount := 0
	for _, backup := range backups[keep:] {
		if err := s.opts.Store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().
				Err(err).
				Str("filename", backup.Filename).
				Msg("Failed to delete old backup")
			continue
		}

		s.log.Info().
			Str("filename", backup.Filename).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old backup")

		deletedCount++
	}

	s.log.Info().
		Int("deleted", deletedCount).
		Int("remaining", len(backups)-deletedCount).
		Msg("Backup rotation completed")

	return nil
}

func (s *R2BackupService) countBackup(status string) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.Backups.WithLabelValues(status).Inc()
}

// calculateChecksum calculates the SHA256 checksum of a file
func calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeJSONFile writes a value to path as indented JSON
func writeJSONFile(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// createArchive creates a tar.gz archive of the named files in sourceDir
func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}

	return nil
}

// addFileToArchive adds a single file to a tar archive
func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}

	return nil
}
