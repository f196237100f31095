package relation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/aslishyi/anima/internal/logging"
)

// migrationMarker is created once legacy JSON profiles have been imported
const migrationMarker = "migration_complete.txt"

// MigrateLegacyJSON imports profiles from the old per-user JSON layout
// (dataRoot/user_profiles/<id>.json) into the database. One-shot: a
// marker file suppresses re-runs. Missing legacy directory is a no-op.
func (s *Store) MigrateLegacyJSON(dataRoot string) error {
	marker := filepath.Join(dataRoot, migrationMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	legacyDir := filepath.Join(dataRoot, "user_profiles")
	files, err := filepath.Glob(filepath.Join(legacyDir, "*.json"))
	if err != nil || len(files) == 0 {
		return os.WriteFile(marker, []byte("no legacy profiles\n"), 0644)
	}

	migrated := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			logging.Warn("relation", "migration skipped %s: %v", f, err)
			continue
		}
		var p Profile
		if err := json.Unmarshal(data, &p); err != nil {
			logging.Warn("relation", "migration skipped %s: corrupt json: %v", f, err)
			continue
		}
		if p.UserID == "" {
			p.UserID = strings.TrimSuffix(filepath.Base(f), ".json")
		}
		if err := s.persist(&p); err != nil {
			// Leave the marker unwritten so the next start retries
			return err
		}
		migrated++
	}

	logging.Info("relation", "migrated %d legacy profiles", migrated)
	return os.WriteFile(marker, []byte("migrated\n"), 0644)
}
