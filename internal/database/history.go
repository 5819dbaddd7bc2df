package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go-gallery-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// PassKeyPrefix namespaces pass records. Keys stay well under bitcask's
// default 64 byte key limit with a UUID pass ID.
const PassKeyPrefix = "pass_"

func passKey(passID string) []byte {
	return []byte(PassKeyPrefix + passID)
}

// PutPassRecord stores the summary of a finished pass.
func (d *DB) PutPassRecord(rec models.PassRecord) error {
	if rec.PassID == "" {
		return errors.New("cannot store pass record without a pass ID")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal pass record %s: %w", rec.PassID, err)
	}
	if err := d.Put(passKey(rec.PassID), data); err != nil {
		return err
	}
	log.WithField("pass", rec.PassID).Debugf("Stored pass record for %s", rec.Collection.Subdir)
	return nil
}

// GetPassRecord loads one pass record. It returns ErrNotFound for unknown IDs.
func (d *DB) GetPassRecord(passID string) (models.PassRecord, error) {
	var rec models.PassRecord
	data, err := d.Get(passKey(passID))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to unmarshal pass record %s: %w", passID, err)
	}
	return rec, nil
}

// ListPassRecords returns all pass records, oldest first. Records that fail
// to decode are skipped.
func (d *DB) ListPassRecords() ([]models.PassRecord, error) {
	var records []models.PassRecord
	err := d.FoldPrefix(PassKeyPrefix, func(key []byte, value []byte) error {
		var rec models.PassRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			log.WithError(err).Warnf("Skipping unreadable pass record %s", string(key))
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate pass records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

// LatestPassRecords returns the newest record per collection, keyed by
// models.Collection.Key.
func (d *DB) LatestPassRecords() (map[string]models.PassRecord, error) {
	records, err := d.ListPassRecords()
	if err != nil {
		return nil, err
	}
	latest := make(map[string]models.PassRecord)
	for _, rec := range records {
		latest[rec.Collection.Key()] = rec
	}
	return latest, nil
}

// DeletePassRecord removes one pass record. It reports whether it existed.
func (d *DB) DeletePassRecord(passID string) (bool, error) {
	key := passKey(passID)
	if !d.Has(key) {
		return false, nil
	}
	if err := d.Delete(key); err != nil {
		return false, err
	}
	return true, nil
}

// PrunePassRecords deletes all but the newest keep records and returns how
// many were removed.
func (d *DB) PrunePassRecords(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	records, err := d.ListPassRecords()
	if err != nil {
		return 0, err
	}
	if len(records) <= keep {
		return 0, nil
	}

	removed := 0
	for _, rec := range records[:len(records)-keep] {
		ok, err := d.DeletePassRecord(rec.PassID)
		if err != nil {
			return removed, fmt.Errorf("failed to delete pass record %s: %w", rec.PassID, err)
		}
		if ok {
			removed++
		}
	}
	log.Infof("Pruned %d pass record(s), kept %d", removed, keep)
	return removed, nil
}
