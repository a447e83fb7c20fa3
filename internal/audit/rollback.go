package audit

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/powerblockade/powerblockade/internal/model"
	"github.com/powerblockade/powerblockade/internal/store"
)

// Rollback errors the API maps to operator-facing responses.
var (
	ErrNotRollbackable = errors.New("audit: change cannot be rolled back")
	ErrConflict        = errors.New("audit: rollback target conflicts with current state")
)

// Service performs rollbacks against the store.
type Service struct {
	Store *store.Store

	// RequestCompile asks for a recompile after a rollback touched policy.
	// May be nil in tests.
	RequestCompile func()
}

var updateActions = map[string]bool{
	"update":           true,
	"toggle":           true,
	"update_frequency": true,
	"update_schedule":  true,
}

// Rollback undoes the change with the given id. Only blocklist and
// forward_zone changes with create/delete/update-family actions qualify.
// The rollback itself is audited with a comment naming the original change.
func (s *Service) Rollback(changeID int64) error {
	change, err := s.Store.ChangeByID(changeID)
	if err != nil {
		return err
	}
	if change.EntityType != EntityBlocklist && change.EntityType != EntityForwardZone {
		return fmt.Errorf("%w: entity %q", ErrNotRollbackable, change.EntityType)
	}

	switch {
	case change.Action == "delete":
		err = s.restore(change)
	case change.Action == "create":
		err = s.undoCreate(change)
	case updateActions[change.Action]:
		err = s.undoUpdate(change)
	default:
		return fmt.Errorf("%w: action %q", ErrNotRollbackable, change.Action)
	}
	if err != nil {
		return err
	}
	if s.RequestCompile != nil {
		s.RequestCompile()
	}
	return nil
}

// restore reinserts a deleted entity from its before snapshot, provided the
// natural key is free.
func (s *Service) restore(change *model.ConfigChange) error {
	comment := fmt.Sprintf("Rolled back %s delete change #%d", change.EntityType, change.ID)
	switch change.EntityType {
	case EntityBlocklist:
		var snap blocklistSnapshot
		if err := json.Unmarshal([]byte(change.BeforeData), &snap); err != nil {
			return fmt.Errorf("audit: bad snapshot on change %d: %w", change.ID, err)
		}
		if _, err := s.findBlocklistByURL(snap.URL); err == nil {
			return fmt.Errorf("%w: blocklist url %q exists", ErrConflict, snap.URL)
		}
		bl := &model.Blocklist{}
		applyBlocklistSnapshot(bl, snap)
		if err := s.Store.CreateBlocklist(bl); err != nil {
			return err
		}
		return s.record(EntityBlocklist, bl.ID, "rollback_restore", "", SnapshotBlocklist(bl), comment)
	case EntityForwardZone:
		var snap forwardZoneSnapshot
		if err := json.Unmarshal([]byte(change.BeforeData), &snap); err != nil {
			return fmt.Errorf("audit: bad snapshot on change %d: %w", change.ID, err)
		}
		z := &model.ForwardZone{
			NodeID:      snap.NodeID,
			Domain:      snap.Domain,
			Servers:     snap.Servers,
			Description: snap.Description,
			Enabled:     snap.Enabled,
		}
		if err := s.Store.CreateForwardZone(z); err != nil {
			// The partial unique indexes surface duplicate domains here.
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return s.record(EntityForwardZone, z.ID, "rollback_restore", "", SnapshotForwardZone(z), comment)
	}
	return ErrNotRollbackable
}

// undoCreate deletes the entity the change created, if it still exists.
func (s *Service) undoCreate(change *model.ConfigChange) error {
	if change.EntityID == nil {
		return fmt.Errorf("%w: create change %d has no entity id", ErrNotRollbackable, change.ID)
	}
	id := *change.EntityID
	comment := fmt.Sprintf("Rolled back %s create change #%d", change.EntityType, change.ID)

	switch change.EntityType {
	case EntityBlocklist:
		bl, err := s.Store.BlocklistByID(id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: blocklist %d already gone", ErrConflict, id)
		}
		if err != nil {
			return err
		}
		if err := s.Store.DeleteBlocklist(id); err != nil {
			return err
		}
		return s.record(EntityBlocklist, id, "rollback_delete", SnapshotBlocklist(bl), "", comment)
	case EntityForwardZone:
		z, err := s.Store.ForwardZoneByID(id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: forward zone %d already gone", ErrConflict, id)
		}
		if err != nil {
			return err
		}
		if err := s.Store.DeleteForwardZone(id); err != nil {
			return err
		}
		return s.record(EntityForwardZone, id, "rollback_delete", SnapshotForwardZone(z), "", comment)
	}
	return ErrNotRollbackable
}

// undoUpdate overwrites the entity's fields with the before snapshot.
func (s *Service) undoUpdate(change *model.ConfigChange) error {
	if change.EntityID == nil {
		return fmt.Errorf("%w: update change %d has no entity id", ErrNotRollbackable, change.ID)
	}
	id := *change.EntityID
	comment := fmt.Sprintf("Rolled back %s %s change #%d", change.EntityType, change.Action, change.ID)

	switch change.EntityType {
	case EntityBlocklist:
		bl, err := s.Store.BlocklistByID(id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: blocklist %d no longer exists", ErrConflict, id)
		}
		if err != nil {
			return err
		}
		before := SnapshotBlocklist(bl)
		var snap blocklistSnapshot
		if err := json.Unmarshal([]byte(change.BeforeData), &snap); err != nil {
			return fmt.Errorf("audit: bad snapshot on change %d: %w", change.ID, err)
		}
		applyBlocklistSnapshot(bl, snap)
		if err := s.Store.UpdateBlocklist(bl); err != nil {
			return err
		}
		return s.record(EntityBlocklist, id, "rollback_update", before, SnapshotBlocklist(bl), comment)
	case EntityForwardZone:
		z, err := s.Store.ForwardZoneByID(id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: forward zone %d no longer exists", ErrConflict, id)
		}
		if err != nil {
			return err
		}
		before := SnapshotForwardZone(z)
		var snap forwardZoneSnapshot
		if err := json.Unmarshal([]byte(change.BeforeData), &snap); err != nil {
			return fmt.Errorf("audit: bad snapshot on change %d: %w", change.ID, err)
		}
		z.NodeID = snap.NodeID
		z.Domain = snap.Domain
		z.Servers = snap.Servers
		z.Description = snap.Description
		z.Enabled = snap.Enabled
		if err := s.Store.UpdateForwardZone(z); err != nil {
			return err
		}
		return s.record(EntityForwardZone, id, "rollback_update", before, SnapshotForwardZone(z), comment)
	}
	return ErrNotRollbackable
}

func (s *Service) record(entityType string, entityID int64, action, before, after, comment string) error {
	return s.Store.RecordChange(&model.ConfigChange{
		EntityType: entityType,
		EntityID:   &entityID,
		Action:     action,
		BeforeData: before,
		AfterData:  after,
		Comment:    comment,
	})
}

func (s *Service) findBlocklistByURL(url string) (*model.Blocklist, error) {
	lists, err := s.Store.ListBlocklists()
	if err != nil {
		return nil, err
	}
	for _, bl := range lists {
		if bl.URL == url {
			return bl, nil
		}
	}
	return nil, store.ErrNotFound
}
