package statsy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// shortcutsFile is the YAML seed file format:
//
//	shortcuts:
//	  main: "#P2YQ9R0L"
//	  alt: "8QJ0UYR"
type shortcutsFile struct {
	Shortcuts map[string]string `yaml:"shortcuts"`
}

// LoadShortcutsFile reads and validates the shortcut seed file at path.
// Every tag in the file must be valid on its own; shortcuts can't refer
// to other shortcuts.
func LoadShortcutsFile(path string) (map[string]Tag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading shortcuts file: %w", err)
	}
	var f shortcutsFile
	if err = yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing shortcuts file: %w", err)
	}

	validator := NewTagValidator(nil)
	entries := make(map[string]Tag, len(f.Shortcuts))
	var errs []error
	for alias, raw := range f.Shortcuts {
		if normalizeTag(alias) == "" {
			errs = append(errs, errors.New("empty shortcut alias"))
			continue
		}
		tag, verr := validator.Validate(raw)
		if verr != nil {
			errs = append(errs, fmt.Errorf("shortcut %q: %w", alias, verr))
			continue
		}
		entries[normalizeTag(alias)] = tag
	}
	return entries, errors.Join(errs...)
}

// LoadShortcuts returns every shortcut in the database.
func LoadShortcuts(ctx context.Context, db *gorm.DB) (map[string]Tag, error) {
	var rows []Shortcut
	if err := db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make(map[string]Tag, len(rows))
	for _, row := range rows {
		entries[row.Alias] = Tag(row.Tag)
	}
	return entries, nil
}

// SeedShortcuts inserts entries that don't already exist in the database,
// returning the number inserted. Existing aliases keep their tag.
func SeedShortcuts(ctx context.Context, db DBI, entries map[string]Tag) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	rows := make([]Shortcut, 0, len(entries))
	for alias, tag := range entries {
		rows = append(rows, Shortcut{Alias: normalizeTag(alias), Tag: tag.String()})
	}
	var inserted int64
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
			inserted = rv.RowsAffected
			return rv.Error
		},
	)
	return inserted, err
}

// SaveShortcut creates or updates a single shortcut.
func SaveShortcut(ctx context.Context, db DBI, alias string, tag Tag) error {
	key := normalizeTag(alias)
	if key == "" {
		return errors.New("empty shortcut alias")
	}
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "alias"}},
					DoUpdates: clause.AssignmentColumns([]string{"tag", "updated_at"}),
				},
			).Create(&Shortcut{Alias: key, Tag: tag.String()}).Error
		},
	)
}

// DeleteShortcut removes a shortcut, returning false if it didn't exist.
func DeleteShortcut(ctx context.Context, db DBI, alias string) (bool, error) {
	rows, err := db.Delete(ctx, &Shortcut{}, "alias = ?", normalizeTag(alias))
	return rows > 0, err
}

// loadShortcutTable seeds the database from the configured shortcuts
// file, then loads the database's shortcuts into the table.
func (s *Statsy) loadShortcutTable(ctx context.Context) error {
	if s.config.ShortcutsFile != "" {
		seed, err := LoadShortcutsFile(s.config.ShortcutsFile)
		if err != nil {
			return err
		}
		inserted, err := SeedShortcuts(ctx, s.writeDB, seed)
		if err != nil {
			return fmt.Errorf("error seeding shortcuts: %w", err)
		}
		s.logger.InfoContext(
			ctx,
			"seeded shortcuts",
			"file", s.config.ShortcutsFile,
			"entries", len(seed),
			"inserted", inserted,
		)
	}
	return s.reloadShortcuts(ctx)
}

// reloadShortcuts replaces the shortcut table with the database's rows.
func (s *Statsy) reloadShortcuts(ctx context.Context) error {
	entries, err := LoadShortcuts(ctx, s.db)
	if err != nil {
		return fmt.Errorf("error loading shortcuts: %w", err)
	}
	s.shortcuts.Replace(entries)
	s.logger.InfoContext(ctx, "loaded shortcuts", "count", len(entries))
	return nil
}

// setShortcut validates raw, saves it under alias and notifies other
// instances.
func (s *Statsy) setShortcut(ctx context.Context, alias string, raw string) (Tag, error) {
	tag, err := NewTagValidator(nil).Validate(raw)
	if err != nil {
		return "", err
	}
	if err = SaveShortcut(ctx, s.writeDB, alias, tag); err != nil {
		return "", err
	}
	s.shortcuts.Set(alias, tag)
	s.notifyShortcutsChanged(ctx)
	return tag, nil
}

func (s *Statsy) deleteShortcut(ctx context.Context, alias string) (bool, error) {
	deleted, err := DeleteShortcut(ctx, s.writeDB, alias)
	if err != nil {
		return false, err
	}
	s.shortcuts.Delete(alias)
	if deleted {
		s.notifyShortcutsChanged(ctx)
	}
	return deleted, nil
}

func (s *Statsy) notifyShortcutsChanged(ctx context.Context) {
	if s.dbNotifier == nil {
		return
	}
	if !s.dbNotifier.ReloadShortcuts(ctx) {
		s.logger.WarnContext(ctx, "failed to notify instances of shortcut change")
	}
}

// watchShortcutReloads reloads the shortcut table each time a reload
// signal is received, until ctx is canceled.
func (s *Statsy) watchShortcutReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.triggerShortcutReloadCh:
			if err := s.reloadShortcuts(ctx); err != nil {
				s.logger.ErrorContext(ctx, "error reloading shortcuts", tint.Err(err))
			}
		}
	}
}
