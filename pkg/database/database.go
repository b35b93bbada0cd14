package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/config"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DB is a postgres connection shared by the snapshot stores of every
// program.
type DB struct {
	g *gorm.DB
}

func New(cfg *config.DB) (*DB, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}

	logger.Debug("connected to the DB")

	if err := db.AutoMigrate(entities...); err != nil {
		return nil, err
	}

	logger.Debug("migrated DB entities")

	return &DB{g: db}, nil
}

func Connect(cfg *config.DB) (*gorm.DB, error) {
	dsn := formatDSN(cfg)

	gormLogLevel := getGormLogLevel(cfg)
	gormCfg := gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel),
	}

	return gorm.Open(postgres.Open(dsn), &gormCfg)
}

func getGormLogLevel(cfg *config.DB) gormlogger.LogLevel {
	if cfg.LogQueries {
		return gormlogger.Info
	}

	return gormlogger.Silent
}

func formatDSN(cfg *config.DB) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.DBName,
	}

	return u.String()
}

// DBStore keeps the state of one program as a row of the snapshots table.
type DBStore struct {
	db             *DB
	programAddress string
	kind           analysis.Kind
	maxElapsedTime time.Duration
}

func (db *DB) Store(programAddress string, kind analysis.Kind, maxElapsedTime time.Duration) *DBStore {
	return &DBStore{
		db:             db,
		programAddress: programAddress,
		kind:           kind,
		maxElapsedTime: maxElapsedTime,
	}
}

// Load reads the program's row. A row that cannot be decoded is moved to
// the quarantined_snapshots table and indexing starts over.
func (s *DBStore) Load(ctx context.Context) (*State, error) {
	row := new(Snapshot)

	err := s.db.g.WithContext(ctx).First(row, "program_address = ?", s.programAddress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Infof("no saved state for %s, starting from scratch", s.programAddress)
		return NewState(s.programAddress, s.kind), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot read snapshot")
	}

	state, err := DecodeDocument(row.Version, row.Document)
	if err == nil && (state.ProgramAddress != s.programAddress || state.Kind != s.kind) {
		err = errors.Wrapf(ErrCorruptDocument, "document is for %s program %s", state.Kind, state.ProgramAddress)
	}
	if err != nil {
		if qErr := s.quarantine(ctx, row, err); qErr != nil {
			return nil, qErr
		}

		logger.Errorf("unreadable snapshot of %s quarantined: %v", s.programAddress, err)
		return NewState(s.programAddress, s.kind), nil
	}

	return state, nil
}

func (s *DBStore) quarantine(ctx context.Context, row *Snapshot, reason error) error {
	return s.db.g.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Create(&QuarantinedSnapshot{
			ProgramAddress: row.ProgramAddress,
			Version:        row.Version,
			Document:       string(row.Document),
			Reason:         reason.Error(),
			QuarantinedAt:  time.Now(),
		}).Error
		if err != nil {
			return errors.Wrap(err, "cannot quarantine snapshot")
		}

		return tx.Delete(&Snapshot{}, "program_address = ?", row.ProgramAddress).Error
	})
}

func (s *DBStore) Save(ctx context.Context, state *State) error {
	data, err := Encode(state)
	if err != nil {
		return err
	}

	_, doc, err := splitVersion(data)
	if err != nil {
		return err
	}

	row := &Snapshot{
		ProgramAddress: state.ProgramAddress,
		Kind:           string(state.Kind),
		Version:        CurrentVersion,
		Document:       datatypes.JSON(doc),
		UpdatedAt:      time.Now(),
	}

	return saveWithBackoff(ctx, s.maxElapsedTime, func(ctx context.Context) error {
		return s.db.g.WithContext(ctx).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(row).
			Error
	})
}
