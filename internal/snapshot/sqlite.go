package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// SQLiteProvider keeps clinical records in a local SQLite file. It backs the CLI and
// single-node deployments and can import snapshots for assessment.
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
}

// NewSQLiteProvider opens (or creates) the database file and its schema.
func NewSQLiteProvider(dbPath string, logger *logrus.Logger) (*SQLiteProvider, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := createClinicalSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
		log:    logger,
	}, nil
}

func createClinicalSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id TEXT PRIMARY KEY,
		age INTEGER,
		hiv_positive INTEGER,
		diabetes INTEGER,
		smoker INTEGER,
		aids INTEGER,
		alcoholism INTEGER,
		mental_disorder INTEGER,
		drug_addiction INTEGER,
		treatment_days INTEGER,
		revision INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS monitoring_visits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		visit_date TEXT NOT NULL,
		adherence_pct REAL
	);

	CREATE TABLE IF NOT EXISTS treatment_modifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		modified_on TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		drug TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS patient_flags (
		patient_id TEXT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (patient_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_visits_patient ON monitoring_visits(patient_id, visit_date);
	CREATE INDEX IF NOT EXISTS idx_modifications_patient ON treatment_modifications(patient_id, modified_on);
	`

	_, err := db.Exec(schema)
	return err
}

// SaveSnapshot replaces the patient's record, visits, modifications and extra comorbidity
// flags and bumps the revision. The stored revision becomes the snapshot version.
func (p *SQLiteProvider) SaveSnapshot(ctx context.Context, s *domain.ClinicalSnapshot) error {
	if s == nil || s.PatientID == "" {
		return domain.NewValidationError("patient_id", "patient ID is required", nil)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ext := s.ExtendedComorbidities
	_, err = tx.ExecContext(ctx, `
		INSERT INTO patients (
			id, age, hiv_positive, diabetes, smoker,
			aids, alcoholism, mental_disorder, drug_addiction,
			treatment_days, revision, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			age = excluded.age,
			hiv_positive = excluded.hiv_positive,
			diabetes = excluded.diabetes,
			smoker = excluded.smoker,
			aids = excluded.aids,
			alcoholism = excluded.alcoholism,
			mental_disorder = excluded.mental_disorder,
			drug_addiction = excluded.drug_addiction,
			treatment_days = excluded.treatment_days,
			revision = patients.revision + 1,
			updated_at = excluded.updated_at
	`,
		s.PatientID, nullInt(s.Age), nullBool(s.HIVPositive), nullBool(s.Diabetes), nullBool(s.Smoker),
		flagValue(ext, domain.FlagAIDS), flagValue(ext, domain.FlagAlcoholism),
		flagValue(ext, domain.FlagMentalDisorder), flagValue(ext, domain.FlagDrugAddiction),
		nullInt(s.TreatmentDays), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert patient: %w", err)
	}

	for _, table := range []string{"monitoring_visits", "treatment_modifications", "patient_flags"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE patient_id = ?", s.PatientID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	for _, v := range s.Visits {
		var adherence interface{}
		if v.AdherencePct != nil {
			adherence = *v.AdherencePct
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO monitoring_visits (patient_id, visit_date, adherence_pct) VALUES (?, ?, ?)",
			s.PatientID, v.Date.UTC().Format(time.RFC3339), adherence,
		); err != nil {
			return fmt.Errorf("failed to insert visit: %w", err)
		}
	}
	for _, m := range s.Modifications {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO treatment_modifications (patient_id, modified_on, reason, drug) VALUES (?, ?, ?, ?)",
			s.PatientID, m.Date.UTC().Format(time.RFC3339), m.Reason, m.Drug,
		); err != nil {
			return fmt.Errorf("failed to insert modification: %w", err)
		}
	}

	for name, value := range additionalFlags(ext) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO patient_flags (patient_id, name, value) VALUES (?, ?, ?)",
			s.PatientID, name, value,
		); err != nil {
			return fmt.Errorf("failed to insert flag %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"patient_id": s.PatientID,
		"visits":     len(s.Visits),
		"flags":      len(ext),
	}).Debug("Saved clinical snapshot")
	return nil
}

// GetSnapshot reads one patient's snapshot.
func (p *SQLiteProvider) GetSnapshot(ctx context.Context, patientID string) (*domain.ClinicalSnapshot, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		s                               domain.ClinicalSnapshot
		age, treatmentDays              sql.NullInt64
		hiv, diabetes, smoker           sql.NullBool
		aids, alcoholism, mental, drugs sql.NullBool
		revision                        int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, age, hiv_positive, diabetes, smoker,
			aids, alcoholism, mental_disorder, drug_addiction,
			treatment_days, revision
		FROM patients WHERE id = ?
	`, patientID).Scan(
		&s.PatientID, &age, &hiv, &diabetes, &smoker,
		&aids, &alcoholism, &mental, &drugs,
		&treatmentDays, &revision,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan patient: %w", err)
	}

	s.Version = strconv.Itoa(revision)
	s.Age = intFromNull(age)
	s.TreatmentDays = intFromNull(treatmentDays)
	s.HIVPositive = boolFromNull(hiv)
	s.Diabetes = boolFromNull(diabetes)
	s.Smoker = boolFromNull(smoker)
	s.ExtendedComorbidities = extendedFlags(boolFromNull(aids), boolFromNull(alcoholism), boolFromNull(mental), boolFromNull(drugs))

	extra, err := sqliteFlags(ctx, tx, patientID)
	if err != nil {
		return nil, err
	}
	s.ExtendedComorbidities = mergeFlags(s.ExtendedComorbidities, extra)

	if s.Visits, err = sqliteVisits(ctx, tx, patientID); err != nil {
		return nil, err
	}
	if s.Modifications, err = sqliteModifications(ctx, tx, patientID); err != nil {
		return nil, err
	}
	return &s, nil
}

func sqliteFlags(ctx context.Context, tx *sql.Tx, patientID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT name, value FROM patient_flags WHERE patient_id = ?", patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	flags := map[string]bool{}
	for rows.Next() {
		var name string
		var value bool
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		flags[name] = value
	}
	return flags, rows.Err()
}

func sqliteVisits(ctx context.Context, tx *sql.Tx, patientID string) ([]domain.MonitoringVisit, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT visit_date, adherence_pct FROM monitoring_visits WHERE patient_id = ? ORDER BY visit_date, id",
		patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	visits := []domain.MonitoringVisit{}
	for rows.Next() {
		var date string
		var adherence sql.NullFloat64
		if err := rows.Scan(&date, &adherence); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visit := domain.MonitoringVisit{}
		if visit.Date, err = time.Parse(time.RFC3339, date); err != nil {
			return nil, fmt.Errorf("invalid visit date %q: %w", date, err)
		}
		if adherence.Valid {
			v := adherence.Float64
			visit.AdherencePct = &v
		}
		visits = append(visits, visit)
	}
	return visits, rows.Err()
}

func sqliteModifications(ctx context.Context, tx *sql.Tx, patientID string) ([]domain.TreatmentModification, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT modified_on, reason, drug FROM treatment_modifications WHERE patient_id = ? ORDER BY modified_on, id",
		patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query modifications: %w", err)
	}
	defer rows.Close()

	mods := []domain.TreatmentModification{}
	for rows.Next() {
		var date string
		var m domain.TreatmentModification
		if err := rows.Scan(&date, &m.Reason, &m.Drug); err != nil {
			return nil, fmt.Errorf("failed to scan modification: %w", err)
		}
		if m.Date, err = time.Parse(time.RFC3339, date); err != nil {
			return nil, fmt.Errorf("invalid modification date %q: %w", date, err)
		}
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

// Close closes the database.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func flagValue(flags map[string]bool, name string) interface{} {
	if v, ok := flags[name]; ok {
		return v
	}
	return nil
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func boolFromNull(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
