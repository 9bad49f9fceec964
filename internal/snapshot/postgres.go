// Package snapshot supplies read-only clinical snapshots to the assessment pipeline from
// the clinical record store.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ptld-risk-mcp-server/internal/domain"
)

// PostgresProvider reads snapshots from the patients, patient_flags, monitoring_visits and
// treatment_modifications tables.
type PostgresProvider struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresProvider creates a provider over an existing pool
func NewPostgresProvider(db *pgxpool.Pool, logger *logrus.Logger) *PostgresProvider {
	return &PostgresProvider{
		db:  db,
		log: logger,
	}
}

// GetSnapshot loads the patient row and its ordered visits and modifications in one
// repeatable-read transaction so the snapshot is consistent.
func (p *PostgresProvider) GetSnapshot(ctx context.Context, patientID string) (*domain.ClinicalSnapshot, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	snapshot, err := p.loadPatient(ctx, tx, patientID)
	if err != nil {
		return nil, err
	}
	extra, err := p.loadFlags(ctx, tx, patientID)
	if err != nil {
		return nil, err
	}
	snapshot.ExtendedComorbidities = mergeFlags(snapshot.ExtendedComorbidities, extra)

	if snapshot.Visits, err = p.loadVisits(ctx, tx, patientID); err != nil {
		return nil, err
	}
	if snapshot.Modifications, err = p.loadModifications(ctx, tx, patientID); err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"patient_id":    patientID,
		"version":       snapshot.Version,
		"visits":        len(snapshot.Visits),
		"modifications": len(snapshot.Modifications),
	}).Debug("Loaded clinical snapshot")

	return snapshot, nil
}

func (p *PostgresProvider) loadPatient(ctx context.Context, tx pgx.Tx, patientID string) (*domain.ClinicalSnapshot, error) {
	query := `
		SELECT id, age, hiv_positive, diabetes, smoker,
			aids, alcoholism, mental_disorder, drug_addiction,
			treatment_days, revision
		FROM patients
		WHERE id = $1`

	var (
		s                               domain.ClinicalSnapshot
		aids, alcoholism, mental, drugs *bool
		revision                        int
	)
	err := tx.QueryRow(ctx, query, patientID).Scan(
		&s.PatientID, &s.Age, &s.HIVPositive, &s.Diabetes, &s.Smoker,
		&aids, &alcoholism, &mental, &drugs,
		&s.TreatmentDays, &revision,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to load patient")
		return nil, fmt.Errorf("loading patient: %w", err)
	}

	s.Version = strconv.Itoa(revision)
	s.ExtendedComorbidities = extendedFlags(aids, alcoholism, mental, drugs)
	return &s, nil
}

func (p *PostgresProvider) loadFlags(ctx context.Context, tx pgx.Tx, patientID string) (map[string]bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT name, value
		FROM patient_flags
		WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, fmt.Errorf("querying flags: %w", err)
	}
	defer rows.Close()

	flags := map[string]bool{}
	for rows.Next() {
		var name string
		var value bool
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning flag: %w", err)
		}
		flags[name] = value
	}
	return flags, rows.Err()
}

func (p *PostgresProvider) loadVisits(ctx context.Context, tx pgx.Tx, patientID string) ([]domain.MonitoringVisit, error) {
	rows, err := tx.Query(ctx, `
		SELECT visit_date, adherence_pct
		FROM monitoring_visits
		WHERE patient_id = $1
		ORDER BY visit_date, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("querying visits: %w", err)
	}
	defer rows.Close()

	visits := []domain.MonitoringVisit{}
	for rows.Next() {
		var v domain.MonitoringVisit
		if err := rows.Scan(&v.Date, &v.AdherencePct); err != nil {
			return nil, fmt.Errorf("scanning visit: %w", err)
		}
		v.Date = v.Date.UTC()
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

func (p *PostgresProvider) loadModifications(ctx context.Context, tx pgx.Tx, patientID string) ([]domain.TreatmentModification, error) {
	rows, err := tx.Query(ctx, `
		SELECT modified_on, reason, drug
		FROM treatment_modifications
		WHERE patient_id = $1
		ORDER BY modified_on, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("querying modifications: %w", err)
	}
	defer rows.Close()

	mods := []domain.TreatmentModification{}
	for rows.Next() {
		var m domain.TreatmentModification
		var date time.Time
		if err := rows.Scan(&date, &m.Reason, &m.Drug); err != nil {
			return nil, fmt.Errorf("scanning modification: %w", err)
		}
		m.Date = date.UTC()
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

// extendedFlags keeps only the flags that were recorded.
func extendedFlags(aids, alcoholism, mental, drugs *bool) map[string]bool {
	flags := map[string]bool{}
	for name, v := range map[string]*bool{
		domain.FlagAIDS:           aids,
		domain.FlagAlcoholism:     alcoholism,
		domain.FlagMentalDisorder: mental,
		domain.FlagDrugAddiction:  drugs,
	} {
		if v != nil {
			flags[name] = *v
		}
	}
	if len(flags) == 0 {
		return nil
	}
	return flags
}

// additionalFlags returns the flags that have no column of their own on patients.
func additionalFlags(flags map[string]bool) map[string]bool {
	extra := map[string]bool{}
	for name, v := range flags {
		switch name {
		case domain.FlagAIDS, domain.FlagAlcoholism, domain.FlagMentalDisorder, domain.FlagDrugAddiction:
			continue
		}
		extra[name] = v
	}
	return extra
}

func mergeFlags(flags, extra map[string]bool) map[string]bool {
	if len(extra) == 0 {
		return flags
	}
	if flags == nil {
		flags = make(map[string]bool, len(extra))
	}
	for name, v := range extra {
		flags[name] = v
	}
	return flags
}
