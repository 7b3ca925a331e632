// Package postgres provides PostgreSQL infrastructure components.
// The store persists patients, their measurement history and per-order
// audit results; event publishing rides the transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MeasurementRow is one snapshot of a patient's lab values and the
// renal metrics derived from them
type MeasurementRow struct {
	ID             int64      `json:"id"`
	PatientID      int64      `json:"patient_id"`
	WeightKg       float64    `json:"weight_kg"`
	HeightCm       float64    `json:"height_cm"`
	SCrMgDl        float64    `json:"scr_mg_dl"`
	EGFR           float64    `json:"egfr"`
	CrCl           float64    `json:"crcl"`
	CrClNormalized float64    `json:"crcl_normalized"`
	BSA            float64    `json:"bsa"`
	OnDialysis     bool       `json:"is_hd"`
	MeasuredAt     time.Time  `json:"measured_at"`
}

// PrescriptionRow is one audited prescription line as persisted
type PrescriptionRow struct {
	ID           int64   `json:"id"`
	OrderID      int64   `json:"order_id"`
	DrugCode     int64   `json:"drug_code"`
	ProductName  string  `json:"product_name"`
	Ingredient   string  `json:"ingredient"`
	DoseAmount   float64 `json:"dose_amount"`
	DoseUnit     string  `json:"dose_unit"`
	RealAmount   float64 `json:"real_amount"`
	DosesPerDay  int     `json:"doses_per_day"`
	DurationDays int     `json:"duration_days"`
	Category     string  `json:"category"`
	Rationale    string  `json:"rationale"`
}

// AuditRecord is everything one audit run persists
type AuditRecord struct {
	PatientName string
	Sex         string
	BirthDate   string
	Measurement MeasurementRow
	SubmittedAt time.Time
	Summary     string
	Lines       []PrescriptionRow
}

// OrderHistory is one historical audit order with the patient state in
// effect at submission time
type OrderHistory struct {
	OrderID     int64             `json:"order_id"`
	PatientID   int64             `json:"patient_id"`
	PatientName string            `json:"patient_name"`
	Sex         string            `json:"sex"`
	BirthDate   string            `json:"birth_date"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Summary     string            `json:"summary"`
	Measurement *MeasurementRow   `json:"measurement,omitempty"`
	Lines       []PrescriptionRow `json:"prescriptions"`
}

// Store provides audit persistence
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a new store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger, tracer: otel.Tracer("audit-store")}
}

// SaveAuditRun persists one complete audit run in a single transaction:
// patient (reused when name/sex/birth date match), measurement snapshot,
// order, lines, and the audit.completed outbox entry.
func (s *Store) SaveAuditRun(ctx context.Context, rec *AuditRecord) (orderID, patientID int64, err error) {
	ctx, span := s.tracer.Start(ctx, "save_audit_run",
		trace.WithAttributes(attribute.Int("lines", len(rec.Lines))))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	patientID, err = s.upsertPatient(ctx, tx, rec.PatientName, rec.Sex, rec.BirthDate)
	if err != nil {
		return 0, 0, err
	}

	if err := s.insertMeasurement(ctx, tx, patientID, &rec.Measurement); err != nil {
		return 0, 0, err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO audit_orders (patient_id, submitted_at, summary)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		patientID, rec.SubmittedAt, rec.Summary,
	).Scan(&orderID)
	if err != nil {
		return 0, 0, fmt.Errorf("insert order: %w", err)
	}

	for i := range rec.Lines {
		line := &rec.Lines[i]
		line.OrderID = orderID
		err = tx.QueryRow(ctx,
			`INSERT INTO prescriptions
			 (order_id, drug_code, product_name, ingredient, dose_amount, dose_unit,
			  real_amount, doses_per_day, duration_days, category, rationale)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id`,
			orderID, line.DrugCode, line.ProductName, line.Ingredient,
			line.DoseAmount, line.DoseUnit, line.RealAmount,
			line.DosesPerDay, line.DurationDays, line.Category, line.Rationale,
		).Scan(&line.ID)
		if err != nil {
			return 0, 0, fmt.Errorf("insert prescription: %w", err)
		}
	}

	payload, err := json.Marshal(auditCompletedEvent{
		OrderID:     orderID,
		PatientID:   patientID,
		Summary:     rec.Summary,
		LineCount:   len(rec.Lines),
		SubmittedAt: rec.SubmittedAt,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("marshal audit event: %w", err)
	}

	entry := &OutboxEntry{
		AggregateID:   fmt.Sprintf("%d", orderID),
		AggregateType: "AuditOrder",
		EventType:     "AuditCompleted",
		Payload:       payload,
		KafkaTopic:    topicAuditCompleted,
		KafkaKey:      fmt.Sprintf("%d", patientID),
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("audit run persisted",
		zap.Int64("order_id", orderID),
		zap.Int64("patient_id", patientID),
		zap.String("summary", rec.Summary),
		zap.Int("lines", len(rec.Lines)))

	return orderID, patientID, nil
}

// auditCompletedEvent is the outbox payload for a finished audit
type auditCompletedEvent struct {
	OrderID     int64     `json:"order_id"`
	PatientID   int64     `json:"patient_id"`
	Summary     string    `json:"summary"`
	LineCount   int       `json:"line_count"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// topicAuditCompleted mirrors redpanda.TopicAuditCompleted without
// importing the streaming package into the store.
const topicAuditCompleted = "audit.completed"

func (s *Store) upsertPatient(ctx context.Context, tx pgx.Tx, name, sex, birthDate string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`SELECT id FROM patients WHERE name = $1 AND sex = $2 AND birth_date = $3`,
		name, sex, birthDate,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("find patient: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO patients (name, sex, birth_date) VALUES ($1, $2, $3) RETURNING id`,
		name, sex, birthDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert patient: %w", err)
	}
	return id, nil
}

func (s *Store) insertMeasurement(ctx context.Context, tx pgx.Tx, patientID int64, m *MeasurementRow) error {
	m.PatientID = patientID
	err := tx.QueryRow(ctx,
		`INSERT INTO patient_measurements
		 (patient_id, weight_kg, height_cm, scr_mg_dl, egfr, crcl, crcl_normalized, bsa, is_hd, measured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		patientID, m.WeightKg, m.HeightCm, m.SCrMgDl, m.EGFR,
		m.CrCl, m.CrClNormalized, m.BSA, m.OnDialysis, m.MeasuredAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

// History returns recent audit orders, newest first, each with the
// measurement in effect at submission time and its audited lines
func (s *Store) History(ctx context.Context, skip, limit int) ([]OrderHistory, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT o.id, o.patient_id, p.name, p.sex, p.birth_date, o.submitted_at, o.summary
		 FROM audit_orders o
		 JOIN patients p ON p.id = o.patient_id
		 ORDER BY o.submitted_at DESC
		 OFFSET $1 LIMIT $2`,
		skip, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderHistory
	for rows.Next() {
		var o OrderHistory
		if err := rows.Scan(&o.OrderID, &o.PatientID, &o.PatientName, &o.Sex, &o.BirthDate, &o.SubmittedAt, &o.Summary); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		o := &orders[i]

		m, err := s.measurementAt(ctx, o.PatientID, o.SubmittedAt)
		if err != nil {
			return nil, err
		}
		o.Measurement = m

		lines, err := s.orderLines(ctx, o.OrderID)
		if err != nil {
			return nil, err
		}
		o.Lines = lines
	}

	return orders, nil
}

// measurementAt returns the patient's most recent measurement at or
// before a point in time, nil if none exists
func (s *Store) measurementAt(ctx context.Context, patientID int64, at time.Time) (*MeasurementRow, error) {
	m := &MeasurementRow{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, patient_id, weight_kg, height_cm, scr_mg_dl, egfr, crcl, crcl_normalized, bsa, is_hd, measured_at
		 FROM patient_measurements
		 WHERE patient_id = $1 AND measured_at <= $2
		 ORDER BY measured_at DESC
		 LIMIT 1`,
		patientID, at,
	).Scan(&m.ID, &m.PatientID, &m.WeightKg, &m.HeightCm, &m.SCrMgDl,
		&m.EGFR, &m.CrCl, &m.CrClNormalized, &m.BSA, &m.OnDialysis, &m.MeasuredAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query measurement: %w", err)
	}
	return m, nil
}

func (s *Store) orderLines(ctx context.Context, orderID int64) ([]PrescriptionRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, drug_code, product_name, ingredient, dose_amount, dose_unit,
		        real_amount, doses_per_day, duration_days, category, rationale
		 FROM prescriptions
		 WHERE order_id = $1
		 ORDER BY id ASC`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	var lines []PrescriptionRow
	for rows.Next() {
		var l PrescriptionRow
		err := rows.Scan(&l.ID, &l.OrderID, &l.DrugCode, &l.ProductName, &l.Ingredient,
			&l.DoseAmount, &l.DoseUnit, &l.RealAmount, &l.DosesPerDay,
			&l.DurationDays, &l.Category, &l.Rationale)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
