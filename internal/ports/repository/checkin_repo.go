package repository

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"safeping.service/internal/core/model"
)

// Repository contract for the aggregator's snapshot reads against the
// backend's relational store.
type Repository interface {
	LatestCheckIns(ctx context.Context, organizationID string) ([]model.CheckInRecord, error)
	ActiveIncidents(ctx context.Context, organizationID string) ([]model.Incident, error)
}

// CheckInRepository is the concrete implementation for a PostgreSQL database.
type CheckInRepository struct {
	DB *sql.DB
}

// NewCheckInRepository create new instance
func NewCheckInRepository(db *sql.DB) Repository {
	return &CheckInRepository{DB: db}
}

// LatestCheckIns returns the most recent check-in record per worker in the
// organization, the aggregator's initialization snapshot.
func (r *CheckInRepository) LatestCheckIns(ctx context.Context, organizationID string) ([]model.CheckInRecord, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.organizationId", organizationID))

	query := `SELECT DISTINCT ON (user_id)
	              id, organization_id, user_id, status, latitude, longitude, accuracy, address, message, created_at, synced_at
	          FROM check_ins
	          WHERE organization_id = $1
	          ORDER BY user_id, created_at DESC`

	rows, err := r.DB.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.CheckInRecord
	for rows.Next() {
		var (
			rec      model.CheckInRecord
			lat      sql.NullFloat64
			lng      sql.NullFloat64
			accuracy sql.NullFloat64
			address  sql.NullString
			message  sql.NullString
			syncedAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.UserID, &rec.Status,
			&lat, &lng, &accuracy, &address, &message, &rec.CreatedAt, &syncedAt); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			rec.Location = &model.Location{
				Lat:      lat.Float64,
				Lng:      lng.Float64,
				Accuracy: accuracy.Float64,
				Address:  address.String,
			}
		}
		rec.Message = message.String
		if syncedAt.Valid {
			t := syncedAt.Time.UTC()
			rec.SyncedAt = &t
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ActiveIncidents returns the organization's unresolved incidents.
func (r *CheckInRepository) ActiveIncidents(ctx context.Context, organizationID string) ([]model.Incident, error) {
	query := `SELECT id, organization_id, user_id, status, created_at
	          FROM incidents
	          WHERE organization_id = $1 AND resolved_at IS NULL
	          ORDER BY created_at DESC`

	rows, err := r.DB.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []model.Incident
	for rows.Next() {
		var inc model.Incident
		var createdAt time.Time
		if err := rows.Scan(&inc.ID, &inc.OrganizationID, &inc.UserID, &inc.Status, &createdAt); err != nil {
			return nil, err
		}
		inc.CreatedAt = createdAt.UTC()
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
