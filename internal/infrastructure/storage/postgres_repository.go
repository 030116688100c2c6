package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"WorkflowScanner/internal/domain"
	"WorkflowScanner/internal/ports"
)

const uniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresRepository persists workflow versions and their children into Postgres.
type PostgresRepository struct {
	db *sql.DB
}

var (
	_ ports.WorkflowRepository       = (*PostgresRepository)(nil)
	_ ports.CountryMappingRepository = (*PostgresRepository)(nil)
)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// UpsertVisaType inserts or refreshes a visa type keyed by code and returns the
// stored row. An existing row keeps its id.
func (r *PostgresRepository) UpsertVisaType(ctx context.Context, vt domain.VisaType) (domain.VisaType, error) {
	if vt.ID == "" {
		vt.ID = uuid.NewString()
	}
	query, args, err := psql.Insert("visa_types").
		Columns("id", "code", "name", "active").
		Values(vt.ID, strings.ToUpper(vt.Code), vt.Name, vt.Active).
		Suffix("ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active RETURNING id, code, name, active").
		ToSql()
	if err != nil {
		return domain.VisaType{}, fmt.Errorf("build visa type upsert: %w", err)
	}

	var out domain.VisaType
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&out.ID, &out.Code, &out.Name, &out.Active); err != nil {
		return domain.VisaType{}, fmt.Errorf("upsert visa type %s: %w", vt.Code, err)
	}
	return out, nil
}

// UpsertCountryMapping inserts or refreshes a redirect rule.
func (r *PostgresRepository) UpsertCountryMapping(ctx context.Context, m domain.CountryServiceMapping) error {
	query, args, err := psql.Insert("country_service_mappings").
		Columns("service", "from_country", "to_country", "notes").
		Values(canonicalService(m.Service), strings.ToUpper(m.FromCountry), strings.ToUpper(m.ToCountry), m.Notes).
		Suffix("ON CONFLICT (service, from_country) DO UPDATE SET to_country = EXCLUDED.to_country, notes = EXCLUDED.notes").
		ToSql()
	if err != nil {
		return fmt.Errorf("build mapping upsert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert mapping %s/%s: %w", m.Service, m.FromCountry, err)
	}
	return nil
}

// VisaTypeByCode looks a visa type up by its code.
func (r *PostgresRepository) VisaTypeByCode(ctx context.Context, code string) (domain.VisaType, error) {
	query, args, err := psql.Select("id", "code", "name", "active").
		From("visa_types").
		Where(sq.Eq{"code": strings.ToUpper(strings.TrimSpace(code))}).
		ToSql()
	if err != nil {
		return domain.VisaType{}, fmt.Errorf("build visa type query: %w", err)
	}

	var vt domain.VisaType
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&vt.ID, &vt.Code, &vt.Name, &vt.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VisaType{}, fmt.Errorf("visa type %s: %w", code, ports.ErrNotFound)
	}
	if err != nil {
		return domain.VisaType{}, fmt.Errorf("query visa type %s: %w", code, err)
	}
	return vt, nil
}

// ActiveVisaTypes returns active visa types ordered by code.
func (r *PostgresRepository) ActiveVisaTypes(ctx context.Context) ([]domain.VisaType, error) {
	query, args, err := psql.Select("id", "code", "name", "active").
		From("visa_types").
		Where(sq.Eq{"active": true}).
		OrderBy("code").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build visa types query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visa types: %w", err)
	}
	defer rows.Close()

	var out []domain.VisaType
	for rows.Next() {
		var vt domain.VisaType
		if err := rows.Scan(&vt.ID, &vt.Code, &vt.Name, &vt.Active); err != nil {
			return nil, fmt.Errorf("scan visa type: %w", err)
		}
		out = append(out, vt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// LatestByStatus returns the highest version in one of statuses, with children loaded.
func (r *PostgresRepository) LatestByStatus(ctx context.Context, visaTypeID, countryCode string, statuses ...domain.VersionStatus) (domain.WorkflowVersion, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	query, args, err := psql.Select(
		"id", "visa_type_id", "country_code", "version", "status",
		"source", "scrape_hash", "scraped_at", "approved_at",
	).
		From("workflow_versions").
		Where(sq.Eq{
			"visa_type_id": visaTypeID,
			"country_code": strings.ToUpper(countryCode),
			"status":       names,
		}).
		OrderBy("version DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return domain.WorkflowVersion{}, fmt.Errorf("build latest version query: %w", err)
	}

	var (
		v          domain.WorkflowVersion
		status     string
		approvedAt sql.NullTime
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&v.ID, &v.VisaTypeID, &v.CountryCode, &v.Version, &status,
		&v.Source, &v.ScrapeHash, &v.ScrapedAt, &approvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowVersion{}, fmt.Errorf("workflow %s/%s: %w", visaTypeID, countryCode, ports.ErrNotFound)
	}
	if err != nil {
		return domain.WorkflowVersion{}, fmt.Errorf("query latest version: %w", err)
	}
	v.Status = domain.VersionStatus(status)
	if approvedAt.Valid {
		at := approvedAt.Time
		v.ApprovedAt = &at
	}

	if v.Steps, err = r.loadSteps(ctx, v.ID); err != nil {
		return domain.WorkflowVersion{}, err
	}
	if v.Doctors, err = r.loadDoctors(ctx, v.ID); err != nil {
		return domain.WorkflowVersion{}, err
	}
	return v, nil
}

// MaxVersion returns the highest version number for the pair, or 0.
func (r *PostgresRepository) MaxVersion(ctx context.Context, visaTypeID, countryCode string) (int, error) {
	query, args, err := psql.Select("COALESCE(MAX(version), 0)").
		From("workflow_versions").
		Where(sq.Eq{"visa_type_id": visaTypeID, "country_code": strings.ToUpper(countryCode)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build max version query: %w", err)
	}

	var maxVersion int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&maxVersion); err != nil {
		return 0, fmt.Errorf("query max version: %w", err)
	}
	return maxVersion, nil
}

// CreateVersion stores the version and its children in one transaction. The
// pair is serialized with an advisory lock, and the current hash is re-read
// under it, so a writer holding a stale view gets ports.ErrDuplicate instead
// of staging the same content twice. A clashing version number surfaces as
// ports.ErrConflict.
func (r *PostgresRepository) CreateVersion(ctx context.Context, version domain.WorkflowVersion) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	country := strings.ToUpper(version.CountryCode)
	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, version.VisaTypeID+"|"+country); err != nil {
		return fmt.Errorf("lock pair: %w", err)
	}

	if err = r.checkCurrentHash(ctx, tx, version.VisaTypeID, country, version.ScrapeHash); err != nil {
		return err
	}

	var approvedAt sql.NullTime
	if version.ApprovedAt != nil {
		approvedAt = sql.NullTime{Time: *version.ApprovedAt, Valid: true}
	}

	query, args, err := psql.Insert("workflow_versions").
		Columns("id", "visa_type_id", "country_code", "version", "status", "source", "scrape_hash", "scraped_at", "approved_at").
		Values(version.ID, version.VisaTypeID, country, version.Version, string(version.Status),
			version.Source, version.ScrapeHash, version.ScrapedAt, approvedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build version insert: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return mapInsertError("insert version", err)
	}

	if len(version.Steps) > 0 {
		steps := psql.Insert("workflow_steps").
			Columns("id", "workflow_version_id", "step_key", "ordinal", "title", "description",
				"document_type", "document_name", "government_link")
		for _, s := range version.Steps {
			steps = steps.Values(s.ID, version.ID, s.Key, s.Ordinal, s.Title, s.Description,
				s.DocumentType, s.DocumentName, s.GovernmentLink)
		}
		if query, args, err = steps.ToSql(); err != nil {
			return fmt.Errorf("build steps insert: %w", err)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return mapInsertError("insert steps", err)
		}
	}

	if len(version.Doctors) > 0 {
		doctors := psql.Insert("workflow_doctors").
			Columns("id", "workflow_version_id", "name", "address", "city", "country_code", "phone", "source_url")
		for _, d := range version.Doctors {
			doctors = doctors.Values(d.ID, version.ID, d.Name, d.Address, d.City, d.CountryCode, d.Phone, d.SourceURL)
		}
		if query, args, err = doctors.ToSql(); err != nil {
			return fmt.Errorf("build doctors insert: %w", err)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return mapInsertError("insert doctors", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit version: %w", err)
	}
	return nil
}

// checkCurrentHash compares hash with the latest pending draft, else the
// latest approved version, as seen inside tx.
func (r *PostgresRepository) checkCurrentHash(ctx context.Context, tx *sql.Tx, visaTypeID, country, hash string) error {
	query, args, err := psql.Select("version", "scrape_hash").
		From("workflow_versions").
		Where(sq.Eq{
			"visa_type_id": visaTypeID,
			"country_code": country,
			"status":       []string{string(domain.StatusPendingApproval), string(domain.StatusApproved)},
		}).
		OrderByClause("(status = ?) DESC", string(domain.StatusPendingApproval)).
		OrderBy("version DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return fmt.Errorf("build current hash query: %w", err)
	}

	var (
		current     int
		currentHash string
	)
	err = tx.QueryRowContext(ctx, query, args...).Scan(&current, &currentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query current hash: %w", err)
	}
	if currentHash == hash {
		return fmt.Errorf("workflow %s/%s matches version %d: %w", visaTypeID, country, current, ports.ErrDuplicate)
	}
	return nil
}

// Redirect resolves a country redirect for a service.
func (r *PostgresRepository) Redirect(ctx context.Context, service, fromCountry string) (domain.CountryServiceMapping, bool, error) {
	query, args, err := psql.Select("service", "from_country", "to_country", "notes").
		From("country_service_mappings").
		Where(sq.Eq{"service": canonicalService(service), "from_country": strings.ToUpper(strings.TrimSpace(fromCountry))}).
		ToSql()
	if err != nil {
		return domain.CountryServiceMapping{}, false, fmt.Errorf("build mapping query: %w", err)
	}

	var m domain.CountryServiceMapping
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&m.Service, &m.FromCountry, &m.ToCountry, &m.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CountryServiceMapping{}, false, nil
	}
	if err != nil {
		return domain.CountryServiceMapping{}, false, fmt.Errorf("query mapping %s/%s: %w", service, fromCountry, err)
	}
	return m, true, nil
}

func (r *PostgresRepository) loadSteps(ctx context.Context, versionID string) ([]domain.WorkflowStep, error) {
	query, args, err := psql.Select("id", "step_key", "ordinal", "title", "description",
		"document_type", "document_name", "government_link").
		From("workflow_steps").
		Where(sq.Eq{"workflow_version_id": versionID}).
		OrderBy("ordinal", "step_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build steps query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.WorkflowStep
	for rows.Next() {
		var s domain.WorkflowStep
		if err := rows.Scan(&s.ID, &s.Key, &s.Ordinal, &s.Title, &s.Description,
			&s.DocumentType, &s.DocumentName, &s.GovernmentLink); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return steps, nil
}

func (r *PostgresRepository) loadDoctors(ctx context.Context, versionID string) ([]domain.WorkflowDoctor, error) {
	query, args, err := psql.Select("id", "name", "address", "city", "country_code", "phone", "source_url").
		From("workflow_doctors").
		Where(sq.Eq{"workflow_version_id": versionID}).
		OrderBy("country_code", "city", "name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build doctors query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query doctors: %w", err)
	}
	defer rows.Close()

	var doctors []domain.WorkflowDoctor
	for rows.Next() {
		var d domain.WorkflowDoctor
		if err := rows.Scan(&d.ID, &d.Name, &d.Address, &d.City, &d.CountryCode, &d.Phone, &d.SourceURL); err != nil {
			return nil, fmt.Errorf("scan doctor: %w", err)
		}
		doctors = append(doctors, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return doctors, nil
}

func mapInsertError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", op, pqErr.Message, ports.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
