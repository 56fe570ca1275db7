package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RepoPG appends events to the audit_event table. The table is insert-only;
// no update or delete statement exists anywhere in this package.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

// Append implements Appender.
func (r *RepoPG) Append(ctx context.Context, e *Event) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO audit_event (
			id, recorded_at, principal_id, role, clinic_id, category, action,
			resource_type, resource_id, outcome, reason, ip_address, user_agent,
			request_id, session_id, alert, super_admin_cross_clinic, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.Timestamp, nullable(e.PrincipalID), e.Role, e.ClinicID,
		string(e.Category), e.Action, e.ResourceType, e.ResourceID, e.Outcome,
		e.Reason, e.IP, e.UserAgent, e.RequestID, e.SessionID, e.Alert,
		e.SuperAdminCrossClinic, metadata,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
