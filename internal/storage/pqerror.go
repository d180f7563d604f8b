package storage

import (
	"context"
	"database/sql"
	"errors"
	"net"

	"github.com/lib/pq"
)

// FromPostgres maps a driver error into the taxonomy. NotFound is the
// caller's to decide (sql.ErrNoRows says nothing about which key); this
// only distinguishes retryable pressure from hard unavailability.
func FromPostgres(entity string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Unavailable(entity, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "53": // insufficient_resources
			return Throttled(entity, err)
		case "57": // operator_intervention (includes query_canceled under load)
			return Throttled(entity, err)
		case "40": // serialization_failure, deadlock_detected
			return Throttled(entity, err)
		case "08": // connection_exception
			return Unavailable(entity, err)
		case "28", "3D", "42": // auth, bad database, bad schema
			return Unavailable(entity, err)
		}
		return Unavailable(entity, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Throttled(entity, err)
		}
		return Unavailable(entity, err)
	}

	return Unavailable(entity, err)
}
