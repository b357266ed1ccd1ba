package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/carelinehq/careline/pkg/errorsx"
)

// Store wraps the relational backend behind the operations the bridge
// and call-control API need. SQLite is the default so a single binary
// runs standalone; MySQL serves shared deployments.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects, picks the driver from the DSN shape and migrates the
// schema additively.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStoreOpen)
	}
	if err := db.AutoMigrate(
		&Organization{},
		&Patient{},
		&Call{},
		&Reading{},
		&EmergencyEvent{},
	); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStoreOpen)
	}
	log.Info("store_open", "dialect", db.Name())
	return &Store{db: db, log: log}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, errorsx.New("empty database dsn", errorsx.ReasonStoreOpen)
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), nil
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), nil
	case dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db"):
		return sqlite.Open(dsn), nil
	case strings.Contains(dsn, "@tcp("):
		return mysql.Open(dsn), nil
	default:
		return nil, errorsx.Newf(errorsx.ReasonStoreOpen, "unrecognized dsn %q", dsn)
	}
}

// DB exposes the underlying handle for test seeding.
func (s *Store) DB() *gorm.DB { return s.db }

// LookupCall returns the call row or a ReasonCallNotFound error.
func (s *Store) LookupCall(ctx context.Context, callID int64) (*Call, error) {
	var call Call
	if err := s.db.WithContext(ctx).First(&call, callID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorsx.Newf(errorsx.ReasonCallNotFound, "call %d not found", callID)
		}
		return nil, err
	}
	return &call, nil
}

func (s *Store) PatientByID(ctx context.Context, patientID int64) (*Patient, error) {
	var patient Patient
	if err := s.db.WithContext(ctx).First(&patient, patientID).Error; err != nil {
		return nil, err
	}
	return &patient, nil
}

func (s *Store) OrganizationByID(ctx context.Context, orgID int64) (*Organization, error) {
	var org Organization
	if err := s.db.WithContext(ctx).First(&org, orgID).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

// PatientByPhone matches an inbound caller to a patient record. Exact match
// first, then a suffix match on the last ten digits because stored numbers
// vary in country-code formatting.
func (s *Store) PatientByPhone(ctx context.Context, phone string) (*Patient, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var patient Patient
	err := s.db.WithContext(ctx).Where("phone = ?", phone).First(&patient).Error
	if err == nil {
		return &patient, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	digits := digitsOnly(phone)
	if len(digits) < 10 {
		return nil, gorm.ErrRecordNotFound
	}
	suffix := digits[len(digits)-10:]
	if err := s.db.WithContext(ctx).Where("phone LIKE ?", "%"+suffix).First(&patient).Error; err != nil {
		return nil, err
	}
	return &patient, nil
}

// CallByProviderSID resolves a status callback's CallSid to our call row.
func (s *Store) CallByProviderSID(ctx context.Context, sid string) (*Call, error) {
	var call Call
	if err := s.db.WithContext(ctx).Where("twilio_call_sid = ?", sid).First(&call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errorsx.Newf(errorsx.ReasonCallNotFound, "no call with provider sid %s", sid)
		}
		return nil, err
	}
	return &call, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CreateOutboundCall inserts the row representing a call about to be
// dialed. The provider SID arrives later via UpdateCallSID.
func (s *Store) CreateOutboundCall(ctx context.Context, orgID, patientID int64, toNumber, agent string) (*Call, error) {
	call := Call{
		OrgID:     orgID,
		PatientID: &patientID,
		ToNumber:  toNumber,
		Agent:     agent,
		Status:    CallStatusInitiated,
	}
	if err := s.db.WithContext(ctx).Create(&call).Error; err != nil {
		return nil, err
	}
	return &call, nil
}

// CreateInboundCall records a call answered on the voice webhook.
func (s *Store) CreateInboundCall(ctx context.Context, patient *Patient, fromNumber, toNumber, providerSID, agent string) (*Call, error) {
	call := Call{
		OrgID:           patient.OrgID,
		PatientID:       &patient.ID,
		FromNumber:      fromNumber,
		ToNumber:        toNumber,
		ProviderCallSID: providerSID,
		Agent:           agent,
		Status:          CallStatusInitiated,
	}
	if err := s.db.WithContext(ctx).Create(&call).Error; err != nil {
		return nil, err
	}
	return &call, nil
}

func (s *Store) UpdateCallSID(ctx context.Context, callID int64, sid string) error {
	return s.db.WithContext(ctx).Model(&Call{}).
		Where("id = ?", callID).
		Update("twilio_call_sid", sid).Error
}

// StartCall moves the call to in_progress. The start time is set once;
// reconnects must not rewind it.
func (s *Store) StartCall(ctx context.Context, callID int64, streamSID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var call Call
		if err := tx.First(&call, callID).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"status":     CallStatusInProgress,
			"stream_sid": streamSID,
		}
		if call.StartTime == nil {
			updates["start_time"] = time.Now().UTC()
		}
		return tx.Model(&call).Updates(updates).Error
	})
}

// AppendFragment appends one transcript line in arrival order. The
// caller serializes per call.
func (s *Store) AppendFragment(ctx context.Context, callID int64, role, text string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var call Call
		if err := tx.First(&call, callID).Error; err != nil {
			return err
		}
		line := fmt.Sprintf("\n[%s] %s", role, text)
		return tx.Model(&call).Update("transcript", call.Transcript+line).Error
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonFragmentPersist)
	}
	return nil
}

// FinishCall closes out the stream side of the call: end time,
// duration, status completed. Returns the updated row so the caller
// can run agent-specific follow-ups.
func (s *Store) FinishCall(ctx context.Context, callID int64) (*Call, error) {
	var call Call
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&call, callID).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		call.EndTime = &now
		call.Status = CallStatusCompleted
		if call.StartTime != nil {
			secs := int(now.Sub(*call.StartTime).Seconds())
			call.DurationSeconds = &secs
		}
		return tx.Model(&call).Updates(map[string]any{
			"end_time":         call.EndTime,
			"status":           call.Status,
			"duration_seconds": call.DurationSeconds,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// FailCall marks a call that never reached an active bridge.
func (s *Store) FailCall(ctx context.Context, callID int64) error {
	return s.db.WithContext(ctx).Model(&Call{}).
		Where("id = ?", callID).
		Update("status", CallStatusFailed).Error
}

// maxSummaryLen bounds the extracted summary appended to a call.
const maxSummaryLen = 3000

// CompleteCall finalizes the call and stores the extracted readings in
// one transaction. A second completion is a no-op reporting already
// true; partial writes never survive an error.
func (s *Store) CompleteCall(ctx context.Context, callID int64, summary string, readings []Reading) (already bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var call Call
		if err := tx.First(&call, callID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errorsx.Newf(errorsx.ReasonCallNotFound, "call %d not found", callID)
			}
			return err
		}
		if call.CompletedAt != nil {
			already = true
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":       CallStatusCompleted,
			"completed_at": now,
		}
		if call.EndTime == nil {
			call.EndTime = &now
			updates["end_time"] = now
		}
		if call.StartTime != nil && call.DurationSeconds == nil {
			secs := int(call.EndTime.Sub(*call.StartTime).Seconds())
			updates["duration_seconds"] = secs
		}
		if summary != "" {
			if len(summary) > maxSummaryLen {
				summary = summary[:maxSummaryLen]
			}
			updates["summary"] = call.Summary + "\n[OA_SUMMARY] " + summary
		}
		if err := tx.Model(&call).Updates(updates).Error; err != nil {
			return err
		}

		for i := range readings {
			readings[i].CallID = call.ID
			if readings[i].PatientID == nil {
				readings[i].PatientID = call.PatientID
			}
		}
		if len(readings) > 0 {
			if err := tx.Create(&readings).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errorsx.HasReason(err, errorsx.ReasonCallNotFound) {
		err = errorsx.Wrap(err, errorsx.ReasonCompleteCall)
	}
	return already, err
}

func (s *Store) ReadingsForCall(ctx context.Context, callID int64) ([]Reading, error) {
	var rows []Reading
	if err := s.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AddReadings inserts extracted readings outside the completion
// transaction, for callers that ask for readings on a call that never
// ran the completion pipeline.
func (s *Store) AddReadings(ctx context.Context, callID int64, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var call Call
		if err := tx.First(&call, callID).Error; err != nil {
			return err
		}
		for i := range readings {
			readings[i].CallID = call.ID
			if readings[i].PatientID == nil {
				readings[i].PatientID = call.PatientID
			}
		}
		return tx.Create(&readings).Error
	})
}

// RecordEmergency inserts the event and raises the patient flag in one
// transaction. Returns the new event id.
func (s *Store) RecordEmergency(ctx context.Context, event EmergencyEvent) (int64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var patient Patient
		if err := tx.First(&patient, event.PatientID).Error; err != nil {
			return err
		}
		if event.OrgID == nil {
			event.OrgID = &patient.OrgID
		}
		if event.DetectedAt.IsZero() {
			event.DetectedAt = time.Now().UTC()
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		return tx.Model(&patient).Updates(map[string]any{
			"emergency_flag":    1,
			"last_emergency_at": event.DetectedAt,
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return event.ID, nil
}
