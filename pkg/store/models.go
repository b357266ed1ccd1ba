package store

import "time"

// CallStatus is the lifecycle state of a call row.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// EmergencySeverity grades an emergency event.
type EmergencySeverity string

const (
	SeverityCritical EmergencySeverity = "critical"
	SeverityHigh     EmergencySeverity = "high"
	SeverityMedium   EmergencySeverity = "medium"
)

// Organization is the tenant a patient and their calls belong to.
type Organization struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Address   string    `gorm:"type:varchar(255)" json:"address,omitempty"`
	Email     string    `gorm:"type:varchar(255);index" json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (Organization) TableName() string { return "organizations" }

// Patient holds the demographics the context builder reads and the
// emergency flag the bridge raises.
type Patient struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	OrgID           int64      `gorm:"not null;index" json:"org_id"`
	ExternalID      string     `gorm:"column:patient_id;type:varchar(100);uniqueIndex" json:"patient_id"`
	FirstName       string     `gorm:"column:fname;type:varchar(100)" json:"fname,omitempty"`
	LastName        string     `gorm:"column:lname;type:varchar(100)" json:"lname,omitempty"`
	Name            string     `gorm:"type:varchar(255);not null" json:"name"`
	Phone           string     `gorm:"type:varchar(40)" json:"phone,omitempty"`
	Email           string     `gorm:"type:varchar(255);index" json:"email,omitempty"`
	DOB             *time.Time `gorm:"column:dob" json:"dob,omitempty"`
	EmergencyFlag   int        `gorm:"default:0" json:"emergency_flag"`
	LastEmergencyAt *time.Time `json:"last_emergency_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (Patient) TableName() string { return "patients" }

// Call is the unit of work the bridge mutates: one phone call, its
// transcript and its outcome.
type Call struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	OrgID           int64      `gorm:"not null;index" json:"org_id"`
	PatientID       *int64     `gorm:"index" json:"patient_id,omitempty"`
	Agent           string     `gorm:"type:varchar(100)" json:"agent,omitempty"`
	ProviderCallSID string     `gorm:"column:twilio_call_sid;type:varchar(64);index" json:"twilio_call_sid,omitempty"`
	StreamSID       string     `gorm:"column:stream_sid;type:varchar(64)" json:"stream_sid,omitempty"`
	ToNumber        string     `gorm:"type:varchar(40)" json:"to_number,omitempty"`
	FromNumber      string     `gorm:"type:varchar(40)" json:"from_number,omitempty"`
	Status          CallStatus `gorm:"type:varchar(20);default:queued;index" json:"status"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	Transcript      string     `gorm:"type:text" json:"transcript,omitempty"`
	Summary         string     `gorm:"type:text" json:"summary,omitempty"`
	// CompletedAt marks readings-level completion, distinct from the
	// stream-side status flip. Guards CompleteCall idempotence.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (Call) TableName() string { return "calls" }

// Reading is one clinical measurement extracted from a call
// transcript. Immutable once written.
type Reading struct {
	ID          int64      `gorm:"primaryKey" json:"id"`
	PatientID   *int64     `gorm:"index" json:"patient_id,omitempty"`
	CallID      int64      `gorm:"not null;index" json:"call_id"`
	ReadingType string     `gorm:"type:varchar(40);not null" json:"reading_type"`
	Value       string     `gorm:"type:text;not null" json:"value"`
	Units       string     `gorm:"type:varchar(40)" json:"units,omitempty"`
	RawText     string     `gorm:"type:text" json:"raw_text,omitempty"`
	RecordedAt  *time.Time `json:"recorded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (Reading) TableName() string { return "readings" }

// EmergencyEvent records an agent-detected emergency during a call.
type EmergencyEvent struct {
	ID           int64             `gorm:"primaryKey" json:"id"`
	CallID       *int64            `gorm:"index" json:"call_id,omitempty"`
	PatientID    int64             `gorm:"not null;index" json:"patient_id"`
	OrgID        *int64            `gorm:"index" json:"org_id,omitempty"`
	Severity     EmergencySeverity `gorm:"type:varchar(20)" json:"severity,omitempty"`
	SignalText   string            `gorm:"type:text" json:"signal_text,omitempty"`
	DetectorInfo string            `gorm:"type:varchar(255)" json:"detector_info,omitempty"`
	DetectedAt   time.Time         `gorm:"not null" json:"detected_at"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (EmergencyEvent) TableName() string { return "emergency_events" }
