package schedule

import "time"

// RawEvent is one appointment record as returned by an ERP adapter.
type RawEvent struct {
	ExternalCode     string
	PatientCode      string
	PatientName      string
	Phone            string
	Email            string
	TelegramChatID   int64
	AppointmentTime  time.Time
	ProfessionalName string
	Location         string
	Procedure        string
	ModifiedAt       time.Time
	Extra            map[string]string
}
