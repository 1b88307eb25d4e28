package study

// NotificationType classifies why a notification was sent to a participant.
type NotificationType string

const (
	NotificationTypeAttenuated NotificationType = "ATTENUATED"
	NotificationTypeCumulative NotificationType = "CUMULATIVE"
	NotificationTypeEarly      NotificationType = "EARLY"
	NotificationTypeLate       NotificationType = "LATE"
	NotificationTypePreBurst   NotificationType = "PRE_BURST"

	// NotificationTypeUnknown covers log rows written before the type
	// attribute existed.
	NotificationTypeUnknown NotificationType = "UNKNOWN"
)

// ParseNotificationType maps a stored type string to a NotificationType.
// Blank or unrecognized values map to NotificationTypeUnknown so that old
// log rows remain readable.
func ParseNotificationType(s string) NotificationType {
	switch NotificationType(s) {
	case NotificationTypeAttenuated, NotificationTypeCumulative, NotificationTypeEarly,
		NotificationTypeLate, NotificationTypePreBurst:
		return NotificationType(s)
	default:
		return NotificationTypeUnknown
	}
}

// UserNotification is one entry in the append-only notification log,
// uniquely identified by (UserID, Time).
type UserNotification struct {
	UserID  string
	Time    int64 // epoch milliseconds
	Message string
	Type    NotificationType
}

// WorkerConfig holds per-study notification tuning parameters. It is a
// read-only snapshot rebuilt on each (cached) fetch.
type WorkerConfig struct {
	AppURL                             string   `validate:"required"`
	BurstDurationDays                  int      `validate:"gt=0"`
	BurstStartEventIDs                 []string `validate:"required,min=1"`
	BurstTaskID                        string   `validate:"required"`
	EarlyLateCutoffDays                int
	EngagementSurveyGUID               string
	ExcludedDataGroups                 []string
	MissedCumulativeActivitiesMessages []string
	MissedEarlyActivitiesMessages      []string
	MissedLaterActivitiesMessages      []string
	NotificationBlackoutDaysFromStart  int
	NotificationBlackoutDaysFromEnd    int
	NumActivitiesToCompleteBurst       int
	NumMissedConsecutiveDaysToNotify   int
	NumMissedDaysToNotify              int
	PreburstMessagesByDataGroup        map[string]string
}
